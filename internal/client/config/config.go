package config

import (
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/purchase"
	"github.com/dmitrijs2005/creditkeeper/internal/client/session"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
)

// EnvPrefix prefixes every environment variable the client reads.
const EnvPrefix = "CREDITKEEPER"

// Config holds runtime settings for the CreditKeeper client.
type Config struct {
	ServerEndpointAddr  string        `envconfig:"SERVER_ADDR"`
	OnlineCheckInterval time.Duration `envconfig:"ONLINE_CHECK_INTERVAL"`
	DatabasePath        string        `envconfig:"DATABASE_PATH"`

	RemoteTimeout time.Duration `envconfig:"REMOTE_TIMEOUT"`
	CacheTimeout  time.Duration `envconfig:"CACHE_TIMEOUT"`
	// ResolveTimeout bounds a whole Resolve call from the UI.
	ResolveTimeout time.Duration `envconfig:"RESOLVE_TIMEOUT"`
	// MaxCacheAge of zero trusts a cached session however old it is.
	MaxCacheAge  time.Duration `envconfig:"MAX_CACHE_AGE"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`
	PollDeadline time.Duration `envconfig:"POLL_DEADLINE"`

	GrantRetries    uint64        `envconfig:"GRANT_RETRIES"`
	RetryBase       time.Duration `envconfig:"RETRY_BASE"`
	Concurrency     int           `envconfig:"CONCURRENCY"`
	PurchaseTimeout time.Duration `envconfig:"PURCHASE_TIMEOUT"`

	LogLevel   string `envconfig:"LOG_LEVEL"`
	LogBackend string `envconfig:"LOG_BACKEND"`

	// Products replaces the default catalog. JSON only.
	Products []models.Product `ignored:"true"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.OnlineCheckInterval = 3 * time.Second
	c.DatabasePath = "creditkeeper.db"
	c.RemoteTimeout = session.DefaultRemoteTimeout
	c.CacheTimeout = session.DefaultCacheTimeout
	c.ResolveTimeout = 10 * time.Second
	c.MaxCacheAge = session.DefaultMaxCacheAge
	c.PollInterval = session.DefaultPollInterval
	c.PollDeadline = session.DefaultPollDeadline
	c.GrantRetries = 3
	c.RetryBase = 200 * time.Millisecond
	c.Concurrency = 4
	c.PurchaseTimeout = 2 * time.Minute
	c.LogLevel = "info"
	c.LogBackend = logging.BackendZerolog
	c.Products = nil
}

// LoadConfig applies defaults, then the JSON file named by -c/-config,
// then CREDITKEEPER_* environment variables, then flags. Later sources
// take precedence. args excludes the program name.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{
		RemoteTimeout: c.RemoteTimeout,
		CacheTimeout:  c.CacheTimeout,
		MaxCacheAge:   c.MaxCacheAge,
		PollInterval:  c.PollInterval,
		PollDeadline:  c.PollDeadline,
	}
}

func (c *Config) PurchaseOptions() purchase.Options {
	return purchase.Options{
		Concurrency:     c.Concurrency,
		GrantRetries:    c.GrantRetries,
		RetryBase:       c.RetryBase,
		PurchaseTimeout: c.PurchaseTimeout,
	}
}

// Catalog returns the configured products, or the default catalog.
func (c *Config) Catalog() *purchase.Catalog {
	if len(c.Products) == 0 {
		return purchase.DefaultCatalog()
	}
	return purchase.NewCatalog(c.Products...)
}
