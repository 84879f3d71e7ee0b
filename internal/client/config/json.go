package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/flagx"
	"github.com/dmitrijs2005/creditkeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations
// use timex.Duration so they can be written as "3s" or as nanoseconds.
type JsonConfig struct {
	ServerEndpointAddr  string          `json:"server_endpoint_addr"`
	OnlineCheckInterval timex.Duration  `json:"online_check_interval"`
	DatabasePath        string          `json:"database_path"`
	RemoteTimeout       timex.Duration  `json:"remote_timeout"`
	CacheTimeout        timex.Duration  `json:"cache_timeout"`
	ResolveTimeout      timex.Duration  `json:"resolve_timeout"`
	MaxCacheAge         *timex.Duration `json:"max_cache_age"`
	PollInterval        timex.Duration  `json:"poll_interval"`
	PollDeadline        timex.Duration  `json:"poll_deadline"`
	GrantRetries        uint64          `json:"grant_retries"`
	RetryBase           timex.Duration  `json:"retry_base"`
	Concurrency         int             `json:"concurrency"`
	PurchaseTimeout     timex.Duration  `json:"purchase_timeout"`
	LogLevel            string          `json:"log_level"`
	LogBackend          string          `json:"log_backend"`
	Products            []JsonProduct   `json:"products"`
}

type JsonProduct struct {
	ID      string             `json:"id"`
	Kind    models.ProductKind `json:"kind"`
	Credits int64              `json:"credits"`
	PlanID  string             `json:"plan_id"`
	Period  timex.Duration     `json:"period"`
}

// parseJson overlays Config with the fields present in the JSON file
// named by -c or -config. Without either flag nothing changes.
func parseJson(cfg *Config, args []string) error {
	path := flagx.ConfigFilePath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	setDuration(&cfg.RemoteTimeout, jc.RemoteTimeout)
	setDuration(&cfg.CacheTimeout, jc.CacheTimeout)
	setDuration(&cfg.ResolveTimeout, jc.ResolveTimeout)
	if jc.MaxCacheAge != nil {
		// zero is meaningful here
		cfg.MaxCacheAge = jc.MaxCacheAge.Duration
	}
	setDuration(&cfg.PollInterval, jc.PollInterval)
	setDuration(&cfg.PollDeadline, jc.PollDeadline)
	if jc.GrantRetries > 0 {
		cfg.GrantRetries = jc.GrantRetries
	}
	setDuration(&cfg.RetryBase, jc.RetryBase)
	if jc.Concurrency > 0 {
		cfg.Concurrency = jc.Concurrency
	}
	setDuration(&cfg.PurchaseTimeout, jc.PurchaseTimeout)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogBackend, jc.LogBackend)

	for _, p := range jc.Products {
		cfg.Products = append(cfg.Products, models.Product{
			ID:      p.ID,
			Kind:    p.Kind,
			Credits: p.Credits,
			PlanID:  p.PlanID,
			Period:  p.Period.Duration,
		})
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
