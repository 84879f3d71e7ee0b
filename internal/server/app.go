// Package server wires storage, services and the gRPC endpoint of the
// profile server and runs them until the context is cancelled.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/dmitrijs2005/creditkeeper/internal/server/config"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/creditkeeper/internal/server/services"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/creditkeeper/internal/server/grpc"
)

const (
	dbPingAttempts = 5
	dbPingBackoff  = 500 * time.Millisecond
)

// openDB is replaced in tests.
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("pgx", dsn) }

type tokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	users    *services.UserService
	profiles *services.ProfileService
	objects  *services.ArtifactService
}

// NewApp opens the database, applies migrations and builds the services.
func NewApp(ctx context.Context, c *config.Config, out io.Writer) (*App, error) {
	logger, err := logging.New(c.LogBackend, c.LogLevel, out)
	if err != nil {
		return nil, err
	}

	db, err := openDB(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := pingDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	objects := services.NewArtifactService(db, rm, c)
	return &App{
		config:   c,
		logger:   logger,
		db:       db,
		users:    services.NewUserService(db, rm, objects, c),
		profiles: services.NewProfileService(db, rm),
		objects:  objects,
	}, nil
}

func pingDB(ctx context.Context, db *sql.DB) error {
	b := retry.WithMaxRetries(dbPingAttempts-1, retry.NewExponential(dbPingBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Run serves gRPC and purges expired refresh tokens until ctx is done.
func (app *App) Run(ctx context.Context) error {
	defer app.db.Close()

	app.logger.Info(ctx, "Starting app...", "addr", app.config.EndpointAddrGRPC)

	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.users, app.profiles, app.objects, app.config.SecretKey)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		return runTokenCleanup(gctx, app.users, app.config.TokenCleanupInterval, app.logger)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runTokenCleanup purges expired refresh tokens every interval. A failed
// pass is logged and retried on the next tick.
func runTokenCleanup(ctx context.Context, c tokenCleaner, every time.Duration, l logging.Logger) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := c.CleanupExpiredTokens(ctx)
			if err != nil {
				l.Warn(ctx, "refresh token cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				l.Debug(ctx, "expired refresh tokens removed", "count", n)
			}
		}
	}
}
