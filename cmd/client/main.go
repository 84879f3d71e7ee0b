package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/creditkeeper/internal/buildinfo"
	"github.com/dmitrijs2005/creditkeeper/internal/client/app"
	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/cli"
	"github.com/dmitrijs2005/creditkeeper/internal/client/config"
	"github.com/dmitrijs2005/creditkeeper/internal/client/purchase"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"golang.org/x/sync/errgroup"
)

func main() {
	buildinfo.PrintBuildData(os.Stdout)

	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(cfg.LogBackend, cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	store, err := cache.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	rc, err := remote.Dial(cfg.ServerEndpointAddr, store, logger, remote.WithCallTimeout(cfg.RemoteTimeout))
	if err != nil {
		return err
	}
	defer rc.Close()

	sandbox := purchase.NewSandbox(store, logger)
	svc := app.New(store, rc, sandbox, logger, app.Options{
		Session:       cfg.SessionOptions(),
		Purchase:      cfg.PurchaseOptions(),
		LedgerTimeout: cfg.RemoteTimeout,
		Catalog:       cfg.Catalog(),
	})
	defer svc.Close()

	ui := cli.NewApp(svc, logger, os.Stdin, os.Stdout, cfg.OnlineCheckInterval, cfg.ResolveTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer stop()
		defer sandbox.Close()
		ui.Run(gctx)
		return nil
	})
	return g.Wait()
}
