package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/app"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

const pingTimeout = 3 * time.Second

type App struct {
	svc            *app.Service
	logger         logging.Logger
	reader         *bufio.Reader
	out            io.Writer
	checkInterval  time.Duration
	resolveTimeout time.Duration

	mu   sync.RWMutex
	mode Mode
}

func NewApp(svc *app.Service, l logging.Logger, in io.Reader, out io.Writer, checkInterval, resolveTimeout time.Duration) *App {
	if l == nil {
		l = logging.Nop()
	}
	return &App{
		svc:            svc,
		logger:         l.With("module", "cli"),
		reader:         bufio.NewReader(in),
		out:            out,
		checkInterval:  checkInterval,
		resolveTimeout: resolveTimeout,
	}
}

func (a *App) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	changed := a.mode != mode
	a.mode = mode
	a.mu.Unlock()
	if changed {
		a.logger.Info(context.Background(), "connectivity changed", "mode", string(mode))
	}
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// Run resolves the session, starts the connectivity watcher and serves
// the REPL until the user exits or ctx ends.
func (a *App) Run(ctx context.Context) {
	a.printf("Welcome to CreditKeeper (type 'help' for commands)\n")

	rctx, cancel := context.WithTimeout(ctx, a.resolveTimeout)
	if err := a.Status(rctx); err != nil {
		a.printf("Could not resolve session: %v\n", err)
	}
	cancel()

	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go a.StartOnlineStatusWatcher(wctx, a.checkInterval)

	runREPL(ctx, a, a.getStatus, a.reader)
}

func (a *App) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.checkOnline(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) checkOnline(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := a.svc.Ping(ctx); err != nil {
		a.setMode(ModeOffline)
		return
	}
	a.setMode(ModeOnline)
}

func (a *App) isSignedIn() bool {
	d := a.svc.Decision()
	return d.IsAuthenticated && !d.Identity.IsZero() && !d.Identity.IsGuest()
}

func (a *App) getStatus() string {
	d := a.svc.Decision()
	s := "signed out"
	switch {
	case d.IsAuthenticated && d.Identity.IsZero():
		s = "onboarded"
	case d.IsAuthenticated:
		s = d.Identity.String()
	case d.IsGuest:
		s = "guest"
	}
	if m := a.Mode(); m != "" {
		s = s + " " + string(m)
	}
	return fmt.Sprintf("(%s)", s)
}
