package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dmsync/internal/devserver"
	"dmsync/pkg/banner"
	"dmsync/pkg/config"
	"dmsync/pkg/logger"
)

// App encapsulates the sync server components and lifecycle.
type App struct {
	cfg    *config.Config
	addr   string
	dbPath string
	source string

	version   string
	commit    string
	buildDate string

	store *devserver.Store
	srv   *http.Server
}

// New opens the store and prepares the server. Call Run to serve and
// block until shutdown.
func New(cfg *config.Config, addr, dbPath, source, version, commit, buildDate string) (*App, error) {
	st, err := devserver.OpenStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}
	return &App{
		cfg:       cfg,
		addr:      addr,
		dbPath:    dbPath,
		source:    source,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     st,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is canceled or a fatal
// server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	srv := devserver.NewServer(a.store, a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst)
	a.srv = &http.Server{Addr: a.addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe()
	}()
	logger.Info("server_started", "addr", a.addr, "db", a.dbPath)

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		_ = a.store.Close()
		return err
	}
}

func (a *App) shutdown() error {
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shCtx); err != nil {
		logger.Warn("server_shutdown_error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store_close_error", "error", err)
		return err
	}
	logger.Info("server_stopped")
	return nil
}

func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.addr, a.dbPath, a.source, verStr)
}
