package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/gridwarden"
)

const shutdownTimeout = 2 * time.Minute

func loadConfig(path string) (*gridwarden.Config, error) {
	if path == "" {
		return gridwarden.DefaultConfig(), nil
	}
	cfg, err := gridwarden.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func runServe(configPath string, flags ServeFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	log, closer, err := cfg.Log.New(os.Stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := gridwarden.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "err", err)
		} else {
			metricsHandler = gridwarden.MetricsHandler()
		}
	}

	mgr, err := gridwarden.New(cfg, gridwarden.Options{Logger: log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Shutdown(context.Background())
		return fmt.Errorf("start manager: %w", err)
	}
	if configPath != "" {
		if err := gridwarden.WatchConfig(configPath, mgr, func(err error) {
			log.Warn("config reload rejected", "path", configPath, "err", err)
		}); err != nil {
			log.Warn("config watch disabled", "err", err)
		}
	}

	srv, err := gridwarden.NewHTTPServer(cfg, mgr, metricsHandler, log)
	if err != nil {
		_ = mgr.Shutdown(context.Background())
		return fmt.Errorf("http server: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("gridwarden server started", "url", cfg.Server.URL(), "tls", srv.TLSConfig != nil, "auth", cfg.Server.Auth.Enabled)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.Error("http server failed", "err", serveErr)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(sctx)
	if err := mgr.Shutdown(sctx); err != nil {
		log.Warn("manager shutdown", "err", err)
	}
	_ = removePidFile(flags.PidFile)
	return serveErr
}
