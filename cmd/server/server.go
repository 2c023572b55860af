// Package server implements the lightguide event server CLI entry point.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lightguide/internal/api"
	"lightguide/internal/clock"
	"lightguide/internal/fanout"
	"lightguide/internal/store"
	"lightguide/internal/stream"
	"lightguide/pkg/config"
	"lightguide/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Run starts the event server (store + fan-out registry + HTTP API).
func Run(configPath, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Server.LogLevel)

	keepAlive, err := cfg.Server.ParseKeepAlive()
	if err != nil {
		return fmt.Errorf("parsing keep_alive: %w", err)
	}
	idleTTL, err := cfg.Server.ParseIdleTTL()
	if err != nil {
		return fmt.Errorf("parsing idle_ttl: %w", err)
	}
	sweepInterval, err := cfg.Server.ParseSweepInterval()
	if err != nil {
		return fmt.Errorf("parsing sweep_interval: %w", err)
	}

	// Ensure database directory exists
	dbDir := filepath.Dir(cfg.Server.DBPath)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dbDir, err)
	}

	db, err := store.New(cfg.Server.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	clk := clock.Real()
	reg := fanout.New(cfg.Server.FanoutCapacity, idleTTL, clk, log)
	events := stream.New(reg, clk, keepAlive, stream.ClientKey, log)
	engine := api.New(db, reg, events, api.Options{
		Version:     version,
		UploadLimit: cfg.Server.UploadLimit(),
		Debug:       cfg.Server.LogLevel == "debug",
	}, log)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when the server context is cancelled.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	log.Info().
		Str("listen", ln.Addr().String()).
		Str("db_path", cfg.Server.DBPath).
		Int("fanout_capacity", cfg.Server.FanoutCapacity).
		Dur("keep_alive", keepAlive).
		Dur("idle_ttl", idleTTL).
		Msg("Starting event server")

	g.Go(func() error {
		return reg.Run(gctx, sweepInterval)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Int("channels", reg.Len()).Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
