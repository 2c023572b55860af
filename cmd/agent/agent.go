// Package agent implements the lightguide agent CLI entry point.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"lightguide/internal/broker"
	"lightguide/internal/bus"
	"lightguide/internal/clock"
	"lightguide/internal/protocol"
	"lightguide/internal/sampler"
	"lightguide/internal/sysinfo"
	"lightguide/pkg/config"
	"lightguide/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Run starts the telemetry agent: sampler, broadcast bus and WebSocket
// broker.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Agent.LogLevel)

	interval, err := cfg.Agent.ParseInterval()
	if err != nil {
		return fmt.Errorf("parsing interval: %w", err)
	}
	heartbeat, err := cfg.Agent.ParseHeartbeatInterval()
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval: %w", err)
	}
	writeTimeout, err := cfg.Agent.ParseWriteTimeout()
	if err != nil {
		return fmt.Errorf("parsing write timeout: %w", err)
	}
	policy, err := sampler.ParsePolicy(cfg.Agent.IntervalPolicy)
	if err != nil {
		return err
	}

	src := sysinfo.NewHost()
	src.DiskPath = cfg.Agent.DiskPath

	clk := clock.Real()
	smp, err := sampler.New(src, clk, interval, log)
	if err != nil {
		return fmt.Errorf("creating sampler: %w", err)
	}
	if cfg.Agent.StartPaused {
		smp.Pause()
	}

	ctl := sampler.NewControl(smp, policy, interval, log)
	metrics := bus.New[protocol.AgentMessage](cfg.Agent.BusCapacity)
	brk := broker.New(metrics, ctl, log, broker.Options{
		WriteTimeout:   writeTimeout,
		ReadLimit:      cfg.Agent.ReadLimit,
		OriginPatterns: cfg.Agent.OriginPatterns,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /sessions", brk.SessionsHandler())
	mux.Handle("/", brk)

	ln, err := net.Listen("tcp", cfg.Agent.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Agent.Listen, err)
	}
	ln = netutil.LimitListener(ln, cfg.Agent.MaxConnections)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	log.Info().
		Str("listen", ln.Addr().String()).
		Dur("interval", interval).
		Str("policy", string(policy)).
		Int("bus_capacity", metrics.Cap()).
		Strs("origin_patterns", cfg.Agent.OriginPatterns).
		Int("max_connections", cfg.Agent.MaxConnections).
		Bool("paused", cfg.Agent.StartPaused).
		Msg("Starting agent")

	g.Go(func() error {
		return smp.Run(gctx, func(snap protocol.MetricsSnapshot) {
			metrics.Send(protocol.Metrics{Snapshot: snap})
		})
	})
	g.Go(func() error {
		return broker.RunHeartbeat(gctx, metrics, clk, heartbeat, log)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Int("active", brk.Active()).Msg("Shutting down")

		// Closing the bus ends every consumer session.
		metrics.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
