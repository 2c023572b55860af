// Package sampler produces periodic metrics snapshots of the local host.
package sampler

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lightguide/internal/clock"
	"lightguide/internal/protocol"
	"lightguide/internal/sysinfo"
)

// ErrInvalidPeriod is returned for a non-positive sampling period.
var ErrInvalidPeriod = errors.New("sampling period must be positive")

// Sampler reads a sysinfo.Source and emits snapshots on a fixed-rate
// schedule that can be reconfigured while running.
type Sampler struct {
	src   sysinfo.Source
	clock clock.Clock
	log   zerolog.Logger
	ticks atomic.Uint64

	// mu guards the previous network counters.
	mu       sync.Mutex
	prevRecv uint64
	prevSent uint64
	havePrev bool

	// schedMu guards period and paused.
	schedMu sync.Mutex
	period  time.Duration
	paused  bool
	wake    chan struct{}
}

// New returns a Sampler with the given initial period.
func New(src sysinfo.Source, clk clock.Clock, period time.Duration, log zerolog.Logger) (*Sampler, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return &Sampler{
		src:    src,
		clock:  clk,
		log:    log.With().Str("component", "sampler").Logger(),
		period: period,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Sample reads the source once and returns a snapshot. Instrumentation
// failures degrade to zero values.
func (s *Sampler) Sample() protocol.MetricsSnapshot {
	snap := protocol.MetricsSnapshot{
		Timestamp: uint64(s.clock.Now().Unix()),
	}

	if percents, err := s.src.CPUPercents(); err != nil {
		s.log.Debug().Err(err).Msg("CPU counters unavailable")
	} else {
		snap.CPUUsage = meanPercent(percents)
	}

	if total, used, err := s.src.Memory(); err != nil {
		s.log.Debug().Err(err).Msg("Memory counters unavailable")
	} else {
		snap.MemoryUsage = memoryPercent(total, used)
	}

	if usage, err := s.src.DiskUsage(); err != nil {
		s.log.Debug().Err(err).Msg("Disk usage unavailable")
	} else {
		snap.DiskUsage = clampPercent(usage)
	}

	if recv, sent, err := s.src.NetCounters(); err != nil {
		s.log.Debug().Err(err).Msg("Network counters unavailable")
	} else {
		snap.NetworkIn, snap.NetworkOut = s.netDelta(recv, sent)
	}

	return snap
}

// HostInfo returns current host metadata.
func (s *Sampler) HostInfo() protocol.HostInfo {
	info, err := s.src.Host()
	if err != nil {
		s.log.Warn().Err(err).Msg("Host info partially unavailable")
	}
	return info
}

// Run emits a snapshot every period until ctx is done. Ticks are scheduled
// at fixed offsets from the schedule start: a slow emit makes the next tick
// fire immediately instead of being skipped. A reconfiguration restarts the
// schedule from the current time.
func (s *Sampler) Run(ctx context.Context, emit func(protocol.MetricsSnapshot)) error {
	for {
		period, paused := s.schedule()
		if paused {
			s.log.Info().Msg("Sampling paused")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		s.log.Info().Dur("period", period).Msg("Sampling started")
		next := s.clock.Now().Add(period)

	ticking:
		for {
			timer := s.clock.NewTimer(next.Sub(s.clock.Now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.wake:
				timer.Stop()
				break ticking
			case <-timer.C:
			}

			snap := s.Sample()
			s.ticks.Add(1)
			s.log.Debug().
				Float64("cpu", snap.CPUUsage).
				Float64("memory", snap.MemoryUsage).
				Float64("disk", snap.DiskUsage).
				Uint64("net_in", snap.NetworkIn).
				Uint64("net_out", snap.NetworkOut).
				Msg("Metrics sampled")
			emit(snap)

			next = next.Add(period)
		}
	}
}

// Ticks returns the number of snapshots emitted by Run.
func (s *Sampler) Ticks() uint64 { return s.ticks.Load() }

// SetPeriod changes the sampling period.
func (s *Sampler) SetPeriod(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidPeriod
	}
	s.schedMu.Lock()
	changed := s.period != d
	s.period = d
	s.schedMu.Unlock()

	if changed {
		s.notify()
	}
	return nil
}

// Pause stops sampling until Resume is called.
func (s *Sampler) Pause() { s.setPaused(true) }

// Resume restarts a paused sampler.
func (s *Sampler) Resume() { s.setPaused(false) }

// Period returns the configured period.
func (s *Sampler) Period() time.Duration {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.period
}

// Paused reports whether sampling is paused.
func (s *Sampler) Paused() bool {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.paused
}

func (s *Sampler) setPaused(paused bool) {
	s.schedMu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.schedMu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Sampler) schedule() (time.Duration, bool) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.period, s.paused
}

func (s *Sampler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sampler) netDelta(recv, sent uint64) (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var in, out uint64
	if s.havePrev {
		in = counterDelta(s.prevRecv, recv)
		out = counterDelta(s.prevSent, sent)
	}
	s.prevRecv, s.prevSent, s.havePrev = recv, sent, true
	return in, out
}

// counterDelta treats a decreasing counter as a reset.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func meanPercent(percents []float64) float64 {
	if len(percents) == 0 {
		return 0
	}
	var sum float64
	for _, p := range percents {
		sum += p
	}
	return clampPercent(sum / float64(len(percents)))
}

func memoryPercent(total, used uint64) float64 {
	if total == 0 {
		return 0
	}
	return clampPercent(float64(used) / float64(total) * 100)
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
