package sampler

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightguide/internal/bus"
	"lightguide/internal/clock"
	"lightguide/internal/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	cpu      []float64
	total    uint64
	used     uint64
	disk     float64
	recv     uint64
	sent     uint64
	host     protocol.HostInfo
	failures bool
}

var errUnavailable = errors.New("counter unavailable")

func (f *fakeSource) CPUPercents() ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures {
		return nil, errUnavailable
	}
	return f.cpu, nil
}

func (f *fakeSource) Memory() (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures {
		return 0, 0, errUnavailable
	}
	return f.total, f.used, nil
}

func (f *fakeSource) DiskUsage() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures {
		return 0, errUnavailable
	}
	return f.disk, nil
}

func (f *fakeSource) NetCounters() (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures {
		return 0, 0, errUnavailable
	}
	return f.recv, f.sent, nil
}

func (f *fakeSource) Host() (protocol.HostInfo, error) {
	return f.host, nil
}

func (f *fakeSource) setNet(recv, sent uint64) {
	f.mu.Lock()
	f.recv, f.sent = recv, sent
	f.mu.Unlock()
}

func newTestSampler(t *testing.T, src *fakeSource, clk clock.Clock, period time.Duration) *Sampler {
	t.Helper()
	s, err := New(src, clk, period, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNew_RejectsZeroPeriod(t *testing.T) {
	_, err := New(&fakeSource{}, clock.Real(), 0, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestSample_CPUIsMeanAcrossCores(t *testing.T) {
	src := &fakeSource{cpu: []float64{10, 20, 30, 40}}
	s := newTestSampler(t, src, clock.Fake(epoch), time.Second)

	snap := s.Sample()
	assert.InDelta(t, 25.0, snap.CPUUsage, 1e-9)
	assert.Equal(t, uint64(epoch.Unix()), snap.Timestamp)
}

func TestSample_NoCoresReportsZero(t *testing.T) {
	s := newTestSampler(t, &fakeSource{}, clock.Fake(epoch), time.Second)
	assert.Equal(t, 0.0, s.Sample().CPUUsage)
}

func TestSample_MemoryPercent(t *testing.T) {
	src := &fakeSource{total: 8 << 30, used: 2 << 30}
	s := newTestSampler(t, src, clock.Fake(epoch), time.Second)
	assert.InDelta(t, 25.0, s.Sample().MemoryUsage, 1e-9)
}

func TestSample_ZeroTotalMemoryIsZero(t *testing.T) {
	for _, used := range []uint64{0, 1, math.MaxUint64} {
		src := &fakeSource{total: 0, used: used}
		s := newTestSampler(t, src, clock.Fake(epoch), time.Second)

		usage := s.Sample().MemoryUsage
		assert.False(t, math.IsNaN(usage))
		assert.Equal(t, 0.0, usage, "used=%d", used)
	}
}

func TestSample_NetworkIsDeltaSinceLastSample(t *testing.T) {
	src := &fakeSource{}
	src.setNet(1000, 500)
	s := newTestSampler(t, src, clock.Fake(epoch), time.Second)

	first := s.Sample()
	assert.Equal(t, uint64(0), first.NetworkIn)
	assert.Equal(t, uint64(0), first.NetworkOut)

	src.setNet(1800, 650)
	second := s.Sample()
	assert.Equal(t, uint64(800), second.NetworkIn)
	assert.Equal(t, uint64(150), second.NetworkOut)

	// Counter reset.
	src.setNet(10, 10)
	third := s.Sample()
	assert.Equal(t, uint64(0), third.NetworkIn)
	assert.Equal(t, uint64(0), third.NetworkOut)
}

func TestSample_InstrumentationFailuresDegradeToZero(t *testing.T) {
	src := &fakeSource{failures: true}
	s := newTestSampler(t, src, clock.Fake(epoch), time.Second)

	snap := s.Sample()
	assert.Equal(t, protocol.MetricsSnapshot{Timestamp: uint64(epoch.Unix())}, snap)
}

func TestRun_FixedRateWithNoSubscribers(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestSampler(t, &fakeSource{cpu: []float64{50}}, clk, 5*time.Second)
	b := bus.New[protocol.AgentMessage](1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := 0
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(snap protocol.MetricsSnapshot) {
			n := b.Send(protocol.Metrics{Snapshot: snap})
			mu.Lock()
			delivered += n
			mu.Unlock()
		})
	}()

	clk.WaitForTimers(1)
	for i := 0; i < 12; i++ {
		clk.Advance(time.Second)
		clk.WaitForTimers(1)
	}

	assert.Equal(t, uint64(2), s.Ticks())
	mu.Lock()
	assert.Equal(t, 0, delivered)
	mu.Unlock()
	assert.Equal(t, 0, b.Len())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_OverdueTicksFireImmediately(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestSampler(t, &fakeSource{}, clk, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, func(protocol.MetricsSnapshot) {})

	// One jump across three periods; the next timer is armed only after
	// every overdue tick has been emitted.
	clk.WaitForTimers(1)
	clk.Advance(15 * time.Second)
	clk.WaitForTimers(1)
	assert.Equal(t, uint64(3), s.Ticks())
}

func TestRun_PauseAndResume(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestSampler(t, &fakeSource{}, clk, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan struct{}, 16)
	go s.Run(ctx, func(protocol.MetricsSnapshot) { ticks <- struct{}{} })

	clk.WaitForTimers(1)
	s.Pause()
	require.Eventually(t, func() bool { return clk.PendingCount() == 0 }, time.Second, time.Millisecond)

	clk.Advance(10 * time.Second)
	assert.Equal(t, uint64(0), s.Ticks())

	s.Resume()
	clk.WaitForTimers(1)
	clk.Advance(time.Second)

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no tick after resume")
	}
}

func TestSetPeriod_RejectsZero(t *testing.T) {
	s := newTestSampler(t, &fakeSource{}, clock.Fake(epoch), time.Second)
	assert.ErrorIs(t, s.SetPeriod(0), ErrInvalidPeriod)
	assert.Equal(t, time.Second, s.Period())
}

// lineWriter hands each log line to a channel.
type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func waitForLog(t *testing.T, lines lineWriter, substr string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, substr) {
				return
			}
		case <-deadline:
			t.Fatalf("no log line containing %q", substr)
		}
	}
}

func TestRun_SetPeriodReschedules(t *testing.T) {
	clk := clock.Fake(epoch)
	lines := make(lineWriter, 64)
	s, err := New(&fakeSource{}, clk, 10*time.Second, zerolog.New(lines).Level(zerolog.InfoLevel))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, func(protocol.MetricsSnapshot) {})

	waitForLog(t, lines, `"period":10000`)
	clk.WaitForTimers(1)
	require.NoError(t, s.SetPeriod(2*time.Second))

	// The 10s timer is stopped before the new schedule is logged.
	waitForLog(t, lines, `"period":2000`)
	clk.WaitForTimers(1)

	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return s.Ticks() == 1 }, time.Second, time.Millisecond)
}
