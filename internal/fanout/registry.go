// Package fanout maps opaque client keys to broadcast channels of
// operational events.
package fanout

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"lightguide/internal/bus"
	"lightguide/internal/clock"
	"lightguide/internal/protocol"
)

// DefaultCapacity is the per-key buffer size.
const DefaultCapacity = 100

type entry struct {
	bus *bus.Bus[protocol.OperationalEvent]
	// idleSince is set by Sweep when the entry is first seen without
	// receivers, and cleared once it has receivers again.
	idleSince time.Time
}

// Registry lazily creates one bus per key. Every subscriber under a key
// shares that key's bus.
type Registry struct {
	entries  *xsync.MapOf[string, *entry]
	capacity int
	idleTTL  time.Duration
	clock    clock.Clock
	log      zerolog.Logger
}

// New returns an empty Registry. An idleTTL of zero disables eviction.
func New(capacity int, idleTTL time.Duration, clk clock.Clock, log zerolog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		entries:  xsync.NewMapOf[string, *entry](),
		capacity: capacity,
		idleTTL:  idleTTL,
		clock:    clk,
		log:      log.With().Str("component", "fanout").Logger(),
	}
}

// Subscribe returns a receiver on key's bus, creating the bus if needed.
// Concurrent first subscribers for the same key end up on the same bus.
func (r *Registry) Subscribe(key string) *bus.Receiver[protocol.OperationalEvent] {
	var rx *bus.Receiver[protocol.OperationalEvent]
	r.entries.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			e = &entry{bus: bus.New[protocol.OperationalEvent](r.capacity)}
			r.log.Debug().Str("key", key).Msg("Channel created")
		}
		e.idleSince = time.Time{}
		rx = e.bus.Subscribe()
		return e, false
	})
	return rx
}

// Publish sends ev to every current subscriber of key and returns how
// many were reached. An unknown key or a key without subscribers drops
// the event.
func (r *Registry) Publish(key string, ev protocol.OperationalEvent) int {
	e, ok := r.entries.Load(key)
	if !ok {
		r.log.Debug().Str("key", key).Str("event", ev.EventName()).Msg("No channel for key, event dropped")
		return 0
	}
	n := e.bus.Send(ev)
	if n == 0 {
		r.log.Debug().Str("key", key).Str("event", ev.EventName()).Msg("No subscribers, event dropped")
	}
	return n
}

// Broadcast publishes ev under every key and returns the total number of
// receivers reached.
func (r *Registry) Broadcast(ev protocol.OperationalEvent) int {
	total := 0
	r.entries.Range(func(_ string, e *entry) bool {
		total += e.bus.Send(ev)
		return true
	})
	return total
}

// Len returns the number of keys with a channel.
func (r *Registry) Len() int { return r.entries.Size() }

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, r.entries.Size())
	r.entries.Range(func(key string, _ *entry) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Receivers returns the number of subscribers under key.
func (r *Registry) Receivers(key string) int {
	e, ok := r.entries.Load(key)
	if !ok {
		return 0
	}
	return e.bus.Receivers()
}

// Sweep removes channels that have had no receivers for at least the
// idle TTL and returns how many were removed. With a zero TTL it does
// nothing.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}

	now := r.clock.Now()
	var keys []string
	r.entries.Range(func(key string, _ *entry) bool {
		keys = append(keys, key)
		return true
	})

	removed := 0
	for _, key := range keys {
		r.entries.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return e, true
			}
			if e.bus.Receivers() > 0 {
				e.idleSince = time.Time{}
				return e, false
			}
			if e.idleSince.IsZero() {
				e.idleSince = now
				return e, false
			}
			if now.Sub(e.idleSince) < r.idleTTL {
				return e, false
			}
			e.bus.Close()
			removed++
			return e, true
		})
	}

	if removed > 0 {
		r.log.Info().Int("removed", removed).Int("remaining", r.entries.Size()).Msg("Idle channels evicted")
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if r.idleTTL <= 0 || interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}
