// Package bus implements a bounded broadcast channel with many senders and
// many independent receivers. Senders never block: a receiver that falls
// more than the bus capacity behind loses its oldest unread messages and is
// told how many it missed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Recv once the bus is closed and the
	// receiver has drained everything still retained.
	ErrClosed = errors.New("bus closed")

	// ErrEmpty is returned by TryRecv when no message is ready.
	ErrEmpty = errors.New("no message ready")
)

// LaggedError reports that a receiver fell behind and Missed messages were
// overwritten before it read them. The receiver has already been moved to
// the oldest retained message, so the next Recv succeeds.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged behind by %d messages", e.Missed)
}

// Bus is a broadcast channel. The zero value is not usable; call New.
type Bus[T any] struct {
	mu        sync.Mutex
	ring      []T
	tail      uint64 // sequence number of the next message sent
	receivers int
	closed    bool

	// wait is closed and replaced on every send and on Close.
	wait chan struct{}
}

// New returns a bus retaining up to capacity unread messages per receiver.
// It panics if capacity is not positive.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		panic("bus: capacity must be positive")
	}
	return &Bus[T]{
		ring: make([]T, capacity),
		wait: make(chan struct{}),
	}
}

// Send broadcasts v to every current receiver and returns how many there
// were. With no receivers the message is discarded and nothing is
// retained. Sending on a closed bus is a no-op returning 0.
func (b *Bus[T]) Send(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.receivers == 0 {
		return 0
	}

	idx := b.tail % uint64(len(b.ring))
	b.ring[idx] = v
	b.tail++

	close(b.wait)
	b.wait = make(chan struct{})
	return b.receivers
}

// Subscribe returns a receiver that observes messages sent from now on.
func (b *Bus[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.receivers++
	return &Receiver[T]{bus: b, next: b.tail}
}

// Receivers returns the number of open receivers.
func (b *Bus[T]) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivers
}

// Len returns the number of messages currently retained in the ring.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tail < uint64(len(b.ring)) {
		return int(b.tail)
	}
	return len(b.ring)
}

// Cap returns the ring capacity.
func (b *Bus[T]) Cap() int { return len(b.ring) }

// Close wakes every receiver. Receivers drain what is retained and then
// get ErrClosed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.wait)
}

// Receiver is one subscriber's cursor into the bus. A Receiver must not be
// used from more than one goroutine at a time.
type Receiver[T any] struct {
	bus    *Bus[T]
	next   uint64
	closed bool
}

// TryRecv returns the next message without waiting. It returns ErrEmpty if
// nothing is ready, *LaggedError if messages were lost, and ErrClosed once
// the bus is closed and drained.
func (r *Receiver[T]) TryRecv() (T, error) {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	v, _, err := r.tryRecvLocked()
	return v, err
}

func (r *Receiver[T]) tryRecvLocked() (T, chan struct{}, error) {
	var zero T
	b := r.bus

	if r.closed {
		return zero, nil, ErrClosed
	}

	if r.next == b.tail {
		if b.closed {
			return zero, nil, ErrClosed
		}
		return zero, b.wait, ErrEmpty
	}

	capacity := uint64(len(b.ring))
	if b.tail-r.next > capacity {
		oldest := b.tail - capacity
		missed := oldest - r.next
		r.next = oldest
		return zero, nil, &LaggedError{Missed: missed}
	}

	v := b.ring[r.next%capacity]
	r.next++
	return v, nil, nil
}

// Recv waits for the next message. It returns ctx.Err() if the context is
// done first.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	b := r.bus
	for {
		b.mu.Lock()
		v, wait, err := r.tryRecvLocked()
		b.mu.Unlock()

		if !errors.Is(err, ErrEmpty) {
			return v, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Ready returns a channel that is closed once TryRecv would return
// something other than ErrEmpty.
func (r *Receiver[T]) Ready() <-chan struct{} {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed || r.next != b.tail || b.closed {
		return closedChan
	}
	return b.wait
}

// Close unsubscribes the receiver. It is safe to call more than once.
func (r *Receiver[T]) Close() {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	b.receivers--
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
