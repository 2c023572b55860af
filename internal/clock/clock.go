// Package clock abstracts time so schedulers can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by schedulers. Production
// code uses Real(); tests use Fake() and advance time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a Timer that fires once after d. If d <= 0 the
	// timer fires immediately.
	NewTimer(d time.Duration) *Timer

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a one-shot event. Read the fire time from C.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. It returns false if the timer
// already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers ticks on C. C has capacity 1; ticks are dropped if the
// reader falls behind, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stopFunc: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}
