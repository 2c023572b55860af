package sampler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lightguide/internal/protocol"
)

// Policy decides how monitoring requests from several consumers combine
// into one sampling schedule.
type Policy string

const (
	// PolicyLast applies whichever request arrived last. StopMonitoring
	// pauses sampling for every consumer.
	PolicyLast Policy = "last"

	// PolicyFastest tracks each consumer's request and samples at the
	// shortest outstanding period. StopMonitoring withdraws the caller's
	// request and pauses only when none remain.
	PolicyFastest Policy = "fastest"

	// PolicyFixed ignores consumer requests; the configured period wins.
	PolicyFixed Policy = "fixed"
)

// ParsePolicy validates a policy name. An empty name selects PolicyLast.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", PolicyLast:
		return PolicyLast, nil
	case PolicyFastest, PolicyFixed:
		return Policy(name), nil
	default:
		return "", fmt.Errorf("unknown interval policy %q (want last, fastest or fixed)", name)
	}
}

// Control translates consumer monitoring commands into sampler
// reconfiguration according to a Policy.
type Control struct {
	sampler       *Sampler
	policy        Policy
	defaultPeriod time.Duration
	log           zerolog.Logger

	// mu serialises commands and guards requests.
	mu       sync.Mutex
	requests map[string]time.Duration
}

// NewControl returns a Control over s. defaultPeriod is restored under
// PolicyFastest when the last requesting consumer disconnects.
func NewControl(s *Sampler, policy Policy, defaultPeriod time.Duration, log zerolog.Logger) *Control {
	return &Control{
		sampler:       s,
		policy:        policy,
		defaultPeriod: defaultPeriod,
		log:           log.With().Str("component", "control").Str("policy", string(policy)).Logger(),
		requests:      make(map[string]time.Duration),
	}
}

// Start handles StartMonitoring from the consumer identified by id.
func (c *Control) Start(id string, period time.Duration) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}
	if c.policy == PolicyFixed {
		c.log.Info().Str("conn", id).Dur("requested", period).Msg("Ignoring monitoring request")
		return nil
	}

	// c.mu is held across the sampler calls so that concurrent commands
	// reach the sampler in the order they updated c.requests.
	c.mu.Lock()
	defer c.mu.Unlock()

	effective := period
	if c.policy == PolicyFastest {
		c.requests[id] = period
		effective = c.fastestLocked()
	}
	if err := c.sampler.SetPeriod(effective); err != nil {
		return err
	}
	c.sampler.Resume()
	c.log.Info().Str("conn", id).Dur("requested", period).Dur("effective", effective).Msg("Monitoring requested")
	return nil
}

// Stop handles StopMonitoring from the consumer identified by id.
func (c *Control) Stop(id string) {
	if c.policy == PolicyFixed {
		c.log.Info().Str("conn", id).Msg("Ignoring stop request")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.policy == PolicyFastest {
		delete(c.requests, id)
		if len(c.requests) > 0 {
			effective := c.fastestLocked()
			_ = c.sampler.SetPeriod(effective)
			c.log.Info().Str("conn", id).Dur("effective", effective).Msg("Monitoring request withdrawn")
			return
		}
	}
	c.sampler.Pause()
	c.log.Info().Str("conn", id).Msg("Monitoring stopped")
}

// Release forgets the consumer's request when it disconnects. It never
// pauses sampling.
func (c *Control) Release(id string) {
	if c.policy != PolicyFastest {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, had := c.requests[id]; !had {
		return
	}
	delete(c.requests, id)
	effective := c.fastestLocked()
	_ = c.sampler.SetPeriod(effective)
	c.log.Debug().Str("conn", id).Dur("effective", effective).Msg("Monitoring request released")
}

// HostInfo answers RequestHostInfo.
func (c *Control) HostInfo() protocol.HostInfo {
	return c.sampler.HostInfo()
}

// fastestLocked returns the shortest outstanding request, or the default
// period when there is none. Must be called with c.mu held.
func (c *Control) fastestLocked() time.Duration {
	fastest := c.defaultPeriod
	first := true
	for _, d := range c.requests {
		if first || d < fastest {
			fastest = d
			first = false
		}
	}
	return fastest
}
