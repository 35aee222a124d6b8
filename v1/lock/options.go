package lock

import (
	"fmt"
	"strings"
	"time"

	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

// DefaultTTL is the lease lifetime used when WithTTL is not given.
const DefaultTTL = 5 * time.Minute

// ReleasePolicy controls who may remove a lease.
type ReleasePolicy int

const (
	// PolicyPermissive lets any caller remove any lease.
	PolicyPermissive ReleasePolicy = iota
	// PolicyStrict only lets the current holder remove its lease. Release,
	// which carries no owner, is refused.
	PolicyStrict
)

func (p ReleasePolicy) String() string {
	switch p {
	case PolicyPermissive:
		return "permissive"
	case PolicyStrict:
		return "strict"
	default:
		return fmt.Sprintf("ReleasePolicy(%d)", int(p))
	}
}

// ParseReleasePolicy converts "permissive" or "strict" to a ReleasePolicy.
func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "permissive":
		return PolicyPermissive, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return PolicyPermissive, fmt.Errorf("lock: unknown release policy %q", s)
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets how long a lease stays valid after it was acquired or
// refreshed.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		c.ttl = d
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithReleasePolicy sets the release policy. The default is
// PolicyPermissive.
func WithReleasePolicy(p ReleasePolicy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithOptimisticWrites makes every mutation a conditional write against the
// version the table was read at. On conflict the decision is taken again on
// fresh data, at most retries more times, after which the operation gives
// up: Acquire reports false. Media without versioning fall back to plain
// writes.
func WithOptimisticWrites(retries int) Option {
	return func(c *Coordinator) {
		if retries < 0 {
			retries = 0
		}
		c.optimistic = true
		c.retries = retries
	}
}

// WithBus publishes lease events on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithTracing enables OpenTelemetry spans for coordinator operations.
func WithTracing() Option {
	return func(c *Coordinator) {
		c.traceEnabled = true
	}
}
