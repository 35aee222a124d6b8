package medium

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Medium with circuit breaker logic. After threshold
// consecutive failures every call fails fast with errors.ErrCircuitOpen
// until timeout has elapsed, then a single probe decides whether the circuit
// closes again.
type Breaker struct {
	inner     Medium
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewBreaker wraps inner. When inner implements Versioned the returned
// Medium does too.
func NewBreaker(inner Medium, threshold int, timeout time.Duration) Medium {
	if threshold <= 0 {
		threshold = 1
	}
	b := &Breaker{inner: inner, threshold: threshold, timeout: timeout}
	if v, ok := inner.(Versioned); ok {
		return &versionedBreaker{Breaker: b, v: v}
	}
	return b
}

// IsHealthy returns true if calls are currently let through.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return time.Since(b.lastFail) > b.timeout
	}
	return true
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFail) > b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	}
	// half open: a probe is already in flight
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// a lost race is the caller's business, not a storage failure
	if err == nil || stdErrors.Is(err, leaseerrors.ErrVersionConflict) {
		b.state = stateClosed
		b.failures = 0
		return
	}
	b.lastFail = time.Now()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
	}
}

// Get implements Medium.Get.
func (b *Breaker) Get(ctx context.Context, key string) (string, bool, error) {
	if !b.allow() {
		return "", false, leaseerrors.ErrCircuitOpen
	}
	v, ok, err := b.inner.Get(ctx, key)
	b.record(err)
	return v, ok, err
}

// Set implements Medium.Set.
func (b *Breaker) Set(ctx context.Context, key, value string) error {
	if !b.allow() {
		return leaseerrors.ErrCircuitOpen
	}
	err := b.inner.Set(ctx, key, value)
	b.record(err)
	return err
}

type versionedBreaker struct {
	*Breaker
	v Versioned
}

func (b *versionedBreaker) GetVersioned(ctx context.Context, key string) (string, uint64, bool, error) {
	if !b.allow() {
		return "", 0, false, leaseerrors.ErrCircuitOpen
	}
	v, version, ok, err := b.v.GetVersioned(ctx, key)
	b.record(err)
	return v, version, ok, err
}

func (b *versionedBreaker) SetIfVersion(ctx context.Context, key, value string, version uint64) error {
	if !b.allow() {
		return leaseerrors.ErrCircuitOpen
	}
	err := b.v.SetIfVersion(ctx, key, value, version)
	b.record(err)
	return err
}
