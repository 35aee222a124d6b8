package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lease/v1/lock")

// ErrInvalidTTL is returned by New when the configured TTL is not positive.
var ErrInvalidTTL = errors.New("lock: ttl must be positive")

// Coordinator runs the lease protocol on top of a lease.Store.
//
// Methods are safe for concurrent use but do not serialize against each
// other: two calls may read the same table and the later write wins, exactly
// as two separate processes sharing the medium would.
type Coordinator struct {
	store        *lease.Store
	ttl          time.Duration
	now          func() time.Time
	policy       ReleasePolicy
	optimistic   bool
	retries      int
	bus          watchbus.WatchBus
	traceEnabled bool
}

// New returns a Coordinator persisting leases through store.
func New(store *lease.Store, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if c.optimistic && !store.Versioned() {
		slog.Warn("lease: medium has no versioned writes, optimistic mode disabled", "key", store.Key())
		c.optimistic = false
	}
	return c, nil
}

// TTL returns the configured lease lifetime.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// Policy returns the configured release policy.
func (c *Coordinator) Policy() ReleasePolicy { return c.policy }

// mutation inspects and edits t in place. It reports whether t changed and
// which events describe the change.
type mutation func(t lease.Table, now time.Time) (bool, []Event)

// update runs fn on the current table and persists the result when it
// changed. In optimistic mode a version conflict runs fn again on a fresh
// table; update returns false once retries are exhausted.
func (c *Coordinator) update(ctx context.Context, fn mutation) bool {
	if !c.optimistic {
		t := c.store.Load(ctx)
		changed, events := fn(t, c.now())
		if changed {
			c.store.Save(ctx, t)
			c.publish(ctx, events)
		}
		return true
	}

	for attempt := 0; attempt <= c.retries; attempt++ {
		snap := c.store.LoadSnapshot(ctx)
		changed, events := fn(snap.Table, c.now())
		if !changed {
			return true
		}
		err := c.store.SaveSnapshot(ctx, snap)
		if err == nil {
			c.publish(ctx, events)
			return true
		}
		if !errors.Is(err, leaseerrors.ErrVersionConflict) {
			return true
		}
	}
	slog.Warn("lease: table kept changing underneath, giving up", "key", c.store.Key(), "retries", c.retries)
	return false
}

func (c *Coordinator) span(ctx context.Context, name string, id lease.ResourceID) (context.Context, func(...attribute.KeyValue)) {
	if !c.traceEnabled {
		return ctx, func(...attribute.KeyValue) {}
	}
	var span trace.Span
	var attrs []attribute.KeyValue
	if id != "" {
		attrs = append(attrs, attribute.String("lease.resource", string(id)))
	}
	ctx, span = tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(attrs ...attribute.KeyValue) {
		span.SetAttributes(attrs...)
		span.End()
	}
}

// Acquire tries to take id for owner. It succeeds when id is free, when the
// current lease has expired, or when owner already holds it, in which case
// the lease is refreshed. It never waits.
func (c *Coordinator) Acquire(ctx context.Context, id lease.ResourceID, owner lease.OwnerID) bool {
	ctx, end := c.span(ctx, "Coordinator.Acquire", id)
	var granted bool
	var outcome string
	defer func() { end(attribute.Bool("lease.granted", granted), attribute.String("lease.outcome", outcome)) }()

	committed := c.update(ctx, func(t lease.Table, now time.Time) (bool, []Event) {
		cur, held := t[id]
		switch {
		case !held:
			t[id] = lease.New(owner, now)
			granted, outcome = true, "granted"
			return true, []Event{{Type: EventAcquired, Resource: id, Owner: owner, At: now}}
		case cur.Expired(now, c.ttl):
			t[id] = lease.New(owner, now)
			granted, outcome = true, "reclaimed"
			return true, []Event{{Type: EventReclaimed, Resource: id, Owner: owner, Previous: cur.Owner, At: now}}
		case cur.Owner != owner:
			granted, outcome = false, "denied"
			return false, nil
		default:
			t[id] = lease.New(owner, now)
			granted, outcome = true, "refreshed"
			return true, []Event{{Type: EventRefreshed, Resource: id, Owner: owner, At: now}}
		}
	})
	if !committed {
		granted, outcome = false, "conflict"
	}
	metrics.AcquireCounter.WithLabelValues(outcome).Inc()
	if outcome == "reclaimed" {
		metrics.EvictionCounter.WithLabelValues("acquire").Inc()
	}
	return granted
}

// Release removes the lease on id whoever holds it and reports whether a
// lease was removed. It is a no-op when id is not leased. Under PolicyStrict
// it is refused and returns false; use ReleaseOwned.
func (c *Coordinator) Release(ctx context.Context, id lease.ResourceID) bool {
	if c.policy == PolicyStrict {
		slog.Warn("lease: release without owner refused by strict policy", "resource", id)
		return false
	}
	ctx, end := c.span(ctx, "Coordinator.Release", id)
	var released bool
	defer func() { end(attribute.Bool("lease.released", released)) }()
	released = c.remove(ctx, id, func(lease.Lease) bool { return true })
	return released
}

// ReleaseOwned removes the lease on id on behalf of owner and reports
// whether a lease was removed. Under PolicyPermissive it behaves like
// Release. Under PolicyStrict only the live holder may remove the lease; an
// expired lease is evicted instead and false is returned.
func (c *Coordinator) ReleaseOwned(ctx context.Context, id lease.ResourceID, owner lease.OwnerID) bool {
	ctx, end := c.span(ctx, "Coordinator.ReleaseOwned", id)
	var released bool
	defer func() { end(attribute.Bool("lease.released", released)) }()

	if c.policy != PolicyStrict {
		released = c.remove(ctx, id, func(lease.Lease) bool { return true })
		return released
	}
	now := c.now()
	released = c.remove(ctx, id, func(l lease.Lease) bool {
		return l.Owner == owner && !l.Expired(now, c.ttl)
	})
	return released
}

// remove deletes the lease on id when allow accepts it. Expired leases that
// allow rejects are evicted anyway.
func (c *Coordinator) remove(ctx context.Context, id lease.ResourceID, allow func(lease.Lease) bool) bool {
	var released, evicted bool
	committed := c.update(ctx, func(t lease.Table, now time.Time) (bool, []Event) {
		released, evicted = false, false
		cur, held := t[id]
		if !held {
			return false, nil
		}
		if allow(cur) {
			delete(t, id)
			released = true
			return true, []Event{{Type: EventReleased, Resource: id, Owner: cur.Owner, At: now}}
		}
		if cur.Expired(now, c.ttl) {
			delete(t, id)
			evicted = true
			return true, []Event{{Type: EventExpired, Resource: id, Owner: cur.Owner, At: now}}
		}
		slog.Warn("lease: release by non-holder refused by strict policy", "resource", id, "holder", cur.Owner)
		return false, nil
	})
	if !committed {
		return false
	}
	if released {
		metrics.ReleaseCounter.Inc()
	}
	if evicted {
		metrics.EvictionCounter.WithLabelValues("release").Inc()
	}
	return released
}

// IsBlockedForOthers reports whether id is held by a live lease of someone
// other than owner. An expired lease found on the way is evicted.
func (c *Coordinator) IsBlockedForOthers(ctx context.Context, id lease.ResourceID, owner lease.OwnerID) bool {
	ctx, end := c.span(ctx, "Coordinator.IsBlockedForOthers", id)
	var blocked, evicted bool
	defer func() { end(attribute.Bool("lease.blocked", blocked)) }()

	committed := c.update(ctx, func(t lease.Table, now time.Time) (bool, []Event) {
		blocked, evicted = false, false
		cur, held := t[id]
		if !held {
			return false, nil
		}
		if cur.Expired(now, c.ttl) {
			delete(t, id)
			evicted = true
			return true, []Event{{Type: EventExpired, Resource: id, Owner: cur.Owner, At: now}}
		}
		blocked = cur.Owner != owner
		return false, nil
	})
	if committed && evicted {
		metrics.EvictionCounter.WithLabelValues("check").Inc()
	}
	return blocked
}

// Sweep evicts every expired lease and returns how many were removed.
func (c *Coordinator) Sweep(ctx context.Context) int {
	ctx, end := c.span(ctx, "Coordinator.Sweep", "")
	var evicted, remaining int
	defer func() { end(attribute.Int("lease.evicted", evicted)) }()

	committed := c.update(ctx, func(t lease.Table, now time.Time) (bool, []Event) {
		var events []Event
		for id, l := range t {
			if l.Expired(now, c.ttl) {
				delete(t, id)
				events = append(events, Event{Type: EventExpired, Resource: id, Owner: l.Owner, At: now})
			}
		}
		evicted, remaining = len(events), len(t)
		return evicted > 0, events
	})
	if !committed {
		evicted = 0
		return 0
	}
	metrics.EvictionCounter.WithLabelValues("sweep").Add(float64(evicted))
	metrics.HeldGauge.Set(float64(remaining))
	return evicted
}

// Holder returns the live lease on id, if any. Expired leases are reported
// as absent without being evicted.
func (c *Coordinator) Holder(ctx context.Context, id lease.ResourceID) (lease.Lease, bool) {
	l, ok := c.store.Load(ctx)[id]
	if !ok || l.Expired(c.now(), c.ttl) {
		return lease.Lease{}, false
	}
	return l, true
}

// Leases returns a copy of every live lease. Nothing is evicted.
func (c *Coordinator) Leases(ctx context.Context) lease.Table {
	now := c.now()
	t := c.store.Load(ctx)
	for id, l := range t {
		if l.Expired(now, c.ttl) {
			delete(t, id)
		}
	}
	return t
}
