package lease

import "time"

// ResourceID identifies the record being protected, e.g. a competitor.
type ResourceID string

// OwnerID identifies the actor holding or requesting a lease, e.g. an
// evaluator.
type OwnerID int64

// Lease is a time-boxed ownership claim over a resource.
type Lease struct {
	Owner      OwnerID
	AcquiredAt time.Time
}

// New returns a lease for owner taken at the given instant. Timestamps are
// kept at millisecond precision, the resolution of the persisted table.
func New(owner OwnerID, at time.Time) Lease {
	return Lease{Owner: owner, AcquiredAt: time.UnixMilli(at.UnixMilli())}
}

// Expired reports whether more than ttl has elapsed since the lease was
// taken.
func (l Lease) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) > ttl
}

// Table maps every leased resource to its lease. It is read and written as a
// whole.
type Table map[ResourceID]Lease

// Clone returns a copy of t.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for id, l := range t {
		out[id] = l
	}
	return out
}

// Evict removes every lease expired at now and returns how many were
// removed.
func (t Table) Evict(now time.Time, ttl time.Duration) int {
	n := 0
	for id, l := range t {
		if l.Expired(now, ttl) {
			delete(t, id)
			n++
		}
	}
	return n
}
