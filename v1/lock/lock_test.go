package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/medium"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCoordinator(t *testing.T, m medium.Medium, clock *fakeClock, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c, err := New(lease.NewStore(m), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(t, medium.NewInMemory(), clock)

	if !c.Acquire(ctx, "c1", 1) {
		t.Fatal("first acquire must succeed")
	}
	if c.Acquire(ctx, "c1", 2) {
		t.Fatal("second owner must be denied")
	}
	if !c.IsBlockedForOthers(ctx, "c1", 2) {
		t.Fatal("expected c1 blocked for owner 2")
	}
	if c.IsBlockedForOthers(ctx, "c1", 1) {
		t.Fatal("holder is never blocked")
	}
	if !c.Acquire(ctx, "c2", 2) {
		t.Fatal("other resources stay free")
	}
}

func TestDenialDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := medium.NewInMemory()
	c := newCoordinator(t, m, clock)

	c.Acquire(ctx, "c1", 1)
	before, v1, _, _ := m.GetVersioned(ctx, lease.DefaultKey)
	clock.Advance(time.Minute)
	if c.Acquire(ctx, "c1", 2) {
		t.Fatal("expected denial")
	}
	after, v2, _, _ := m.GetVersioned(ctx, lease.DefaultKey)
	if before != after || v1 != v2 {
		t.Fatal("denied acquire must not write")
	}
}

func TestReleaseUnblocks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(t, medium.NewInMemory(), clock)

	c.Acquire(ctx, "c1", 1)
	if !c.Release(ctx, "c1") {
		t.Fatal("expected the lease released")
	}
	if c.IsBlockedForOthers(ctx, "c1", 2) {
		t.Fatal("released resource must not block")
	}
	if !c.Acquire(ctx, "c1", 2) {
		t.Fatal("released resource must be acquirable")
	}
}

func TestReleaseIgnoresOwnerWhenPermissive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(t, medium.NewInMemory(), clock)

	c.Acquire(ctx, "c1", 1)
	if !c.ReleaseOwned(ctx, "c1", 2) {
		t.Fatal("permissive policy lets anyone release")
	}
	if _, ok := c.Holder(ctx, "c1"); ok {
		t.Fatal("expected lease removed")
	}
}

func TestReleaseAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := medium.NewInMemory()
	c := newCoordinator(t, m, clock)

	if c.Release(ctx, "nope") {
		t.Fatal("nothing to release")
	}
	if m.Len() != 0 {
		t.Fatal("releasing an absent lease must not write")
	}

	c.Acquire(ctx, "c1", 1)
	_, v1, _, _ := m.GetVersioned(ctx, lease.DefaultKey)
	c.Release(ctx, "nope")
	_, v2, _, _ := m.GetVersioned(ctx, lease.DefaultKey)
	if v1 != v2 {
		t.Fatal("releasing an absent lease must not write")
	}
	if _, ok := c.Holder(ctx, "c1"); !ok {
		t.Fatal("other leases are untouched")
	}
}

func TestIdempotentRefresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(t, medium.NewInMemory(), clock)

	c.Acquire(ctx, "c1", 1)
	first, _ := c.Holder(ctx, "c1")
	clock.Advance(4 * time.Minute)
	if !c.Acquire(ctx, "c1", 1) {
		t.Fatal("holder must be able to re-acquire")
	}
	second, _ := c.Holder(ctx, "c1")
	if !second.AcquiredAt.After(first.AcquiredAt) {
		t.Fatal("re-acquire must refresh the timestamp")
	}

	// the refresh moved the expiry window
	clock.Advance(4 * time.Minute)
	if c.Acquire(ctx, "c1", 2) {
		t.Fatal("refreshed lease must still block others")
	}
}

func TestExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(t, medium.NewInMemory(), clock)

	c.Acquire(ctx, "c1", 1)
	clock.Advance(DefaultTTL)
	if c.Acquire(ctx, "c1", 2) {
		t.Fatal("lease at exactly ttl is still live")
	}
	clock.Advance(time.Millisecond)
	if !c.Acquire(ctx, "c1", 2) {
		t.Fatal("expired lease must be reclaimable")
	}
	l, ok := c.Holder(ctx, "c1")
	if !ok || l.Owner != 2 || !l.AcquiredAt.Equal(clock.Now()) {
		t.Fatalf("expected lease for owner 2 at now, got %+v ok=%v", l, ok)
	}
}

func TestExpiryViaCheck(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := medium.NewInMemory()
	c := newCoordinator(t, m, clock)
	store := lease.NewStore(m)

	c.Acquire(ctx, "c1", 1)
	clock.Advance(DefaultTTL + time.Millisecond)

	if _, ok := store.Load(ctx)["c1"]; !ok {
		t.Fatal("expiry is lazy: the entry stays until observed")
	}
	if c.IsBlockedForOthers(ctx, "c1", 2) {
		t.Fatal("expired lease must not block")
	}
	if _, ok := store.Load(ctx)["c1"]; ok {
		t.Fatal("check must evict the expired entry")
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := medium.NewInMemory()
	c := newCoordinator(t, m, clock)

	c.Acquire(ctx, "a", 1)
	c.Acquire(ctx, "b", 2)
	clock.Advance(3 * time.Minute)
	c.Acquire(ctx, "c", 3)
	clock.Advance(3 * time.Minute)

	if n := c.Sweep(ctx); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	left := lease.NewStore(m).Load(ctx)
	if len(left) != 1 {
		t.Fatalf("expected only c left, got %v", left)
	}
	if _, ok := left["c"]; !ok {
		t.Fatal("expected c to survive")
	}

	_, v1, _, _ := m.GetVersioned(ctx, lease.DefaultKey)
	if n := c.Sweep(ctx); n != 0 {
		t.Fatalf("expected nothing to sweep, got %d", n)
	}
	_, v2, _, _ := m.GetVersioned(ctx, lease.DefaultKey)
	if v1 != v2 {
		t.Fatal("empty sweep must not write")
	}
}

func TestFailOpenOnCorruptTable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := medium.NewInMemory()
	c := newCoordinator(t, m, clock)

	if err := m.Set(ctx, lease.DefaultKey, "{not json"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c.IsBlockedForOthers(ctx, "c1", 1) {
		t.Fatal("corrupt table reads as empty")
	}
	if !c.Acquire(ctx, "c1", 1) {
		t.Fatal("acquire on corrupt table must succeed")
	}
	if _, ok := c.Holder(ctx, "c1"); !ok {
		t.Fatal("acquire must overwrite the corrupt table")
	}
}

type brokenMedium struct{}

func (brokenMedium) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, leaseerrors.ErrConnectionClosed
}

func (brokenMedium) Set(ctx context.Context, key, value string) error {
	return leaseerrors.ErrCapacityExceeded
}

func TestFailOpenOnBrokenMedium(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, brokenMedium{}, newFakeClock())

	if !c.Acquire(ctx, "c1", 1) {
		t.Fatal("acquire reports the computed result even if the write fails")
	}
	if !c.Acquire(ctx, "c1", 2) {
		t.Fatal("the dropped write leaves c1 free for the next caller")
	}
	if c.IsBlockedForOthers(ctx, "c1", 2) {
		t.Fatal("unreadable table blocks nothing")
	}
	if n := c.Sweep(ctx); n != 0 {
		t.Fatalf("expected nothing to sweep, got %d", n)
	}
}

func TestLostUpdateRace(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := &interleavedMedium{InMemory: medium.NewInMemory(), readers: 2}
	a := newCoordinator(t, m, clock)
	b := newCoordinator(t, m, clock)

	results := make(chan bool, 2)
	go func() { results <- a.Acquire(ctx, "c1", 1) }()
	go func() { results <- b.Acquire(ctx, "c1", 2) }()

	if !<-results || !<-results {
		t.Fatal("both actors observed an empty table and must both win")
	}
	l, ok := a.Holder(ctx, "c1")
	if !ok {
		t.Fatal("expected a lease")
	}
	if l.Owner != m.lastWriter() {
		t.Fatalf("the later write wins: holder %d, last writer %d", l.Owner, m.lastWriter())
	}
}

func TestOptimisticWritesDenyRace(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := &interleavedMedium{InMemory: medium.NewInMemory(), readers: 2}
	a := newCoordinator(t, m, clock, WithOptimisticWrites(1))
	b := newCoordinator(t, m, clock, WithOptimisticWrites(1))

	results := make(chan bool, 2)
	go func() { results <- a.Acquire(ctx, "c1", 1) }()
	go func() { results <- b.Acquire(ctx, "c1", 2) }()

	granted := 0
	for i := 0; i < 2; i++ {
		if <-results {
			granted++
		}
	}
	if granted != 1 {
		t.Fatalf("exactly one actor must win, got %d", granted)
	}
}

func TestOptimisticWritesGiveUp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := &conflictingMedium{InMemory: medium.NewInMemory()}
	c := newCoordinator(t, m, clock, WithOptimisticWrites(2))

	if c.Acquire(ctx, "c1", 1) {
		t.Fatal("acquire must report false once retries are exhausted")
	}
	if m.attempts != 3 {
		t.Fatalf("expected 1 try plus 2 retries, got %d", m.attempts)
	}
}

func TestOptimisticWritesFallBackOnPlainMedium(t *testing.T) {
	ctx := context.Background()
	f, err := medium.NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	c := newCoordinator(t, f, newFakeClock(), WithOptimisticWrites(3))
	if c.optimistic {
		t.Fatal("optimistic mode needs a versioned medium")
	}
	if !c.Acquire(ctx, "c1", 1) || c.Acquire(ctx, "c1", 2) {
		t.Fatal("plain writes must keep the protocol working")
	}
}

func TestStrictPolicy(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(t, medium.NewInMemory(), clock, WithReleasePolicy(PolicyStrict))

	c.Acquire(ctx, "c1", 1)
	if c.Release(ctx, "c1") {
		t.Fatal("owner-less release must report refusal")
	}
	if _, ok := c.Holder(ctx, "c1"); !ok {
		t.Fatal("strict policy refuses owner-less release")
	}
	if c.ReleaseOwned(ctx, "c1", 2) {
		t.Fatal("strict policy refuses release by non-holder")
	}
	if !c.ReleaseOwned(ctx, "c1", 1) {
		t.Fatal("holder may release")
	}
	if _, ok := c.Holder(ctx, "c1"); ok {
		t.Fatal("expected lease removed")
	}

	c.Acquire(ctx, "c2", 1)
	clock.Advance(DefaultTTL + time.Second)
	if c.ReleaseOwned(ctx, "c2", 2) {
		t.Fatal("expired lease is evicted, not released")
	}
	if _, ok := c.store.Load(ctx)["c2"]; ok {
		t.Fatal("expected expired lease evicted")
	}
}

func TestInvalidTTL(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		if _, err := New(lease.NewStore(medium.NewInMemory()), WithTTL(ttl)); !errors.Is(err, ErrInvalidTTL) {
			t.Fatalf("ttl %v: expected ErrInvalidTTL, got %v", ttl, err)
		}
	}
}

func TestCustomTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCoordinator(t, medium.NewInMemory(), clock, WithTTL(time.Second))
	if c.TTL() != time.Second {
		t.Fatalf("unexpected ttl %v", c.TTL())
	}

	c.Acquire(ctx, "c1", 1)
	clock.Advance(1001 * time.Millisecond)
	if !c.Acquire(ctx, "c1", 2) {
		t.Fatal("lease must expire after the configured ttl")
	}
}

func TestHolderAndLeasesDoNotEvict(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := medium.NewInMemory()
	c := newCoordinator(t, m, clock)

	c.Acquire(ctx, "a", 1)
	clock.Advance(DefaultTTL)
	c.Acquire(ctx, "b", 2)
	clock.Advance(time.Millisecond)

	if _, ok := c.Holder(ctx, "a"); ok {
		t.Fatal("expired lease has no holder")
	}
	live := c.Leases(ctx)
	if len(live) != 1 || live["b"].Owner != 2 {
		t.Fatalf("unexpected live leases %v", live)
	}
	if len(lease.NewStore(m).Load(ctx)) != 2 {
		t.Fatal("read-only lookups must not evict")
	}
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	bus := watchbus.NewInMemory()
	c := newCoordinator(t, medium.NewInMemory(), clock, WithBus(bus))

	ch, err := bus.SubscribePrefix(ctx, EventPrefix)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	next := func() Event {
		t.Helper()
		select {
		case data := <-ch:
			ev, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			return ev
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
		return Event{}
	}

	c.Acquire(ctx, "c1", 1)
	if ev := next(); ev.Type != EventAcquired || ev.Resource != "c1" || ev.Owner != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
	c.Acquire(ctx, "c1", 1)
	if ev := next(); ev.Type != EventRefreshed {
		t.Fatalf("unexpected event %+v", ev)
	}
	c.Acquire(ctx, "c1", 2)
	clock.Advance(DefaultTTL + time.Millisecond)
	c.Acquire(ctx, "c1", 2)
	if ev := next(); ev.Type != EventReclaimed || ev.Owner != 2 || ev.Previous != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
	c.Release(ctx, "c1")
	if ev := next(); ev.Type != EventReleased || ev.Owner != 2 {
		t.Fatalf("unexpected event %+v", ev)
	}
	c.Acquire(ctx, "c2", 3)
	next()
	clock.Advance(DefaultTTL + time.Millisecond)
	c.Sweep(ctx)
	if ev := next(); ev.Type != EventExpired || ev.Resource != "c2" || ev.Owner != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case data := <-ch:
		t.Fatalf("unexpected extra event %s", data)
	default:
	}
}

type failingBus struct{ *watchbus.InMemoryWatchBus }

func (failingBus) Publish(ctx context.Context, key string, data []byte) error {
	return errors.New("bus down")
}

func TestEventPublishFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, medium.NewInMemory(), newFakeClock(), WithBus(failingBus{watchbus.NewInMemory()}))
	if !c.Acquire(ctx, "c1", 1) {
		t.Fatal("publish failures must not affect the result")
	}
}

func TestTracingEnabled(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, medium.NewInMemory(), newFakeClock(), WithTracing())
	if !c.Acquire(ctx, "c1", 1) {
		t.Fatal("acquire with tracing")
	}
	c.Sweep(ctx)
}

func TestParseReleasePolicy(t *testing.T) {
	for in, want := range map[string]ReleasePolicy{"": PolicyPermissive, "permissive": PolicyPermissive, "Strict": PolicyStrict} {
		got, err := ParseReleasePolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v err %v", in, got, err)
		}
	}
	if _, err := ParseReleasePolicy("lenient"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if PolicyStrict.String() != "strict" {
		t.Fatalf("unexpected string %q", PolicyStrict.String())
	}
}

// interleavedMedium holds back every read until the expected number of
// readers arrived, so that concurrent coordinators all decide on the same
// table before anyone writes.
type interleavedMedium struct {
	*medium.InMemory
	readers int

	mu      sync.Mutex
	arrived int
	gate    chan struct{}
	last    lease.OwnerID
}

func (m *interleavedMedium) wait() {
	m.mu.Lock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
	gate := m.gate
	m.arrived++
	if m.arrived == m.readers {
		close(gate)
	}
	m.mu.Unlock()
	<-gate
}

func (m *interleavedMedium) Get(ctx context.Context, key string) (string, bool, error) {
	m.wait()
	return m.InMemory.Get(ctx, key)
}

func (m *interleavedMedium) GetVersioned(ctx context.Context, key string) (string, uint64, bool, error) {
	m.wait()
	return m.InMemory.GetVersioned(ctx, key)
}

func (m *interleavedMedium) Set(ctx context.Context, key, value string) error {
	if err := m.InMemory.Set(ctx, key, value); err != nil {
		return err
	}
	m.record(value)
	return nil
}

func (m *interleavedMedium) SetIfVersion(ctx context.Context, key, value string, version uint64) error {
	if err := m.InMemory.SetIfVersion(ctx, key, value, version); err != nil {
		return err
	}
	m.record(value)
	return nil
}

func (m *interleavedMedium) record(value string) {
	t, err := lease.JSONCodec{}.Decode(value)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.last = t["c1"].Owner
	m.mu.Unlock()
}

func (m *interleavedMedium) lastWriter() lease.OwnerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// conflictingMedium rejects every conditional write.
type conflictingMedium struct {
	*medium.InMemory
	attempts int
}

func (m *conflictingMedium) SetIfVersion(ctx context.Context, key, value string, version uint64) error {
	m.attempts++
	return leaseerrors.ErrVersionConflict
}
