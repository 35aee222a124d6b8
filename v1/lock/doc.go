// Package lock implements lease based mutual exclusion over a shared lease
// table.
//
// A Coordinator grants a resource to one owner at a time for a bounded TTL.
// There is no lock server: every decision is a read of the whole table
// followed by a write of the whole table, so two actors racing on the same
// medium can both win (the later write survives). Expired leases are never
// removed by a timer; Acquire, IsBlockedForOthers and Sweep evict them when
// they notice. Enable WithOptimisticWrites on a versioned medium to turn the
// race into a denial.
//
// Transitions can be published to a watchbus so that other processes can
// show who is editing what:
//
//	c, _ := lock.New(lease.NewStore(m), lock.WithBus(bus))
//	if c.Acquire(ctx, "competitor-42", 7) {
//		defer c.ReleaseOwned(ctx, "competitor-42", 7)
//	}
package lock
