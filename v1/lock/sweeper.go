package lock

import (
	"context"
	"sync/atomic"
	"time"
)

// Sweeper periodically evicts expired leases. Lazy expiry already keeps the
// protocol correct; a sweeper only keeps the persisted table small.
type Sweeper struct {
	c        *Coordinator
	interval time.Duration
	runs     uint64
	evicted  uint64
}

// NewSweeper returns a Sweeper calling c.Sweep every interval.
func NewSweeper(c *Coordinator, interval time.Duration) *Sweeper {
	return &Sweeper{c: c, interval: interval}
}

// Run sweeps until ctx is done. A non-positive interval disables the loop.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n := s.c.Sweep(ctx)
	atomic.AddUint64(&s.runs, 1)
	atomic.AddUint64(&s.evicted, uint64(n))
}

// Runs returns the number of completed sweeps.
func (s *Sweeper) Runs() uint64 {
	return atomic.LoadUint64(&s.runs)
}

// Evicted returns the total number of leases evicted by this sweeper.
func (s *Sweeper) Evicted() uint64 {
	return atomic.LoadUint64(&s.evicted)
}
