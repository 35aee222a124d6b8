package medium

import (
	"context"

	"github.com/dgraph-io/ristretto"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// Ristretto implements Medium on a process local ristretto cache. It suits
// actors living in the same process, e.g. several request handlers sharing
// one coordinator table. Ristretto may refuse to admit a value; such writes
// fail with errors.ErrCapacityExceeded.
type Ristretto struct {
	c *ristretto.Cache
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// WithMaxCost bounds the total size in bytes of the stored values.
func WithMaxCost(bytes int64) RistrettoOption {
	return func(c *ristretto.Config) {
		c.MaxCost = bytes
	}
}

// NewRistretto returns a Medium backed by ristretto.
func NewRistretto(opts ...RistrettoOption) (*Ristretto, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e4,     // number of keys to track frequency of (10k).
		MaxCost:     1 << 20, // maximum cost of cache (1MB by default).
		BufferItems: 64,      // number of keys per Get buffer.
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Ristretto{c: rc}, nil
}

// Get implements Medium.Get.
func (r *Ristretto) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

// Set implements Medium.Set.
func (r *Ristretto) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.c.Set(key, value, int64(len(value))) {
		return leaseerrors.ErrCapacityExceeded
	}
	r.c.Wait()
	// admission is decided asynchronously; a rejected key is absent, a
	// different value is a later writer
	if _, ok := r.c.Get(key); !ok {
		return leaseerrors.ErrCapacityExceeded
	}
	return nil
}

// Close releases resources held by the cache.
func (r *Ristretto) Close() {
	r.c.Close()
}
