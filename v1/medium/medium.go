package medium

import (
	"context"
	"sync"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// Medium is the shared key-value storage every actor sees.
//
// Implementations are best-effort: a Set may fail (for example when the
// backing storage is full) and nothing guarantees atomicity across callers.
type Medium interface {
	// Get returns the text stored under key. The boolean reports whether the
	// key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set replaces the text stored under key.
	Set(ctx context.Context, key, value string) error
}

// Versioned is implemented by media able to perform conditional writes.
//
// Versions start at zero for missing keys and grow with every successful
// write, including plain Set calls.
type Versioned interface {
	Medium
	// GetVersioned returns the stored text together with its version.
	GetVersioned(ctx context.Context, key string) (string, uint64, bool, error)
	// SetIfVersion writes value only if the stored version still equals
	// version. It returns errors.ErrVersionConflict otherwise.
	SetIfVersion(ctx context.Context, key, value string, version uint64) error
}

type memEntry struct {
	value   string
	version uint64
}

// InMemory is a Versioned medium backed by a map. It is the reference fake
// for tests and for single process deployments.
type InMemory struct {
	mu       sync.RWMutex
	items    map[string]memEntry
	capacity int
}

// InMemoryOption configures an InMemory medium.
type InMemoryOption func(*InMemory)

// WithCapacity bounds the total number of bytes held by the medium. Writes
// that would exceed it fail with errors.ErrCapacityExceeded. A non-positive
// value means unbounded.
func WithCapacity(bytes int) InMemoryOption {
	return func(m *InMemory) {
		m.capacity = bytes
	}
}

// NewInMemory returns an empty InMemory medium.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{items: make(map[string]memEntry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements Medium.Get.
func (m *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	v, _, ok, err := m.GetVersioned(ctx, key)
	return v, ok, err
}

// Set implements Medium.Set.
func (m *InMemory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(key, value)
}

// GetVersioned implements Versioned.GetVersioned.
func (m *InMemory) GetVersioned(ctx context.Context, key string) (string, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, false, err
	}
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return "", 0, false, nil
	}
	return e.value, e.version, true, nil
}

// SetIfVersion implements Versioned.SetIfVersion.
func (m *InMemory) SetIfVersion(ctx context.Context, key, value string, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[key].version != version {
		return leaseerrors.ErrVersionConflict
	}
	return m.writeLocked(key, value)
}

func (m *InMemory) writeLocked(key, value string) error {
	if m.capacity > 0 {
		used := len(value)
		for k, e := range m.items {
			if k != key {
				used += len(k) + len(e.value)
			}
		}
		if used+len(key) > m.capacity {
			return leaseerrors.ErrCapacityExceeded
		}
	}
	e := m.items[key]
	m.items[key] = memEntry{value: value, version: e.version + 1}
	return nil
}

// Len returns the number of keys held.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

var _ Versioned = (*InMemory)(nil)
