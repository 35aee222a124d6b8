package lease

import (
	"context"
	"errors"
	"log/slog"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/medium"
	"github.com/mirkobrombin/go-lease/v1/metrics"
)

// DefaultKey is the medium key holding the lease table.
const DefaultKey = "evaluation_locks"

// Snapshot is a table together with the medium version it was read at.
type Snapshot struct {
	Table   Table
	Version uint64
}

// Store reads and writes the lease table as a whole. It never surfaces
// storage failures: a table that cannot be read is empty and a table that
// cannot be written is dropped after logging.
type Store struct {
	m     medium.Medium
	key   string
	codec Codec
}

// Option configures a Store.
type Option func(*Store)

// WithKey sets the medium key holding the table.
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

// WithCodec sets the codec used to persist the table.
func WithCodec(c Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// NewStore returns a Store over m.
func NewStore(m medium.Medium, opts ...Option) *Store {
	s := &Store{m: m, key: DefaultKey, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the medium key holding the table.
func (s *Store) Key() string { return s.key }

// Versioned reports whether the underlying medium supports conditional
// writes.
func (s *Store) Versioned() bool {
	_, ok := s.m.(medium.Versioned)
	return ok
}

// Load returns the persisted table, or an empty one when it is missing,
// unreadable or corrupt.
func (s *Store) Load(ctx context.Context) Table {
	raw, ok, err := s.m.Get(ctx, s.key)
	if err != nil {
		s.fail("load", "lease: table read failed (fail-open)", err)
		return Table{}
	}
	if !ok {
		return Table{}
	}
	return s.decode(raw)
}

// Save replaces the persisted table with t. Failures are logged and
// otherwise ignored.
func (s *Store) Save(ctx context.Context, t Table) {
	raw, err := s.codec.Encode(t)
	if err != nil {
		s.fail("save", "lease: table encode failed (write dropped)", err)
		return
	}
	if err := s.m.Set(ctx, s.key, raw); err != nil {
		s.fail("save", "lease: table write failed (write dropped)", err)
	}
}

// LoadSnapshot is Load that also captures the medium version. On a medium
// without versioning the version is always zero.
func (s *Store) LoadSnapshot(ctx context.Context) Snapshot {
	vm, ok := s.m.(medium.Versioned)
	if !ok {
		return Snapshot{Table: s.Load(ctx)}
	}
	raw, version, found, err := vm.GetVersioned(ctx, s.key)
	if err != nil {
		s.fail("load", "lease: table read failed (fail-open)", err)
		return Snapshot{Table: Table{}}
	}
	if !found {
		return Snapshot{Table: Table{}, Version: version}
	}
	return Snapshot{Table: s.decode(raw), Version: version}
}

// SaveSnapshot writes snap.Table only if the medium still holds the version
// it was loaded at. The only error returned is errors.ErrVersionConflict;
// other failures are absorbed like in Save. On a medium without versioning
// it behaves like Save.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	vm, ok := s.m.(medium.Versioned)
	if !ok {
		s.Save(ctx, snap.Table)
		return nil
	}
	raw, err := s.codec.Encode(snap.Table)
	if err != nil {
		s.fail("save", "lease: table encode failed (write dropped)", err)
		return nil
	}
	err = vm.SetIfVersion(ctx, s.key, raw, snap.Version)
	if errors.Is(err, leaseerrors.ErrVersionConflict) {
		metrics.ConflictCounter.Inc()
		return leaseerrors.ErrVersionConflict
	}
	if err != nil {
		s.fail("save", "lease: table write failed (write dropped)", err)
	}
	return nil
}

func (s *Store) decode(raw string) Table {
	t, err := s.codec.Decode(raw)
	if err != nil {
		s.fail("load", "lease: table decode failed (fail-open)", err)
		return Table{}
	}
	if t == nil {
		return Table{}
	}
	return t
}

func (s *Store) fail(op, msg string, err error) {
	metrics.StoreFailureCounter.WithLabelValues(op).Inc()
	slog.Warn(msg, "key", s.key, "error", err)
}
