// Package presets wires a lock.Coordinator to a storage medium and an event
// bus for the common deployments.
package presets

import (
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/medium"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

// Breaker settings applied to networked media.
const (
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

// Stack is a coordinator together with the bus it publishes events on.
type Stack struct {
	*lock.Coordinator
	Bus     watchbus.WatchBus
	closers []func() error
}

// Close releases the connections opened by the preset.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newStack(m medium.Medium, bus watchbus.WatchBus, key string, opts []lock.Option, closers ...func() error) (*Stack, error) {
	var storeOpts []lease.Option
	if key != "" {
		storeOpts = append(storeOpts, lease.WithKey(key))
	}
	opts = append([]lock.Option{lock.WithBus(bus)}, opts...)
	c, err := lock.New(lease.NewStore(m, storeOpts...), opts...)
	if err != nil {
		for _, cl := range closers {
			_ = cl()
		}
		return nil, err
	}
	return &Stack{Coordinator: c, Bus: bus, closers: closers}, nil
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// PoolSize caps the connections of each client. Zero keeps the go-redis
	// default.
	PoolSize int
	// Key overrides the key holding the lease table.
	Key string
	// Timeout bounds every medium call. Zero keeps the medium default.
	Timeout time.Duration
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
		PoolSize: o.PoolSize,
	})
}

// redisParts opens separate clients for the lease table and the event bus.
// Every bus watcher pins a connection while it reads, and table reads must
// never wait behind them.
func redisParts(opts RedisOptions) (medium.Medium, watchbus.WatchBus, func() error) {
	store, events := opts.client(), opts.client()
	var mopts []medium.RedisOption
	if opts.Timeout > 0 {
		mopts = append(mopts, medium.WithTimeout(opts.Timeout))
	}
	m := medium.NewBreaker(medium.NewRedis(store, mopts...), breakerThreshold, breakerTimeout)
	closer := func() error { return errors.Join(events.Close(), store.Close()) }
	return m, watchbus.NewRedisWatchBus(events), closer
}

func natsParts(conn *nats.Conn, bucket string) (medium.Medium, watchbus.WatchBus, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, nil, err
	}
	kv, err := medium.OpenNATS(js, bucket)
	if err != nil {
		return nil, nil, err
	}
	return medium.NewBreaker(kv, breakerThreshold, breakerTimeout), watchbus.NewNATSWatchBus(conn), nil
}

// NewRedis creates a coordinator storing the table in Redis and publishing
// events on Redis streams. Conditional writes are available, so
// lock.WithOptimisticWrites takes effect.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) (*Stack, error) {
	m, bus, closer := redisParts(opts)
	return newStack(m, bus, opts.Key, lockOpts, closer)
}

// NewNATS creates a coordinator storing the table in the JetStream key-value
// bucket and publishing events on core NATS subjects. The bucket is created
// when missing.
func NewNATS(conn *nats.Conn, bucket string, lockOpts ...lock.Option) (*Stack, error) {
	m, bus, err := natsParts(conn, bucket)
	if err != nil {
		return nil, err
	}
	return newStack(m, bus, "", lockOpts)
}

// NewFile creates a coordinator storing the table in dir, shared by every
// process on the host through file locks. Events stay in process.
func NewFile(dir string, lockOpts ...lock.Option) (*Stack, error) {
	m, err := medium.NewFile(dir)
	if err != nil {
		return nil, err
	}
	return newStack(m, watchbus.NewInMemory(), "", lockOpts)
}

// NewInMemoryStandalone creates a coordinator that runs entirely in memory
// with no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(lockOpts ...lock.Option) (*Stack, error) {
	return newStack(medium.NewInMemory(), watchbus.NewInMemory(), "", lockOpts)
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendFile   = "file"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("presets: unknown backend")

// Config selects and configures a backend for Open.
type Config struct {
	Backend string
	// Key overrides the key holding the lease table.
	Key        string
	Redis      RedisOptions
	NATSURL    string
	NATSBucket string
	Dir        string
	// Bus replaces the default event bus of the backend when set.
	Bus watchbus.WatchBus
}

// Open builds the stack described by cfg.
func Open(cfg Config, lockOpts ...lock.Option) (*Stack, error) {
	var (
		m       medium.Medium
		bus     watchbus.WatchBus
		closers []func() error
	)
	switch cfg.Backend {
	case BackendMemory, "":
		m, bus = medium.NewInMemory(), watchbus.NewInMemory()
	case BackendRedis:
		var closer func() error
		m, bus, closer = redisParts(cfg.Redis)
		closers = append(closers, closer)
	case BackendNATS:
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		m, bus, err = natsParts(conn, cfg.NATSBucket)
		if err != nil {
			conn.Close()
			return nil, err
		}
		closers = append(closers, func() error { conn.Close(); return nil })
	case BackendFile:
		f, err := medium.NewFile(cfg.Dir)
		if err != nil {
			return nil, err
		}
		m, bus = f, watchbus.NewInMemory()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if cfg.Bus != nil {
		bus = cfg.Bus
	}
	key := cfg.Key
	if key == "" {
		key = cfg.Redis.Key
	}
	return newStack(m, bus, key, lockOpts, closers...)
}
