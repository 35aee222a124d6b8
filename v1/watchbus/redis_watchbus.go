package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// streamMaxLen bounds every Redis stream; watchers only read new entries.
	streamMaxLen = 1000
	// DefaultRedisBlock is how long a single XREAD waits for new entries.
	DefaultRedisBlock = time.Second
)

type redisWatcher struct {
	key string
	ch  chan []byte
}

// RedisWatchBus delivers key watchers from Redis Streams and prefix
// subscribers from pattern pub/sub.
//
// Each watcher holds a pooled connection while it reads. Reads block for at
// most the configured interval, so a cancelled watcher releases its
// connection within one interval.
type RedisWatchBus struct {
	client redis.UniversalClient
	block  time.Duration

	mu       sync.Mutex
	watchers map[redisWatcher]func()
}

// RedisBusOption configures a RedisWatchBus.
type RedisBusOption func(*RedisWatchBus)

// WithBlock sets how long one stream read may wait. Non-positive values keep
// DefaultRedisBlock.
func WithBlock(d time.Duration) RedisBusOption {
	return func(b *RedisWatchBus) {
		if d > 0 {
			b.block = d
		}
	}
}

// NewRedisWatchBus returns a bus on client. The client should not be shared
// with latency sensitive callers: every active watcher holds one pooled
// connection.
func NewRedisWatchBus(client redis.UniversalClient, opts ...RedisBusOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:   client,
		block:    DefaultRedisBlock,
		watchers: make(map[redisWatcher]func()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends data to the stream named key and announces it on the
// pub/sub channel of the same name.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, key, data).Err()
}

// Watch streams entries appended to key after Watch returns.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	last, err := b.tail(ctx, key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := redisWatcher{key: key, ch: make(chan []byte, 16)}
	b.track(w, cancel)
	go b.follow(ctx, w, last)
	return w.ch, nil
}

// tail returns the ID of the newest entry of stream key, or "0-0" when the
// stream does not exist yet.
func (b *RedisWatchBus) tail(ctx context.Context, key string) (string, error) {
	msgs, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (b *RedisWatchBus) follow(ctx context.Context, w redisWatcher, last string) {
	defer func() {
		b.untrack(w)
		close(w.ch)
	}()
	for ctx.Err() == nil {
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{w.key, last},
			Block:   b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.block):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				last = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				select {
				case w.ch <- []byte(data):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// SubscribePrefix delivers messages published on any channel starting with
// prefix. The subscription is active when SubscribePrefix returns.
func (b *RedisWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	ps := b.client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := redisWatcher{key: prefix, ch: make(chan []byte, 16)}
	b.track(w, func() {
		cancel()
		_ = ps.Close()
	})

	go func() {
		defer func() {
			b.untrack(w)
			_ = ps.Close()
			close(w.ch)
		}()
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case w.ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return w.ch, nil
}

// Unwatch stops the watcher or prefix subscription registered as key on ch.
// ch is closed once its reader has stopped.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	stop := b.watchers[redisWatcher{key: key, ch: ch}]
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// Active returns the number of running watchers and prefix subscriptions.
func (b *RedisWatchBus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

func (b *RedisWatchBus) track(w redisWatcher, stop func()) {
	b.mu.Lock()
	b.watchers[w] = stop
	b.mu.Unlock()
}

func (b *RedisWatchBus) untrack(w redisWatcher) {
	b.mu.Lock()
	delete(b.watchers, w)
	b.mu.Unlock()
}

var _ WatchBus = (*RedisWatchBus)(nil)
