package watchbus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key and of any prefix of key.
// Slow watchers miss messages instead of blocking the publisher.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	for p, list := range b.prefixes {
		if strings.HasPrefix(key, p) {
			chans = append(chans, list...)
		}
	}
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.add(ctx, b.subs, key)
}

// SubscribePrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.add(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) add(ctx context.Context, m map[string][]chan []byte, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 16)
	b.mu.Lock()
	m[key] = append(m[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key (or prefix) watchers.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !removeChan(b.subs, key, ch) {
		removeChan(b.prefixes, key, ch)
	}
	return nil
}

func removeChan(m map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := m[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			if len(subs) == 0 {
				delete(m, key)
			} else {
				m[key] = subs
			}
			close(c)
			return true
		}
	}
	return false
}

var _ WatchBus = (*InMemoryWatchBus)(nil)
