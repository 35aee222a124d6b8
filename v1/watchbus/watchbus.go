// Package watchbus streams small payloads to watchers of a key. It carries
// lease events to processes that want to show who is editing what.
package watchbus

import (
	"context"
	"errors"
)

// ErrPrefixUnsupported is returned by buses that cannot subscribe to a key
// prefix.
var ErrPrefixUnsupported = errors.New("watchbus: prefix subscriptions not supported")

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// SubscribePrefix subscribes to all messages for keys that have the given prefix.
	SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages for key (or prefix) to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
