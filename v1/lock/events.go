package lock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mirkobrombin/go-lease/v1/lease"
)

// EventType names a lease transition.
type EventType string

const (
	EventAcquired  EventType = "acquired"
	EventRefreshed EventType = "refreshed"
	EventReclaimed EventType = "reclaimed"
	EventReleased  EventType = "released"
	EventExpired   EventType = "expired"
)

// EventPrefix prefixes every event key.
const EventPrefix = "lease."

// emptyToken stands for the empty resource identifier. It is not valid
// base64, so it never collides with an encoded identifier.
const emptyToken = "_"

// Event describes a persisted lease transition. Previous is set when a
// reclaim takes a resource from another owner.
type Event struct {
	Type     EventType        `json:"type"`
	Resource lease.ResourceID `json:"resource"`
	Owner    lease.OwnerID    `json:"owner"`
	Previous lease.OwnerID    `json:"previous,omitempty"`
	At       time.Time        `json:"at"`
}

// EventKey returns the bus key events for id are published on. The
// identifier is base64url encoded so that any resource maps to a single
// valid NATS subject token and Kafka topic name.
func EventKey(id lease.ResourceID) string {
	if id == "" {
		return EventPrefix + emptyToken
	}
	return EventPrefix + base64.RawURLEncoding.EncodeToString([]byte(id))
}

// ResourceFromKey reverses EventKey.
func ResourceFromKey(key string) (lease.ResourceID, error) {
	token, ok := strings.CutPrefix(key, EventPrefix)
	if !ok {
		return "", fmt.Errorf("lock: %q is not an event key", key)
	}
	if token == emptyToken {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("lock: decode event key %q: %w", key, err)
	}
	return lease.ResourceID(raw), nil
}

// DecodeEvent parses an event payload received from the bus.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func (c *Coordinator) publish(ctx context.Context, events []Event) {
	if c.bus == nil {
		return
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("lease: event encode failed", "resource", ev.Resource, "error", err)
			continue
		}
		if err := c.bus.Publish(ctx, EventKey(ev.Resource), data); err != nil {
			slog.Warn("lease: event publish failed", "resource", ev.Resource, "type", ev.Type, "error", err)
		}
	}
}
