package lock

import (
	"context"
	"regexp"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/medium"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

// Kafka topic names and single NATS subject tokens share this alphabet.
var eventToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestEventKeyEncodesResource(t *testing.T) {
	ids := []lease.ResourceID{"c1", "Ana Lopez", "Ana", "a.b", "*", ">", "lease.>", "ü/ß", ""}
	seen := make(map[string]lease.ResourceID)
	for _, id := range ids {
		key := EventKey(id)
		token := key[len(EventPrefix):]
		if !eventToken.MatchString(token) {
			t.Fatalf("key %q for %q is not a single safe token", key, id)
		}
		if prev, dup := seen[key]; dup {
			t.Fatalf("%q and %q share key %q", prev, id, key)
		}
		seen[key] = id

		got, err := ResourceFromKey(key)
		if err != nil {
			t.Fatalf("ResourceFromKey(%q): %v", key, err)
		}
		if got != id {
			t.Fatalf("round trip of %q gave %q", id, got)
		}
	}

	if _, err := ResourceFromKey("other.YzE"); err == nil {
		t.Fatal("expected error for a key without the event prefix")
	}
	if _, err := ResourceFromKey(EventPrefix + "!!"); err == nil {
		t.Fatal("expected error for a malformed token")
	}
}

func TestEventsStayOnTheirResourceOverNATS(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	bus := watchbus.NewNATSWatchBus(conn)
	c := newCoordinator(t, medium.NewInMemory(), newFakeClock(), WithBus(bus))

	other, err := bus.Watch(ctx, EventKey("Ana"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	own, err := bus.Watch(ctx, EventKey("Ana Lopez"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	wild, err := bus.Watch(ctx, EventKey("a.*"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	for _, id := range []lease.ResourceID{"Ana Lopez", "a.b", "a.*"} {
		if !c.Acquire(ctx, id, 7) {
			t.Fatalf("acquire %q must succeed", id)
		}
	}

	expect := func(ch chan []byte, id lease.ResourceID) {
		t.Helper()
		select {
		case data := <-ch:
			ev, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Resource != id {
				t.Fatalf("watcher of %q got event for %q", id, ev.Resource)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event on %q", id)
		}
	}
	expect(own, "Ana Lopez")
	expect(wild, "a.*")

	select {
	case data := <-other:
		t.Fatalf("unrelated watcher received %s", data)
	case data := <-wild:
		t.Fatalf("wildcard-looking resource received extra %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
