package watchbus

import (
	"context"
	"strings"
	"sync"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATSWatchBus implements WatchBus over core NATS subjects. Keys are used as
// subjects, so they must not contain spaces or wildcards; such keys are
// rejected with nats.ErrBadSubject. Prefix
// subscriptions match whole subject tokens: "lease." receives "lease.42".
type NATSWatchBus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*natsSubscription
}

// NewNATSWatchBus returns a new NATSWatchBus using the provided connection.
func NewNATSWatchBus(conn *nats.Conn) *NATSWatchBus {
	return &NATSWatchBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !literalSubject(key) {
		return nats.ErrBadSubject
	}
	return b.conn.Publish(key, data)
}

// literalSubject reports whether key can be used verbatim as a subject
// without wildcard or whitespace tokens.
func literalSubject(key string) bool {
	return key != "" && !strings.ContainsAny(key, " \t\r\n*>")
}

// Watch implements WatchBus.Watch.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.subscribe(ctx, key, key)
}

func prefixSubject(prefix string) string {
	if strings.HasSuffix(prefix, ".") {
		return prefix + ">"
	}
	return prefix + ".>"
}

// SubscribePrefix implements WatchBus.SubscribePrefix.
func (b *NATSWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.subscribe(ctx, prefix, prefixSubject(prefix))
}

// subscribe registers ch under subject. Watchers of a single key and of a
// prefix never share a subject because keys cannot contain wildcards.
func (b *NATSWatchBus) subscribe(ctx context.Context, key, subject string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !literalSubject(key) {
		return nil, nats.ErrBadSubject
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	sub := b.subs[subject]
	if sub == nil {
		ns, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			b.mu.Lock()
			defer b.mu.Unlock()
			s := b.subs[subject]
			if s == nil {
				return
			}
			for _, c := range s.chans {
				select {
				case c <- msg.Data:
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[subject] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch. key is either a watched key or a
// subscribed prefix.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	for _, subject := range []string{key, prefixSubject(key)} {
		sub := b.subs[subject]
		if sub == nil {
			continue
		}
		for i, c := range sub.chans {
			if c != ch {
				continue
			}
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			if len(sub.chans) == 0 {
				delete(b.subs, subject)
				b.mu.Unlock()
				return sub.sub.Unsubscribe()
			}
			b.mu.Unlock()
			return nil
		}
	}
	b.mu.Unlock()
	return nil
}

var _ WatchBus = (*NATSWatchBus)(nil)
