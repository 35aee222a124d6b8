package watchbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// DefaultParam is the query parameter naming the watched resource.
const DefaultParam = "resource"

type handlerConfig struct {
	param  string
	keyFor func(string) string
	prefix string
}

// HandlerOption configures SSEHandler and WebSocketHandler.
type HandlerOption func(*handlerConfig)

// WithParam changes the query parameter naming the watched resource.
func WithParam(name string) HandlerOption {
	return func(c *handlerConfig) {
		c.param = name
	}
}

// WithKeyFunc maps the requested resource to a bus key.
func WithKeyFunc(fn func(resource string) string) HandlerOption {
	return func(c *handlerConfig) {
		c.keyFor = fn
	}
}

// WithPrefix lets requests without a resource stream every key under
// prefix. Without it such requests are rejected.
func WithPrefix(prefix string) HandlerOption {
	return func(c *handlerConfig) {
		c.prefix = prefix
	}
}

func newHandlerConfig(opts []HandlerOption) *handlerConfig {
	c := &handlerConfig{param: DefaultParam, keyFor: func(s string) string { return s }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// subscribe resolves the request to a bus subscription. The returned key is
// the one to pass to Unwatch.
func (c *handlerConfig) subscribe(ctx context.Context, bus WatchBus, r *http.Request) (string, chan []byte, int, error) {
	resource := r.URL.Query().Get(c.param)
	if resource == "" {
		if c.prefix == "" {
			return "", nil, http.StatusBadRequest, fmt.Errorf("missing %s", c.param)
		}
		ch, err := bus.SubscribePrefix(ctx, c.prefix)
		if err != nil {
			return "", nil, http.StatusInternalServerError, err
		}
		return c.prefix, ch, 0, nil
	}
	key := c.keyFor(resource)
	ch, err := bus.Watch(ctx, key)
	if err != nil {
		return "", nil, http.StatusInternalServerError, err
	}
	return key, ch, 0, nil
}

// SSEHandler streams WatchBus events over Server-Sent Events.
// The watched resource is taken from the "resource" query parameter.
func SSEHandler(bus WatchBus, opts ...HandlerOption) http.HandlerFunc {
	cfg := newHandlerConfig(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(cfg.param) == "" && cfg.prefix == "" {
			http.Error(w, "missing "+cfg.param, http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		key, ch, status, err := cfg.subscribe(ctx, bus, r)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), status)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams WatchBus events over WebSocket.
// The watched resource is taken from the "resource" query parameter.
func WebSocketHandler(bus WatchBus, opts ...HandlerOption) http.HandlerFunc {
	cfg := newHandlerConfig(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(cfg.param) == "" && cfg.prefix == "" {
			http.Error(w, "missing "+cfg.param, http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		key, ch, _, err := cfg.subscribe(ctx, bus, r)
		if err != nil {
			cancel()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
