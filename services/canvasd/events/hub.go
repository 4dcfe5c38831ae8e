package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	clientBuffer   = 64
)

// Hub relays events from the Redis channel to connected websocket clients.
// Slow clients whose buffer fills up are disconnected rather than stalling
// the relay.
type Hub struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub constructs a hub for channel.
func NewHub(rdb redis.UniversalClient, channel string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Run subscribes to the channel and relays messages until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, h.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	h.logger.Info("event hub subscribed", "component", "events", "channel", h.channel)
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				h.closeAll()
				return nil
			}
			h.broadcast([]byte(msg.Payload))
		}
	}
}

// Clients reports the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) register() *client {
	c := &client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// ServeHTTP upgrades the request and streams events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	c := h.register()
	defer h.unregister(c)

	// Reads are only drained to observe client-initiated closes.
	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, c); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, c *client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-c.send:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber lagging")
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
