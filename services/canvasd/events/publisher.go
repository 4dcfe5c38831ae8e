// Package events fans accepted placements out to real-time subscribers.
// Placements are published on a Redis channel so every canvasd replica sees
// every event; each replica's Hub relays them to its websocket clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"tokencanvas/observability/metrics"
	"tokencanvas/services/canvasd/canvas"
)

// TypePixelPlaced tags placement events on the wire.
const TypePixelPlaced = "pixel_placed"

// Event is the payload published for an accepted placement.
type Event struct {
	Type  string       `json:"type"`
	Pixel canvas.Pixel `json:"pixel"`
}

// Publisher is the fan-out sink for accepted placements. Implementations must
// not block the caller on delivery.
type Publisher interface {
	Publish(ctx context.Context, pixel canvas.Pixel)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, canvas.Pixel) {}

// RedisPublisher publishes events on a Redis channel with bounded retries.
type RedisPublisher struct {
	rdb      redis.UniversalClient
	channel  string
	attempts uint64
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.CanvasMetrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// PublisherOption customises a RedisPublisher.
type PublisherOption func(*RedisPublisher)

// WithAttempts bounds how many times a publish is tried.
func WithAttempts(n int) PublisherOption {
	return func(p *RedisPublisher) {
		if n > 0 {
			p.attempts = uint64(n)
		}
	}
}

// WithPublishTimeout bounds the whole retry sequence of one event.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *RedisPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) PublisherOption {
	return func(p *RedisPublisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics counts events dropped after exhausting retries.
func WithMetrics(m *metrics.CanvasMetrics) PublisherOption {
	return func(p *RedisPublisher) {
		p.metrics = m
	}
}

// NewRedisPublisher constructs a publisher on channel.
func NewRedisPublisher(rdb redis.UniversalClient, channel string, opts ...PublisherOption) (*RedisPublisher, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		return nil, fmt.Errorf("event channel required")
	}
	p := &RedisPublisher{
		rdb:      rdb,
		channel:  channel,
		attempts: 3,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Publish sends the event in the background. The caller's context only
// contributes its values; cancellation of the request does not abort delivery.
func (p *RedisPublisher) Publish(ctx context.Context, pixel canvas.Pixel) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(Event{Type: TypePixelPlaced, Pixel: pixel})
	if err != nil {
		p.logger.Error("encode placement event", "component", "events", "error", err)
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.metrics.ObservePublishFailure()
		p.logger.Warn("placement event rejected after drain",
			"component", "events",
			"cell", pixel.Key(),
			"version", pixel.Version)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		if err := p.PublishSync(context.WithoutCancel(ctx), payload); err != nil {
			p.metrics.ObservePublishFailure()
			p.logger.Warn("placement event dropped",
				"component", "events",
				"cell", pixel.Key(),
				"version", pixel.Version,
				"error", err)
		}
	}()
}

// PublishSync publishes a raw payload, retrying with exponential backoff.
func (p *RedisPublisher) PublishSync(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, p.attempts-1), ctx)
	return backoff.Retry(func() error {
		return p.rdb.Publish(ctx, p.channel, payload).Err()
	}, retry)
}

// Drain stops accepting new events and waits for in-flight publishes to
// finish or ctx to expire. Events handed to Publish afterwards are dropped.
func (p *RedisPublisher) Drain(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
