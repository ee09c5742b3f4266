// Package events broadcasts document and page status changes so API
// consumers can follow pipeline progress. A Redis pub/sub driver covers
// multi-process deployments; an in-memory fan-out covers single-process
// runs and tests.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docuglot/docuglot/internal/observability"
)

// Topics published by the pipeline.
const (
	TopicDocuments = "docuglot:documents"
	TopicPages     = "docuglot:pages"
)

// Event is one status-change notification.
type Event struct {
	Topic      string    `json:"-"`
	DocumentID string    `json:"document_id"`
	PageID     string    `json:"page_id,omitempty"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"` // extraction, translation, embedding
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher emits events. Publish failures are logged by implementations
// and never block the pipeline.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus is a publisher that also supports subscription.
type Bus interface {
	Publisher
	// Subscribe returns a channel of events for the topic. The channel is
	// closed when ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Close() error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// MemoryBus fans events out to in-process subscribers. Slow subscribers
// drop events rather than stalling publishers.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Event)}
}

// Publish delivers the event to every subscriber of its topic.
func (b *MemoryBus) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[event.Topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber channel for the topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		channels := b.subs[topic]
		for i, c := range channels {
			if c == ch {
				b.subs[topic] = append(channels[:i], channels[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Close is a no-op for the memory bus.
func (b *MemoryBus) Close() error { return nil }

// RedisBus publishes events over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	logger *observability.Logger
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisConfig, logger *observability.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisBus{client: client, logger: logger.WithComponent("events")}, nil
}

// Publish serializes the event and publishes it on its topic channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	if err := b.client.Publish(ctx, event.Topic, payload).Err(); err != nil {
		b.logger.Warn().
			Err(err).
			Str("topic", event.Topic).
			Msg("failed to publish event")
	}
}

// Subscribe listens on a Redis pub/sub channel and decodes events.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn().Err(err).Msg("dropping malformed event")
					continue
				}
				event.Topic = topic
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

var (
	_ Bus = (*MemoryBus)(nil)
	_ Bus = (*RedisBus)(nil)
)
