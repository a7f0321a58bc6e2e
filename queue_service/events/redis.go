package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on Redis pub/sub channels, one channel
// per topic. At-least-once only in combination with the advisory queues:
// pub/sub itself does not persist, the resolver loops re-drive any
// transition a crashed consumer missed.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(addr, password string, db int, prefix string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

// NewRedisPublisherFromClient wraps an existing client (used by tests).
func NewRedisPublisherFromClient(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) channel(topic Topic) string {
	return fmt.Sprintf("%s:events:%s", p.prefix, topic)
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel(event.Topic), body).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", event.Topic, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Fanout publishes every event to each wrapped publisher. First error
// wins but all publishers are attempted.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) Close() error {
	var firstErr error
	for _, p := range f {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
