package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kicker fans enqueue notifications out to other broker instances sharing
// the same store, so they can schedule without waiting for their tick.
type Kicker interface {
	Kick(ctx context.Context, recordID uuid.UUID) error
	// Listen calls trigger for every kick until ctx is done.
	Listen(ctx context.Context, trigger func()) error
	Close() error
}

// NopKicker is used when instances do not share a message bus.
type NopKicker struct{}

func (NopKicker) Kick(context.Context, uuid.UUID) error { return nil }

func (NopKicker) Listen(ctx context.Context, _ func()) error {
	<-ctx.Done()
	return nil
}

func (NopKicker) Close() error { return nil }

// RedisKicker publishes record ids on a Redis Pub/Sub channel.
type RedisKicker struct {
	client  *redis.Client
	channel string
}

// NewRedisKicker connects to url and verifies the connection.
func NewRedisKicker(ctx context.Context, url, channel string) (*RedisKicker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisKicker{client: client, channel: channel}, nil
}

func (k *RedisKicker) Kick(ctx context.Context, recordID uuid.UUID) error {
	return k.client.Publish(ctx, k.channel, recordID.String()).Err()
}

func (k *RedisKicker) Listen(ctx context.Context, trigger func()) error {
	sub := k.client.Subscribe(ctx, k.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", k.channel, err)
	}
	slog.Info("Listening for enqueue notifications", "channel", k.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			slog.Debug("Received enqueue notification", "record_id", msg.Payload)
			trigger()
		}
	}
}

func (k *RedisKicker) Close() error {
	return k.client.Close()
}
