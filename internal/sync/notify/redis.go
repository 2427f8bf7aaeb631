package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "offlinesync:events"

const publishTimeout = 2 * time.Second

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes events to a Redis channel. Publish failures are
// logged and dropped.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a sink on channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the pub/sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish implements Sink.
func (p *RedisPublisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error("Failed to encode event", err, map[string]interface{}{
			"type": ev.Type,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		logging.Warn("Failed to publish event to redis", map[string]interface{}{
			"type":    ev.Type,
			"channel": p.channel,
			"error":   err.Error(),
		})
	}
}

// Subscribe delivers events from channel to fn until ctx is done.
// Malformed messages are skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel string, fn func(Event)) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logging.Debug("Skipping malformed event", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			fn(ev)
		}
	}
}

var _ Sink = (*RedisPublisher)(nil)
