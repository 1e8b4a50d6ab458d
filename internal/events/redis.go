package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultChannelPrefix is prepended to the organization id to form the channel name.
const DefaultChannelPrefix = "adfunds:events:"

// RedisPublisher publishes events on per-organization Redis channels so that
// other API instances and workers can react.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel name for orgID.
func (p *RedisPublisher) Channel(orgID string) string {
	return p.prefix + orgID
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", evt.Kind, err)
	}
	if err := p.client.Publish(ctx, p.Channel(evt.OrganizationID), payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", evt.Kind, err)
	}
	return nil
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: redis ping %s: %w", addr, err)
	}
	return client, nil
}
