package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const relayPrefix = "synergy:rooms:"

// RedisRelay publishes broadcasts through Redis so that every API instance
// delivers them to its own local Registry.
type RedisRelay struct {
	client *redis.Client
	local  *Registry
	logger *slog.Logger
}

func NewRedisRelay(client *redis.Client, local *Registry, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, local: local, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, key string, payload []byte) error {
	if err := r.client.Publish(ctx, relayPrefix+key, payload).Err(); err != nil {
		return fmt.Errorf("relay publish %s: %w", key, err)
	}
	return nil
}

// Run forwards relayed payloads to the local Registry until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, relayPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", "pattern", relayPrefix+"*")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			key := strings.TrimPrefix(msg.Channel, relayPrefix)
			r.local.Broadcast(ctx, key, []byte(msg.Payload))
		}
	}
}
