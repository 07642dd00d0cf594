package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const gatewayTokenKey = "gateway:access_token"

// RedisAdapter backs the gateway token cache and the payment event
// bus.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// Token returns the cached gateway token, or "" when absent. Expiry is
// handled by the key TTL set in Store.
func (r *RedisAdapter) Token(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, gatewayTokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

func (r *RedisAdapter) Store(ctx context.Context, token string, ttl time.Duration) error {
	if err := r.client.Set(ctx, gatewayTokenKey, token, ttl).Err(); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Invalidate(ctx context.Context) error {
	if err := r.client.Del(ctx, gatewayTokenKey).Err(); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	return nil
}

// Publish pushes a payment event onto the bus. Subscribers (socket
// relays, dashboards) are external; delivery is best effort.
func (r *RedisAdapter) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
