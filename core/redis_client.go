// Package core provides the shared kernel of the rule engine: the event
// envelope, rule-chain model, error taxonomy, configuration, logging, and
// the process-scoped Redis handle.
//
// The Redis connection is a single shared handle owned at process scope.
// The index cache, the durable queue, and the notification bridge all use
// it; none of them may reconnect or disconnect it.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient wraps the shared go-redis handle with key namespacing.
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the shared Redis client.
type RedisClientOptions struct {
	RedisURL  string
	Namespace string // Key namespace, e.g. "rule-engine"
	Logger    Logger
}

// NewRedisClient creates the process-scoped Redis client.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidArgument)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"operation": "redis_client_init",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidArgument)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Redis ping failed", map[string]interface{}{
			"operation": "redis_client_init",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("redis ping: %v: %w", err, ErrCacheUnavailable)
	}

	opts.Logger.Info("Redis client connected", map[string]interface{}{
		"operation": "redis_client_init",
		"namespace": opts.Namespace,
	})

	return &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

// NewRedisClientFromExisting wraps an already-connected client. Tests use
// this with miniredis.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Client exposes the underlying go-redis client. Callers must treat the
// connection as borrowed: no Close, no reconnect.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Key prefixes a key with the client namespace.
func (r *RedisClient) Key(parts ...string) string {
	key := r.namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Ping checks connection health.
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %v: %w", err, ErrCacheUnavailable)
	}
	return nil
}

// Close tears down the shared connection. Only the process owner calls this,
// and only at shutdown after every user of the handle has stopped.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
