package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicsite/commentview/comment"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long an untouched visitor profile is kept.
const DefaultTTL = 180 * 24 * time.Hour

const visitorPrefix = "visitors"

// Redis provides visitor profile storage in Redis. Each profile is a hash
// whose fields are the storage keys.
type Redis struct {
	cli *redis.Client
	ttl time.Duration
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working. A zero ttl selects DefaultTTL.
func Connect(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		cli: cli,
		ttl: ttl,
	}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

// Profile returns the storage of a single visitor.
func (r *Redis) Profile(visitorID string) comment.Storage {
	return &profile{
		r:   r,
		key: fmt.Sprintf("%s:%s", visitorPrefix, visitorID),
	}
}

type profile struct {
	r   *Redis
	key string
}

// Get returns the value stored under field key of the visitor hash.
func (p *profile) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := p.r.cli.HGet(ctx, p.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget: %w", err)
	}
	return val, true, nil
}

// Set stores the value and pushes the expiry of the whole profile forward.
func (p *profile) Set(ctx context.Context, key, value string) error {
	_, err := p.r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.key, key, value)
		pipe.Expire(ctx, p.key, p.r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
