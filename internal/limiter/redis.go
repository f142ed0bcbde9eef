package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "notevault:login"

var (
	errMissingClient        = errors.New("limiter: redis client required")
	errInvalidLimiterConfig = errors.New("limiter: max failures, window and block duration must be positive")
)

type redisCommands interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis counts failures per (account, client) in a window and blocks the pair once the limit is reached.
type Redis struct {
	client   redisCommands
	window   time.Duration
	maxFails int64
	blockFor time.Duration
}

// NewRedis constructs a Redis-backed limiter.
func NewRedis(client *redis.Client, window time.Duration, maxFails int, blockFor time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errMissingClient
	}
	return newRedisWithCommands(client, window, maxFails, blockFor)
}

func newRedisWithCommands(client redisCommands, window time.Duration, maxFails int, blockFor time.Duration) (*Redis, error) {
	if window <= 0 || maxFails <= 0 || blockFor <= 0 {
		return nil, errInvalidLimiterConfig
	}
	return &Redis{client: client, window: window, maxFails: int64(maxFails), blockFor: blockFor}, nil
}

// Allow reports whether the pair is currently unblocked.
func (l *Redis) Allow(ctx context.Context, account, clientIP string) (bool, time.Duration, error) {
	remaining, err := l.client.TTL(ctx, blockKey(account, clientIP)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("limiter: read block: %w", err)
	}
	// TTL reports negative sentinels for missing keys and keys without expiry.
	if remaining > 0 {
		return false, remaining, nil
	}
	return true, 0, nil
}

// Success clears the failure counter and any block.
func (l *Redis) Success(ctx context.Context, account, clientIP string) error {
	if err := l.client.Del(ctx, failKey(account, clientIP), blockKey(account, clientIP)).Err(); err != nil {
		return fmt.Errorf("limiter: reset: %w", err)
	}
	return nil
}

// Failure increments the counter; the first failure opens the window.
func (l *Redis) Failure(ctx context.Context, account, clientIP string) (bool, time.Duration, error) {
	counter := failKey(account, clientIP)
	fails, err := l.client.Incr(ctx, counter).Result()
	if err != nil {
		return false, 0, fmt.Errorf("limiter: count failure: %w", err)
	}
	if fails == 1 {
		if err := l.client.Expire(ctx, counter, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("limiter: open window: %w", err)
		}
	}
	if fails < l.maxFails {
		return false, 0, nil
	}

	if err := l.client.Set(ctx, blockKey(account, clientIP), fails, l.blockFor).Err(); err != nil {
		return false, 0, fmt.Errorf("limiter: place block: %w", err)
	}
	if err := l.client.Del(ctx, counter).Err(); err != nil {
		return true, l.blockFor, fmt.Errorf("limiter: clear counter: %w", err)
	}
	return true, l.blockFor, nil
}

func failKey(account, clientIP string) string {
	return keyPrefix + ":fail:" + strings.ToLower(account) + ":" + HashIP(clientIP)
}

func blockKey(account, clientIP string) string {
	return keyPrefix + ":block:" + strings.ToLower(account) + ":" + HashIP(clientIP)
}
