package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"otp-service/internal/client"
)

// ThrottleLedger implements otp.Ledger as fixed-window counters in Redis.
// The window TTL is set when a counter is first created and left alone on
// later increments, so the window does not slide.
type ThrottleLedger struct {
	client *client.RedisClient
	window time.Duration
}

func NewThrottleLedger(client *client.RedisClient, window time.Duration) *ThrottleLedger {
	return &ThrottleLedger{client: client, window: window}
}

func (l *ThrottleLedger) Increment(ctx context.Context, identifier string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := throttlePrefix + identifier
	count, err := l.client.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to increment throttle counter: %w", err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window); err != nil {
			return 0, fmt.Errorf("failed to set throttle window: %w", err)
		}
	}

	return int(count), nil
}

func (l *ThrottleLedger) Decrement(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := throttlePrefix + identifier
	count, err := l.client.Decr(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to decrement throttle counter: %w", err)
	}

	if count <= 0 {
		if err := l.client.Del(ctx, key); err != nil {
			return fmt.Errorf("failed to remove empty throttle counter: %w", err)
		}
	}

	return nil
}

func (l *ThrottleLedger) Count(ctx context.Context, identifier string) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := throttlePrefix + identifier

	value, err := l.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to read throttle counter: %w", err)
	}

	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid throttle counter format: %w", err)
	}

	remaining, err := l.client.TTL(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read throttle window: %w", err)
	}
	if remaining < 0 {
		remaining = 0
	}

	return count, remaining, nil
}

func (l *ThrottleLedger) Reset(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := l.client.Del(ctx, throttlePrefix+identifier); err != nil {
		return fmt.Errorf("failed to reset throttle counter: %w", err)
	}
	return nil
}
