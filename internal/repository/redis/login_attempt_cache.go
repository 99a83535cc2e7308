package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"carpool-auth/internal/client"
	"carpool-auth/internal/util"
)

const (
	loginAttemptPrefix = "login_attempts:"
	loginLockPrefix    = "login_lock:"
)

// LoginAttemptCache counts failed logins per phone and holds the temporary
// lock once the threshold is crossed. Counters expire with the attempt window
// so stale failures age out on their own.
type LoginAttemptCache struct {
	client *client.RedisClient
}

func NewLoginAttemptCache(client *client.RedisClient) *LoginAttemptCache {
	return &LoginAttemptCache{client: client}
}

// RecordFailure bumps the failure counter and returns the new count.
func (c *LoginAttemptCache) RecordFailure(ctx context.Context, phone string, window time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, loginAttemptPrefix+phone, window)
	if err != nil {
		util.Error("Failed to record login failure", util.String("phone", phone), util.ErrorField(err))
		return 0, fmt.Errorf("failed to record login failure: %w", err)
	}

	util.Debug("Login failure recorded",
		util.String("phone", phone),
		util.Int64("count", count))
	return int(count), nil
}

func (c *LoginAttemptCache) Failures(ctx context.Context, phone string) (int, error) {
	raw, err := c.client.Get(ctx, loginAttemptPrefix+phone)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get login failures: %w", err)
	}

	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid login failure counter: %w", err)
	}
	return count, nil
}

func (c *LoginAttemptCache) Lock(ctx context.Context, phone string, ttl time.Duration) error {
	if err := c.client.Set(ctx, loginLockPrefix+phone, "locked", ttl); err != nil {
		util.Error("Failed to set login lock", util.String("phone", phone), util.ErrorField(err))
		return fmt.Errorf("failed to set login lock: %w", err)
	}

	util.Warn("Account login locked",
		util.String("phone", phone),
		util.Duration("ttl", ttl))
	return nil
}

// IsLocked reports whether the phone is locked out and how long remains.
func (c *LoginAttemptCache) IsLocked(ctx context.Context, phone string) (bool, time.Duration, error) {
	lockKey := loginLockPrefix + phone

	exists, err := c.client.Exists(ctx, lockKey)
	if err != nil {
		return false, 0, fmt.Errorf("failed to check login lock: %w", err)
	}
	if !exists {
		return false, 0, nil
	}

	remaining, err := c.client.TTL(ctx, lockKey)
	if err != nil {
		return true, 0, nil
	}
	return true, remaining, nil
}

// Reset clears the counter and the lock after a successful login or a
// completed password reset.
func (c *LoginAttemptCache) Reset(ctx context.Context, phone string) error {
	if err := c.client.Del(ctx, loginAttemptPrefix+phone, loginLockPrefix+phone); err != nil {
		util.Error("Failed to reset login attempts", util.String("phone", phone), util.ErrorField(err))
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}
