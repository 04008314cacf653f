// Package lock provides a distributed, Redis-backed mutual-exclusion lock
// used to guarantee exactly one scheduler replica is active at a time.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Refresh/Release when the caller's token no
// longer matches (or never matched) the holder recorded in Redis.
var ErrNotHeld = errors.New("lock: token does not hold the lock")

var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Manager acquires, refreshes, and releases a single named lock in Redis
// using SET NX EX for acquisition and Lua scripts for the atomic
// check-and-extend / check-and-delete operations that make refresh and
// release safe against a lock that has already moved to another holder.
type Manager struct {
	client *redis.Client
	key    string
}

// NewManager returns a Manager guarding the given Redis key.
func NewManager(client *redis.Client, key string) *Manager {
	return &Manager{client: client, key: key}
}

// Acquire attempts to become the holder of the lock, tagging it with token.
// It returns true if the lock was acquired (or was already held by this
// token), false if another token currently holds it.
func (m *Manager) Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	owner, err := m.client.Get(ctx, m.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Key expired between the failed SETNX and this GET; retry once.
			ok, err = m.client.SetNX(ctx, m.key, token, ttl).Result()
			return ok, err
		}
		return false, err
	}
	if owner == token {
		return true, nil
	}
	return false, nil
}

// Refresh extends the TTL of a lock this token already holds. It returns
// ErrNotHeld if the token is not the current holder (the lock expired and
// was taken by another replica, or was never acquired).
func (m *Manager) Refresh(ctx context.Context, token string, ttl time.Duration) error {
	ttlSeconds := int(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	result, err := refreshScript.Run(ctx, m.client, []string{m.key}, token, ttlSeconds).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release gives up the lock if, and only if, token is still the current
// holder. Releasing a lock this token does not hold is a no-op that
// returns ErrNotHeld so callers can log it without treating it as fatal.
func (m *Manager) Release(ctx context.Context, token string) error {
	result, err := releaseScript.Run(ctx, m.client, []string{m.key}, token).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

// CurrentHolder returns the token currently holding the lock, or "" if the
// lock is unheld. Used by health checks and admin diagnostics.
func (m *Manager) CurrentHolder(ctx context.Context) (string, error) {
	owner, err := m.client.Get(ctx, m.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

// LogRelease is a small helper callers use from shutdown paths, where a
// failed release (lock already expired and stolen by another replica) is
// expected and should be logged at Info rather than escalated.
func LogRelease(ctx context.Context, m *Manager, token string) {
	if err := m.Release(ctx, token); err != nil {
		if errors.Is(err, ErrNotHeld) {
			slog.Info("lock release: token no longer held", "key", m.key)
			return
		}
		slog.Error("lock release failed", "key", m.key, "error", err)
	}
}
