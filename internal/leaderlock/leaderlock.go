// Package leaderlock keeps exactly one orchestrator sweeping at a time
// across a fleet of otherwise-identical processes, using the same
// SetNX-backed distributed lock shape as db/repository.RedisRepository's
// AcquireLock/ReleaseLock, plus a pub/sub channel for nudging a standby
// into an immediate sweep the moment the active holder releases.
package leaderlock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix   = "orchestrator:lock:"
	wakeChannelName = "orchestrator:wake"
)

// Lock is a renewable SetNX lock held by one orchestrator instance at a
// time. A lost connection or expired TTL releases it implicitly, so a
// caller must keep calling Renew while it believes it is still the holder.
type Lock struct {
	client   *redis.Client
	key      string
	holderID string
	ttl      time.Duration
}

func New(client *redis.Client, lockName, holderID string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: lockKeyPrefix + lockName, holderID: holderID, ttl: ttl}
}

// TryAcquire attempts to become leader. It never blocks: it makes one SetNX
// attempt and returns false when another holder has the lock.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	payload, err := json.Marshal(map[string]string{"holder": l.holderID, "acquired_at": time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, l.key, payload, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leader lock: %w", err)
	}
	return ok, nil
}

// Renew extends the TTL on a lock this instance currently believes it
// holds. It only succeeds if the stored holder still matches, preventing a
// stale renewal from clobbering a lock a different instance has since won.
func (l *Lock) Renew(ctx context.Context) (bool, error) {
	data, err := l.client.Get(ctx, l.key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read leader lock: %w", err)
	}
	var held struct {
		Holder string `json:"holder"`
	}
	if err := json.Unmarshal(data, &held); err != nil || held.Holder != l.holderID {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("renew leader lock: %w", err)
	}
	return true, nil
}

// Release drops the lock and wakes any standby waiting on WaitForWake, so a
// graceful shutdown doesn't leave the fleet idle for a full TTL.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("release leader lock: %w", err)
	}
	return l.client.Publish(ctx, wakeChannelName, l.holderID).Err()
}

// WaitForWake blocks until another instance publishes a release, or ctx is
// cancelled. Callers use it to retry TryAcquire promptly instead of polling
// on a fixed interval. A delivery failure (e.g. transient disconnect) is
// not fatal: the caller's own TTL-bounded poll loop is the fallback.
func (l *Lock) WaitForWake(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, wakeChannelName)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	select {
	case <-sub.Channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
