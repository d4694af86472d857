package editlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout: editlock:{line_item_id} -> holder user id, with a server-side
// TTL. Value checks run in Lua so check-and-set is atomic across processes.
const keyPrefix = "editlock:"

var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
elseif holder == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`)

var renewScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder then
	return -1
elseif holder == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
else
	return 0
end
`)

// RedisManager is the multi-process lock table, for deployments running
// more than one API replica. Redis expires lapsed locks itself, so
// SweepExpired is a no-op here.
type RedisManager struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisManager creates a lock table over the given Redis client.
func NewRedisManager(rdb *redis.Client) *RedisManager {
	return &RedisManager{rdb: rdb, now: time.Now}
}

func lockKey(lineItemID string) string { return keyPrefix + lineItemID }

func (m *RedisManager) Acquire(ctx context.Context, lineItemID, userID string, ttl time.Duration) (Lock, error) {
	key := lockKey(lineItemID)

	granted, err := acquireScript.Run(ctx, m.rdb, []string{key}, userID, ttl.Milliseconds()).Int()
	if err != nil {
		return Lock{}, fmt.Errorf("editlock: acquire: %w", err)
	}
	if granted != 1 {
		holder, ttlErr := m.holderAndExpiry(ctx, key)
		if ttlErr != nil {
			return Lock{}, ttlErr
		}
		return Lock{}, holder
	}

	now := m.now()
	return Lock{
		LineItemID: lineItemID,
		HolderID:   userID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

func (m *RedisManager) Release(ctx context.Context, lineItemID, userID string) error {
	deleted, err := releaseScript.Run(ctx, m.rdb, []string{lockKey(lineItemID)}, userID).Int()
	if err != nil {
		return fmt.Errorf("editlock: release: %w", err)
	}
	if deleted != 1 {
		return ErrNotHolder
	}
	return nil
}

func (m *RedisManager) Renew(ctx context.Context, lineItemID, userID string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, m.rdb, []string{lockKey(lineItemID)}, userID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("editlock: renew: %w", err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		// Key absent: Redis already dropped the expired lock.
		return ErrLockExpired
	default:
		return ErrNotHolder
	}
}

func (m *RedisManager) Get(ctx context.Context, lineItemID string) (Lock, bool, error) {
	key := lockKey(lineItemID)

	holder, err := m.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("editlock: get: %w", err)
	}

	ttl, err := m.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return Lock{}, false, fmt.Errorf("editlock: get ttl: %w", err)
	}

	return Lock{
		LineItemID: lineItemID,
		HolderID:   holder,
		ExpiresAt:  m.now().Add(ttl),
	}, true, nil
}

// SweepExpired is a no-op: Redis reclaims expired keys server-side.
func (m *RedisManager) SweepExpired(context.Context) (int, error) { return 0, nil }

func (m *RedisManager) holderAndExpiry(ctx context.Context, key string) (*HeldError, error) {
	holder, err := m.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Lost a race with expiry; report as held with no detail so the
		// caller simply retries.
		return &HeldError{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("editlock: holder lookup: %w", err)
	}
	ttl, err := m.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("editlock: ttl lookup: %w", err)
	}
	return &HeldError{HolderID: holder, ExpiresAt: m.now().Add(ttl)}, nil
}
