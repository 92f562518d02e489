package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix   = "identity:lock:"
	defaultLockTTL     = 30 * time.Second
	defaultWaitTimeout = 10 * time.Second
	initialBackoff     = 10 * time.Millisecond
	maxBackoff         = 500 * time.Millisecond
	releaseTimeout     = 5 * time.Second
)

var (
	// ErrLockNotAcquired is returned when a key stays held past the wait timeout.
	ErrLockNotAcquired = errors.New("locking: lock not acquired")
	// ErrLockNotHeld is returned when releasing a key owned by someone else.
	ErrLockNotHeld = errors.New("locking: lock not held")

	errMissingClient = errors.New("locking: redis client is required")

	// Delete only if we still own the key.
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// RedisLockerConfig describes a distributed locker.
type RedisLockerConfig struct {
	Client      *redis.Client
	KeyPrefix   string
	TTL         time.Duration
	WaitTimeout time.Duration
	Logger      *zap.Logger
}

// RedisLocker serializes holders of overlapping key sets across processes
// using SET NX with an owner token per key.
type RedisLocker struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	waitTimeout time.Duration
	logger      *zap.Logger
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	locker := &RedisLocker{
		client:      cfg.Client,
		keyPrefix:   cfg.KeyPrefix,
		ttl:         cfg.TTL,
		waitTimeout: cfg.WaitTimeout,
		logger:      cfg.Logger,
	}
	if locker.keyPrefix == "" {
		locker.keyPrefix = defaultKeyPrefix
	}
	if locker.ttl <= 0 {
		locker.ttl = defaultLockTTL
	}
	if locker.waitTimeout <= 0 {
		locker.waitTimeout = defaultWaitTimeout
	}
	if locker.logger == nil {
		locker.logger = zap.NewNop()
	}
	return locker, nil
}

type heldKey struct {
	key   string
	token string
}

// Lock acquires every key in sorted order, retrying with capped exponential
// backoff until the wait timeout. Keys already taken are released on failure.
func (l *RedisLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	ordered := normalizeKeys(keys)
	deadline := time.Now().Add(l.waitTimeout)
	held := make([]heldKey, 0, len(ordered))
	for _, key := range ordered {
		token, err := l.acquire(ctx, l.keyPrefix+key, deadline)
		if err != nil {
			l.releaseAll(held)
			return nil, err
		}
		held = append(held, heldKey{key: l.keyPrefix + key, token: token})
	}
	return func() { l.releaseAll(held) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key string, deadline time.Time) (string, error) {
	token := uuid.New().String()
	backoff := initialBackoff
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("locking: acquire %s: %w", key, err)
		}
		if ok {
			l.logger.Debug("lock acquired", zap.String("key", key))
			return token, nil
		}
		if !time.Now().Add(backoff).Before(deadline) {
			return "", ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (l *RedisLocker) releaseAll(held []heldKey) {
	if len(held) == 0 {
		return
	}
	// Release even when the request context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for index := len(held) - 1; index >= 0; index-- {
		if err := l.release(ctx, held[index]); err != nil {
			l.logger.Warn("lock release failed", zap.String("key", held[index].key), zap.Error(err))
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, held heldKey) error {
	result, err := releaseScript.Run(ctx, l.client, []string{held.key}, held.token).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// OpenRedis parses a redis URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
