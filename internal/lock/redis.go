package lock

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xaenox/assistant-hub/internal/apperr"
)

const defaultRetryDelay = 50 * time.Millisecond

// RedisLocker serializes conversations across processes. Expiry must exceed
// the longest exchange, otherwise a slow holder loses the lock.
type RedisLocker struct {
	rs         *redsync.Redsync
	policy     Policy
	prefix     string
	expiry     time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
}

type RedisConfig struct {
	Prefix     string
	Expiry     time.Duration
	RetryDelay time.Duration
}

func NewRedisLocker(client redis.UniversalClient, policy Policy, cfg RedisConfig, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "hub:lock:"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 2 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		policy:     policy,
		prefix:     cfg.Prefix,
		expiry:     cfg.Expiry,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	tries := 1
	if l.policy == PolicyWait {
		tries = math.MaxInt32
	}
	m := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.retryDelay),
	)

	if err := m.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx.Err())
		}
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, busy(key)
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "lock.acquire", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done; unlocking must still happen.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if ok, err := m.UnlockContext(ctx); err != nil || !ok {
				l.logger.Warn("Failed to release conversation lock",
					zap.String("key", key),
					zap.Bool("released", ok),
					zap.Error(err))
			}
		})
	}, nil
}
