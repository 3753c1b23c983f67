package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Unlock releases a branch lock
type Unlock = func(ctx context.Context) error

// LocalBranchLock serializes work per key inside one process
type LocalBranchLock struct {
	mu    sync.Mutex
	lanes map[string]chan struct{}
}

// NewLocalBranchLock creates an in-process lock
func NewLocalBranchLock() *LocalBranchLock {
	return &LocalBranchLock{lanes: make(map[string]chan struct{})}
}

func (l *LocalBranchLock) lane(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.lanes[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.lanes[key] = ch
	}
	return ch
}

// Lock blocks until key is free or ctx is done
func (l *LocalBranchLock) Lock(ctx context.Context, key string) (Unlock, error) {
	ch := l.lane(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// ErrLockLost is returned on unlock when the lease expired while held
var ErrLockLost = errors.New("branch lock lease lost")

// RedisBranchLock serializes work per key across instances. Holders in the
// same process queue on a local lock first so only one of them polls Redis.
type RedisBranchLock struct {
	client    *redis.Client
	local     *LocalBranchLock
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisBranchLock creates a distributed lock with the given lease
func NewRedisBranchLock(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisBranchLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBranchLock{
		client:    client,
		local:     NewLocalBranchLock(),
		ttl:       ttl,
		retry:     100 * time.Millisecond,
		keyPrefix: "dte:lock:branch:",
		logger:    logger.Named("branch_lock"),
	}
}

// Lock acquires key, renewing the lease until Unlock is called
func (l *RedisBranchLock) Lock(ctx context.Context, key string) (Unlock, error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := l.keyPrefix + key
	owner := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, owner, l.ttl).Result()
		if err != nil {
			_ = unlockLocal(ctx)
			return nil, fmt.Errorf("failed to acquire branch lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			_ = unlockLocal(ctx)
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	lost := make(chan struct{})
	go l.renew(redisKey, owner, stop, lost)

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			defer func() { _ = unlockLocal(ctx) }()
			select {
			case <-lost:
				err = ErrLockLost
				return
			default:
			}
			var n int64
			n, err = releaseScript.Run(ctx, l.client, []string{redisKey}, owner).Int64()
			if err == nil && n == 0 {
				err = ErrLockLost
			}
		})
		return err
	}, nil
}

func (l *RedisBranchLock) renew(key, owner string, stop <-chan struct{}, lost chan<- struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{key}, owner, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("failed to renew branch lock", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("branch lock lease lost", zap.String("key", key))
				close(lost)
				return
			}
		}
	}
}
