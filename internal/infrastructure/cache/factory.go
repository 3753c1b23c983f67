package cache

import (
	"context"
	"fmt"

	"github.com/erp/dte/internal/infrastructure/authority"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BranchLocker serializes envelope submission per issuer and branch
type BranchLocker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Coordination is the state shared between engine instances
type Coordination struct {
	Tokens  authority.TokenCache
	Locks   BranchLocker
	Replays IdempotencyStore
	client  *redis.Client
}

// Close releases the Redis connection, if any
func (c *Coordination) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks the Redis connection. In-process coordination is always up.
func (c *Coordination) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Distributed reports whether the state is shared through Redis
func (c *Coordination) Distributed() bool {
	return c.client != nil
}

// CoordinationFactory builds Coordination from configuration
type CoordinationFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// CoordinationFactoryOption is a functional option for configuring the factory
type CoordinationFactoryOption func(*CoordinationFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) CoordinationFactoryOption {
	return func(f *CoordinationFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-process state when Redis is unavailable
// Default is true (allow fallback)
func WithInMemoryFallback(allow bool) CoordinationFactoryOption {
	return func(f *CoordinationFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewCoordinationFactory creates a new factory
func NewCoordinationFactory(cfg config.RedisConfig, opts ...CoordinationFactoryOption) *CoordinationFactory {
	f := &CoordinationFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewCoordinationWithClient builds Redis-backed coordination on an existing client
func NewCoordinationWithClient(client *redis.Client, cfg config.RedisConfig, logger *zap.Logger) *Coordination {
	return &Coordination{
		Tokens:  NewRedisTokenCache(client),
		Locks:   NewRedisBranchLock(client, cfg.LockTTL, logger),
		Replays: NewRedisIdempotencyStore(client, ""),
		client:  client,
	}
}

// NewLocalCoordination builds in-process coordination for a single instance
func NewLocalCoordination() *Coordination {
	return &Coordination{
		Tokens:  authority.NewMemoryTokenCache(),
		Locks:   NewLocalBranchLock(),
		Replays: NewInMemoryIdempotencyStore(),
	}
}

// Create uses Redis when enabled and reachable. With Redis disabled, or
// unreachable while fallback is allowed, state stays in process.
func (f *CoordinationFactory) Create() (*Coordination, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("redis disabled, using in-process token cache and branch lock")
		return NewLocalCoordination(), nil
	}

	client, err := NewRedisClient(f.redisConfig)
	if err == nil {
		f.logger.Info("using Redis token cache and branch lock", zap.String("addr", f.redisConfig.Addr()))
		return NewCoordinationWithClient(client, f.redisConfig, f.logger), nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis required for coordination but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-process coordination. "+
		"Several instances may then submit envelopes of the same branch concurrently.",
		zap.Error(err),
	)
	return NewLocalCoordination(), nil
}
