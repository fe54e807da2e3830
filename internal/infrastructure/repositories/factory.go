package repositories

import (
	"context"

	"meetrelay/internal/core/ports"
	redisrepo "meetrelay/internal/infrastructure/repositories/redis"
	"meetrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory owns the optional Redis connection and builds the
// repositories that depend on it. When Redis is disabled or unreachable the
// server runs without a presence mirror.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled. A failed connection
// is logged and the factory falls back to running without Redis.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, presence mirror and event bus disabled",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	if !factory.useRedis {
		logger.Info("running without Redis")
	}
	return factory
}

// RedisEnabled reports whether a Redis connection is available.
func (f *RepositoryFactory) RedisEnabled() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the shared client, or nil when Redis is not used.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.RedisEnabled() {
		return nil
	}
	return f.redisClient
}

// CreatePresenceRepository returns the Redis presence mirror, cleared of
// state left by a previous process, or nil when Redis is not used.
func (f *RepositoryFactory) CreatePresenceRepository(ctx context.Context) ports.PresenceRepository {
	if !f.RedisEnabled() {
		return nil
	}
	repo := redisrepo.NewPresenceRepository(f.redisClient, f.cfg.Redis.PresenceTTL)
	if r, ok := repo.(*redisrepo.PresenceRepository); ok {
		if err := r.Reset(ctx); err != nil {
			f.logger.Warnw("failed to reset presence mirror", "error", err)
		}
	}
	return repo
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.RedisEnabled() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
