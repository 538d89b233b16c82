package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"streamadapt/internal/core/ports"
	"streamadapt/internal/infrastructure/repositories/memory"
	redisrepo "streamadapt/internal/infrastructure/repositories/redis"
	"streamadapt/pkg/config"
)

// RepositoryFactory picks Redis-backed storage when it is configured and
// reachable and falls back to memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	historyOpts redisrepo.HistoryOptions
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new factory, connecting to Redis when
// enabled.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		historyOpts: redisrepo.HistoryOptions{
			Retention: cfg.Redis.HistoryRetention,
			MaxItems:  cfg.Redis.HistoryMaxItems,
		},
		logger: logger,
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
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"address", cfg.Redis.Address,
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis repositories", "address", cfg.Redis.Address)
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}
	return factory
}

// UsingRedis reports whether Redis storage is active.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// Client returns the shared Redis client, or nil in memory mode.
func (f *RepositoryFactory) Client() *redis.Client {
	return f.redisClient
}

// CreateSessionHistoryRepository returns the Redis repository, or the
// in-memory one when Redis is off.
func (f *RepositoryFactory) CreateSessionHistoryRepository() ports.SessionHistoryRepository {
	if f.UsingRedis() {
		return redisrepo.NewSessionHistoryRepository(f.redisClient, f.historyOpts)
	}
	return memory.NewSessionHistoryRepository(memory.DefaultHistoryCapacity)
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
