package redis

import (
	"context"
	"fmt"
	"time"

	"streamadapt/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const migrationLockKey = keyPrefix + "lock:migrate"

// NewRedisClient creates a Redis client with connection pooling, pings it
// and runs pending migrations.
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// one instance migrates at a time
	err := distributed.WithLock(ctx, client, migrationLockKey, 10*time.Second, func(ctx context.Context) error {
		return Migrate(ctx, client, logger)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}

	return client, nil
}

// CloseRedisClient closes the client if it is not nil.
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
