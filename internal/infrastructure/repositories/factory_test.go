package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/infrastructure/repositories/memory"
	redisrepo "streamadapt/internal/infrastructure/repositories/redis"
	"streamadapt/pkg/config"
)

func record(id string) *domain.SessionRecord {
	return &domain.SessionRecord{
		Snapshot:   domain.SessionSnapshot{ID: domain.SessionID(id), VideoID: "video-1", UserID: "u1"},
		ArchivedAt: time.Now(),
	}
}

func TestRepositoryFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	factory := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	defer factory.Close()

	assert.False(t, factory.UsingRedis())
	assert.Nil(t, factory.Client())
	assert.NoError(t, factory.HealthCheck(context.Background()))
	assert.IsType(t, &memory.SessionHistoryRepository{}, factory.CreateSessionHistoryRepository())
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = addr

	factory := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	defer factory.Close()

	assert.False(t, factory.UsingRedis())
	assert.IsType(t, &memory.SessionHistoryRepository{}, factory.CreateSessionHistoryRepository())
}

func TestRepositoryFactory_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = mr.Addr()

	factory := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	defer factory.Close()

	require.True(t, factory.UsingRedis())
	require.NotNil(t, factory.Client())
	assert.NoError(t, factory.HealthCheck(context.Background()))

	repo := factory.CreateSessionHistoryRepository()
	assert.IsType(t, &redisrepo.SessionHistoryRepository{}, repo)

	ctx := context.Background()
	require.NoError(t, repo.Archive(ctx, record("s1")))
	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamID("video-1"), got.Snapshot.VideoID)
}
