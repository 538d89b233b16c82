package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewRedisClient_MigratesOnConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(mr.Addr(), "", 0, 4, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer CloseRedisClient(client)

	version, err := getSchemaVersion(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
	assert.False(t, mr.Exists(migrationLockKey), "migration lock is released")
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(addr, "", 0, 1, nil)
	assert.Error(t, err)
	assert.NoError(t, CloseRedisClient(nil))
}
