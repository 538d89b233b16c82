package services

import (
	"context"
	"fmt"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"
	"streamadapt/pkg/cache"
)

const (
	recentKeyPrefix = "recent:"
	userKeyPrefix   = "user:"
)

// CachedHistoryRepository wraps a SessionHistoryRepository with a TTL
// cache. Archived records never change, so lookups by id stay cached for
// the full TTL; list results are dropped on every Archive.
type CachedHistoryRepository struct {
	base  ports.SessionHistoryRepository
	cache *cache.Cache[any]
	ttl   time.Duration
}

var _ ports.SessionHistoryRepository = (*CachedHistoryRepository)(nil)

// NewCachedHistoryRepository creates a new read-through cache over base.
func NewCachedHistoryRepository(base ports.SessionHistoryRepository, ttl time.Duration, opts ...cache.Option) *CachedHistoryRepository {
	return &CachedHistoryRepository{
		base:  base,
		cache: cache.New[any](ttl, opts...),
		ttl:   ttl,
	}
}

// Archive writes through to base and caches the record.
func (r *CachedHistoryRepository) Archive(ctx context.Context, record *domain.SessionRecord) error {
	if err := r.base.Archive(ctx, record); err != nil {
		return err
	}

	r.cache.Delete(recordKey(record.Snapshot.ID))
	r.cache.Invalidate(recentKeyPrefix)
	r.cache.Invalidate(userKeyPrefix + string(record.Snapshot.UserID) + ":")
	return nil
}

func (r *CachedHistoryRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	value, err := r.cache.GetOrSet(ctx, recordKey(id), func(ctx context.Context) (any, error) {
		return r.base.GetByID(ctx, id)
	}, r.ttl)
	if err != nil {
		return nil, err
	}
	return value.(*domain.SessionRecord), nil
}

// ListRecent is cached per limit for the TTL.
func (r *CachedHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	key := fmt.Sprintf("%s%d", recentKeyPrefix, limit)
	value, err := r.cache.GetOrSet(ctx, key, func(ctx context.Context) (any, error) {
		return r.base.ListRecent(ctx, limit)
	}, r.ttl)
	if err != nil {
		return nil, err
	}
	return value.([]*domain.SessionRecord), nil
}

func (r *CachedHistoryRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.SessionRecord, error) {
	key := fmt.Sprintf("%s%s:%d", userKeyPrefix, userID, limit)
	value, err := r.cache.GetOrSet(ctx, key, func(ctx context.Context) (any, error) {
		return r.base.ListByUser(ctx, userID, limit)
	}, r.ttl)
	if err != nil {
		return nil, err
	}
	return value.([]*domain.SessionRecord), nil
}

// Stats exposes the underlying cache counters.
func (r *CachedHistoryRepository) Stats() cache.Stats {
	return r.cache.GetStats()
}

// Close stops the cache sweeper.
func (r *CachedHistoryRepository) Close() {
	r.cache.Stop()
}

func recordKey(id domain.SessionID) string {
	return "record:" + string(id)
}
