package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "streamadapt:"

// HistoryOptions bounds what the Redis archive keeps.
type HistoryOptions struct {
	Retention time.Duration // record TTL, 0 keeps forever
	MaxItems  int64         // size of the recent index, 0 is unbounded
}

// SessionHistoryRepository stores each record as JSON and indexes it in
// two sorted sets scored by archive time: a global one and one per user.
type SessionHistoryRepository struct {
	client *redis.Client
	opts   HistoryOptions
}

// NewSessionHistoryRepository creates a new Redis backed history
// repository.
func NewSessionHistoryRepository(client *redis.Client, opts HistoryOptions) ports.SessionHistoryRepository {
	return &SessionHistoryRepository{client: client, opts: opts}
}

func recordKey(id domain.SessionID) string {
	return keyPrefix + "session:" + string(id)
}

func recentIndexKey() string {
	return keyPrefix + "sessions:recent"
}

func userIndexKey(id domain.UserID) string {
	return keyPrefix + "user:" + string(id) + ":sessions"
}

// Archive stores the record and indexes it by time and user.
func (r *SessionHistoryRepository) Archive(ctx context.Context, record *domain.SessionRecord) error {
	if record == nil || record.Snapshot.ID == "" {
		return domain.ErrInvalidArgument
	}
	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	id := string(record.Snapshot.ID)
	member := redis.Z{Score: float64(record.ArchivedAt.UnixNano()), Member: id}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(record.Snapshot.ID), data, r.opts.Retention)
		pipe.ZAdd(ctx, recentIndexKey(), member)
		if record.Snapshot.UserID != "" {
			pipe.ZAdd(ctx, userIndexKey(record.Snapshot.UserID), member)
		}
		if r.opts.MaxItems > 0 {
			// keep the newest MaxItems entries
			pipe.ZRemRangeByRank(ctx, recentIndexKey(), 0, -r.opts.MaxItems-1)
			if record.Snapshot.UserID != "" {
				pipe.ZRemRangeByRank(ctx, userIndexKey(record.Snapshot.UserID), 0, -r.opts.MaxItems-1)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive session in Redis: %w", err)
	}
	return nil
}

// GetByID returns domain.ErrRecordNotFound for unknown or expired ids.
func (r *SessionHistoryRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, recordKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record from Redis: %w", err)
	}

	var record domain.SessionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &record, nil
}

func (r *SessionHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	return r.listIndex(ctx, recentIndexKey(), limit)
}

// ListByUser returns one user's records, most recent first.
func (r *SessionHistoryRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.SessionRecord, error) {
	return r.listIndex(ctx, userIndexKey(userID), limit)
}

// listIndex reads ids newest first and loads them in one MGET. Records
// that already expired are skipped.
func (r *SessionHistoryRepository) listIndex(ctx context.Context, index string, limit int) ([]*domain.SessionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := r.client.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	records := make([]*domain.SessionRecord, 0, len(ids))
	if len(ids) == 0 {
		return records, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(domain.SessionID(id))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session records: %w", err)
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var record domain.SessionRecord
		if err := json.Unmarshal([]byte(s), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
