package memory

import (
	"context"
	"sync"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"
)

// DefaultHistoryCapacity bounds the in-memory archive.
const DefaultHistoryCapacity = 10000

// SessionHistoryRepository keeps archived sessions in insertion order and
// drops the oldest once capacity is reached.
type SessionHistoryRepository struct {
	mu       sync.RWMutex
	records  map[domain.SessionID]*domain.SessionRecord
	order    []domain.SessionID
	capacity int
}

// NewSessionHistoryRepository creates a new in-memory repository holding at
// most capacity records.
func NewSessionHistoryRepository(capacity int) ports.SessionHistoryRepository {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &SessionHistoryRepository{
		records:  make(map[domain.SessionID]*domain.SessionRecord),
		capacity: capacity,
	}
}

// Archive stores the record, dropping the oldest one when full.
func (r *SessionHistoryRepository) Archive(ctx context.Context, record *domain.SessionRecord) error {
	if record == nil || record.Snapshot.ID == "" {
		return domain.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := record.Snapshot.ID
	if _, exists := r.records[id]; exists {
		r.removeFromOrder(id)
	}
	r.records[id] = record
	r.order = append(r.order, id)

	for len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.records, oldest)
	}
	return nil
}

func (r *SessionHistoryRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrRecordNotFound
	}
	return record, nil
}

// ListRecent returns up to limit records, newest first. limit <= 0
// returns everything.
func (r *SessionHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	return r.collect(limit, func(*domain.SessionRecord) bool { return true }), nil
}

// ListByUser returns one user's records, most recent first.
func (r *SessionHistoryRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.SessionRecord, error) {
	return r.collect(limit, func(rec *domain.SessionRecord) bool {
		return rec.Snapshot.UserID == userID
	}), nil
}

func (r *SessionHistoryRepository) collect(limit int, keep func(*domain.SessionRecord) bool) []*domain.SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.SessionRecord, 0)
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.records[r.order[i]]
		if !keep(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *SessionHistoryRepository) removeFromOrder(id domain.SessionID) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
