package ports

import (
	"context"

	"streamadapt/internal/core/domain"
)

// SessionHistoryRepository archives ended sessions. Never read back into
// the live registry.
type SessionHistoryRepository interface {
	Archive(ctx context.Context, record *domain.SessionRecord) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error)
	ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.SessionRecord, error)
}
