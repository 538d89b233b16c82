package ports

import (
	"context"
	"time"

	"streamadapt/internal/core/domain"
)

// EventPublisher receives core notifications. Implementations must not
// block the caller for long.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// EventSubscriber hands out an event channel and an unsubscribe func.
type EventSubscriber interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// SegmentFetcher is the external media-fetch layer.
type SegmentFetcher interface {
	Fetch(ctx context.Context, key domain.SegmentKey) (*domain.SegmentFetchResult, error)
}

// MetricsRecorder is implemented by the monitoring collector.
type MetricsRecorder interface {
	RecordSessionStarted(videoID domain.StreamID)
	RecordSessionEnded(videoID domain.StreamID, fatal bool, satisfaction float64, duration time.Duration)
	RecordDecision(decision domain.Decision)
	RecordUnderrun(videoID domain.StreamID)
	RecordCacheLookup(streamID domain.StreamID, hit bool)
	RecordCacheEviction(streamID domain.StreamID, count int)
	RecordCacheBypass(streamID domain.StreamID)
	UpdateCacheSize(streamID domain.StreamID, bytes int64)
	RecordSegmentFetch(duration time.Duration, err error)
	RecordAlert(alert domain.Alert)
	UpdateAggregates(agg domain.AggregateMetrics, openAlerts int)
}

// StartStreamRequest carries everything needed to create a session.
type StartStreamRequest struct {
	VideoID          domain.StreamID
	UserID           domain.UserID
	InitialQualityID domain.QualityID
	InitialSample    *domain.NetworkSample
	Overrides        SessionOverrides
}

// SessionOverrides are per-session settings; nil fields inherit the
// global value.
type SessionOverrides struct {
	SwitchCooldown *time.Duration `json:"switch_cooldown,omitempty"`
	SafetyFactor   *float64       `json:"safety_factor,omitempty"`
	MaxBuffer      *float64       `json:"max_buffer,omitempty"`
	TargetBuffer   *float64       `json:"target_buffer,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
	EWMAAlpha      *float64       `json:"ewma_alpha,omitempty"`
}

// StreamingService is the in-process API consumed by handlers.
type StreamingService interface {
	StartStream(ctx context.Context, req StartStreamRequest) (*domain.SessionSnapshot, error)
	StopStream(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error)
	PauseStream(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error)
	ResumeStream(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error)
	ChangeQuality(ctx context.Context, id domain.SessionID, quality domain.QualityID) (*domain.SessionSnapshot, error)
	ObserveNetwork(ctx context.Context, id domain.SessionID, sample domain.NetworkSample) error
	RecordPlayback(ctx context.Context, id domain.SessionID, seconds float64) (*domain.SessionSnapshot, error)
	IngestSegment(ctx context.Context, id domain.SessionID, result *domain.SegmentFetchResult) error
	LoadSegment(ctx context.Context, id domain.SessionID, index int) (*domain.SegmentFetchResult, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error)
	QualityHistory(ctx context.Context, id domain.SessionID) ([]domain.QualitySnapshot, error)
	ListSessions(ctx context.Context) []domain.SessionSnapshot
	Aggregates(ctx context.Context) domain.AggregateMetrics
	Ladder() []domain.QualityLevel
	Alerts(ctx context.Context, openOnly bool) []domain.Alert
	AcknowledgeAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	History(ctx context.Context, limit int) ([]*domain.SessionRecord, error)
	UserHistory(ctx context.Context, userID domain.UserID, limit int) ([]*domain.SessionRecord, error)
	ArchivedSession(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	CacheStats(ctx context.Context, streamID domain.StreamID) (domain.CacheStats, bool)
}
