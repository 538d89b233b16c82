package domain

import "time"

type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusPreparing SessionStatus = "preparing"
	StatusStreaming SessionStatus = "streaming"
	StatusPaused    SessionStatus = "paused"
	StatusBuffering SessionStatus = "buffering"
	StatusError     SessionStatus = "error"
	StatusEnded     SessionStatus = "ended"
)

// Active reports whether the session is live and consuming a rendition.
func (s SessionStatus) Active() bool {
	switch s {
	case StatusPreparing, StatusStreaming, StatusPaused, StatusBuffering:
		return true
	}
	return false
}

// Terminal reports whether the session has ended.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded
}

// SessionSnapshot is a read-only copy of a session's state.
type SessionSnapshot struct {
	ID                 SessionID      `json:"id"`
	VideoID            StreamID       `json:"video_id"`
	UserID             UserID         `json:"user_id"`
	Status             SessionStatus  `json:"status"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            time.Time      `json:"end_time,omitempty"`
	CurrentQualityID   QualityID      `json:"current_quality_id"`
	CurrentBitrate     int64          `json:"current_bitrate"`
	QualitySwitchCount int            `json:"quality_switch_count"`
	RecentDowngrades   int            `json:"recent_downgrades"`
	TotalDuration      time.Duration  `json:"total_duration"`
	SatisfactionScore  float64        `json:"satisfaction_score"`
	ConsecutiveErrors  int            `json:"consecutive_errors"`
	FetchFailures      int            `json:"fetch_failures"`
	Fatal              bool           `json:"fatal"`
	LastError          string         `json:"last_error,omitempty"`
	DroppedTicks       int64          `json:"dropped_ticks"`
	Network            NetworkMetrics `json:"network"`
	Buffer             BufferMetrics  `json:"buffer"`
	BufferHealth       BufferHealth   `json:"buffer_health"`
}

// SessionRecord is what gets archived once a session has ended.
type SessionRecord struct {
	Snapshot       SessionSnapshot   `json:"snapshot"`
	QualityHistory []QualitySnapshot `json:"quality_history"`
	ArchivedAt     time.Time         `json:"archived_at"`
}
