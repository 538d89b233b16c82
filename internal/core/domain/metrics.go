package domain

import "time"

// NetworkSample is a raw probe reading as supplied by the client.
type NetworkSample struct {
	Bandwidth  float64       `json:"bandwidth"` // bits per second
	Latency    time.Duration `json:"latency"`
	PacketLoss float64       `json:"packet_loss"` // 0-1
	Jitter     time.Duration `json:"jitter"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NetworkMetrics is the smoothed estimate.
type NetworkMetrics struct {
	Bandwidth   float64       `json:"bandwidth"`
	Latency     time.Duration `json:"latency"`
	PacketLoss  float64       `json:"packet_loss"`
	Jitter      time.Duration `json:"jitter"`
	SampleCount int           `json:"sample_count"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type BufferHealth string

const (
	BufferHealthy  BufferHealth = "healthy"
	BufferLow      BufferHealth = "low"
	BufferCritical BufferHealth = "critical"
)

// BufferMetrics values are in seconds of media.
type BufferMetrics struct {
	Current   float64 `json:"current"`
	Target    float64 `json:"target"`
	Max       float64 `json:"max"`
	Underruns int     `json:"underruns"`
	Overruns  int     `json:"overruns"`
}

// Ratio returns Current/Target. A zero target counts as fully satisfied.
func (b BufferMetrics) Ratio() float64 {
	if b.Target <= 0 {
		return 1
	}
	return b.Current / b.Target
}

// Health buckets the fill ratio against the target.
func (b BufferMetrics) Health() BufferHealth {
	r := b.Ratio()
	switch {
	case r >= 0.8:
		return BufferHealthy
	case r >= 0.3:
		return BufferLow
	default:
		return BufferCritical
	}
}

// AggregateMetrics is the registry-wide view shown on dashboards.
type AggregateMetrics struct {
	ActiveSessions      int       `json:"active_sessions"`
	BufferingSessions   int       `json:"buffering_sessions"`
	TotalSessions       int       `json:"total_sessions"`
	TotalBandwidth      int64     `json:"total_bandwidth"`
	AverageSatisfaction float64   `json:"average_satisfaction"`
	Timestamp           time.Time `json:"timestamp"`
}
