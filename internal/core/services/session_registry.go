package services

import (
	"sort"
	"sync"
	"time"

	"streamadapt/internal/core/domain"
)

// SessionRegistry holds the live sessions of one service instance.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*StreamSession
}

// NewSessionRegistry creates a new empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[domain.SessionID]*StreamSession),
	}
}

// Add fails with domain.ErrSessionExists for a duplicate id.
func (r *SessionRegistry) Add(session *StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID()]; exists {
		return domain.ErrSessionExists
	}
	r.sessions[session.ID()] = session
	return nil
}

// Get returns the live session with the given id.
func (r *SessionRegistry) Get(id domain.SessionID) (*StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove reports whether the session was present; only the first caller
// gets true.
func (r *SessionRegistry) Remove(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// HasStream reports whether any registered session watches the stream.
func (r *SessionRegistry) HasStream(videoID domain.StreamID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.VideoID() == videoID {
			return true
		}
	}
	return false
}

// List returns sessions ordered by id.
func (r *SessionRegistry) List() []*StreamSession {
	r.mu.RLock()
	out := make([]*StreamSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount counts sessions that are consuming a rendition.
func (r *SessionRegistry) ActiveCount() int {
	n := 0
	for _, s := range r.List() {
		if s.Status().Active() {
			n++
		}
	}
	return n
}

// TotalBandwidth sums the current rendition bitrate of active sessions.
func (r *SessionRegistry) TotalBandwidth() int64 {
	var total int64
	for _, s := range r.List() {
		if s.Status().Active() {
			total += s.CurrentLevel().Bitrate
		}
	}
	return total
}

func (r *SessionRegistry) AverageSatisfaction(now time.Time) float64 {
	return r.Aggregate(now).AverageSatisfaction
}

// Aggregate computes the dashboard view from one pass over the sessions.
func (r *SessionRegistry) Aggregate(now time.Time) domain.AggregateMetrics {
	agg := domain.AggregateMetrics{Timestamp: now}

	var scoreSum float64
	var scored int
	for _, s := range r.List() {
		snap := s.Snapshot(now)
		agg.TotalSessions++
		if snap.Status.Terminal() {
			continue
		}
		if snap.Status.Active() {
			agg.ActiveSessions++
			agg.TotalBandwidth += snap.CurrentBitrate
		}
		if snap.Status == domain.StatusBuffering {
			agg.BufferingSessions++
		}
		if !snap.StartTime.IsZero() {
			scoreSum += snap.SatisfactionScore
			scored++
		}
	}
	if scored > 0 {
		agg.AverageSatisfaction = scoreSum / float64(scored)
	}
	return agg
}

// AggregateMetricSnapshot exposes the aggregate view to alert rules.
func AggregateMetricSnapshot(agg domain.AggregateMetrics) domain.MetricSnapshot {
	return domain.MetricSnapshot{
		Values: map[string]float64{
			"aggregate.active_sessions":      float64(agg.ActiveSessions),
			"aggregate.buffering_sessions":   float64(agg.BufferingSessions),
			"aggregate.total_bandwidth":      float64(agg.TotalBandwidth),
			"aggregate.average_satisfaction": agg.AverageSatisfaction,
		},
	}
}
