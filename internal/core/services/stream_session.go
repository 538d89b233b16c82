package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"

	"go.uber.org/zap"
)

const (
	maxQualityHistory      = 100
	DefaultMaxRetries      = 3
	DefaultTargetBuffer    = 10.0
	DefaultMaxBuffer       = 30.0
	DefaultDowngradeWindow = time.Minute
)

type SessionConfig struct {
	Policy          PolicyConfig
	TargetBuffer    float64
	MaxBuffer       float64
	MaxRetries      int
	EWMAAlpha       float64
	DowngradeWindow time.Duration
}

// DefaultSessionConfig returns the default buffer, retry and policy
// settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Policy:          DefaultPolicyConfig(),
		TargetBuffer:    DefaultTargetBuffer,
		MaxBuffer:       DefaultMaxBuffer,
		MaxRetries:      DefaultMaxRetries,
		EWMAAlpha:       DefaultEWMAAlpha,
		DowngradeWindow: DefaultDowngradeWindow,
	}
}

// StreamSession is the per-viewer state machine. It owns its buffer model,
// adaptation policy and network estimator.
type StreamSession struct {
	id      domain.SessionID
	videoID domain.StreamID
	userID  domain.UserID

	ladder    *QualityLadder
	cfg       SessionConfig
	estimator *NetworkEstimator
	publisher ports.EventPublisher
	recorder  ports.MetricsRecorder
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	status            domain.SessionStatus
	buffer            *BufferModel
	policy            *AdaptationPolicy
	currentLevel      domain.QualityLevel
	startTime         time.Time
	endTime           time.Time
	switchCount       int
	consecutiveErrors int
	fetchFailures     int
	resumeStatus      domain.SessionStatus
	fatal             bool
	lastErr           string
	history           []domain.QualitySnapshot
	downgrades        []time.Time
	qualitySeconds    float64
	qualityMark       time.Time
	totalDuration     time.Duration
	satisfaction      float64
	pending           []domain.Event

	ticking      atomic.Bool
	droppedTicks atomic.Int64
}

type SessionParams struct {
	ID        domain.SessionID
	VideoID   domain.StreamID
	UserID    domain.UserID
	Ladder    *QualityLadder
	Config    SessionConfig
	Publisher ports.EventPublisher
	Recorder  ports.MetricsRecorder
	Logger    *zap.SugaredLogger
}

// NewStreamSession creates a new idle session.
func NewStreamSession(p SessionParams) *StreamSession {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ladder := p.Ladder
	if ladder == nil {
		ladder = DefaultLadder()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamSession{
		id:        p.ID,
		videoID:   p.VideoID,
		userID:    p.UserID,
		ladder:    ladder,
		cfg:       p.Config,
		estimator: NewNetworkEstimator(p.Config.EWMAAlpha, logger),
		publisher: p.Publisher,
		recorder:  p.Recorder,
		logger:    logger.With("session_id", p.ID, "video_id", p.VideoID),
		ctx:       ctx,
		cancel:    cancel,
		status:    domain.StatusIdle,
		buffer:    NewBufferModel(p.Config.TargetBuffer, p.Config.MaxBuffer),
	}
}

func (s *StreamSession) ID() domain.SessionID { return s.id }
func (s *StreamSession) VideoID() domain.StreamID { return s.videoID }
func (s *StreamSession) UserID() domain.UserID { return s.userID }
func (s *StreamSession) Context() context.Context { return s.ctx }
func (s *StreamSession) Estimator() *NetworkEstimator { return s.estimator }

// Status returns the current lifecycle status.
func (s *StreamSession) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CurrentLevel returns the rendition being played.
func (s *StreamSession) CurrentLevel() domain.QualityLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLevel
}

// Start moves idle (or error, when retrying) through preparing to
// streaming. Without a network estimate the session lands in error.
func (s *StreamSession) Start(now time.Time, initialQuality domain.QualityID) error {
	s.mu.Lock()
	err := s.startLocked(now, initialQuality)
	events := s.drainEvents()
	s.mu.Unlock()

	s.publish(events)
	return err
}

func (s *StreamSession) startLocked(now time.Time, initialQuality domain.QualityID) error {
	if s.status != domain.StatusIdle && s.status != domain.StatusError {
		return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, s.status)
	}

	var explicit *domain.QualityLevel
	if initialQuality != "" {
		level, ok := s.ladder.ByID(initialQuality)
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownQuality, initialQuality)
		}
		explicit = &level
	}

	s.setStatusLocked(domain.StatusPreparing, now)

	if !s.estimator.HasEstimate() {
		s.failLocked(domain.ErrNoNetworkEstimate, now)
		return domain.ErrNoNetworkEstimate
	}

	if s.policy == nil {
		var initial domain.QualityLevel
		if explicit != nil {
			initial = *explicit
		} else {
			initial = s.ladder.Pick(s.estimator.Current().Bandwidth, s.cfg.Policy.SafetyFactor)
		}
		s.policy = NewAdaptationPolicy(s.ladder, s.cfg.Policy, initial, now)
		s.startTime = now
		s.qualityMark = now
		s.currentLevel = initial
		s.appendHistoryLocked(domain.Decision{
			Level:  initial,
			Reason: domain.ReasonInitial,
			At:     now,
		})
		s.recordDecision(domain.Decision{Level: initial, Reason: domain.ReasonInitial, Switched: true, At: now})
		s.pending = append(s.pending, domain.NewEvent(domain.EventSessionStarted, s.id, s.videoID, now, map[string]interface{}{
			"user_id":    s.userID,
			"quality_id": initial.ID,
		}))
		if s.recorder != nil {
			s.recorder.RecordSessionStarted(s.videoID)
		}
	} else if explicit != nil && explicit.ID != s.currentLevel.ID {
		s.applyDecisionLocked(s.policy.ManualSwitch(*explicit, now))
	}

	s.consecutiveErrors = 0
	s.lastErr = ""
	s.setStatusLocked(s.restoreStatusLocked(), now)
	s.leaveBufferingLocked(now)

	s.logger.Infow("session streaming",
		"quality", s.currentLevel.ID,
		"bandwidth", s.estimator.Current().Bandwidth,
	)
	return nil
}

// restoreStatusLocked is the status a restarted session goes back to. A
// session that was paused or buffering before an error stays that way.
func (s *StreamSession) restoreStatusLocked() domain.SessionStatus {
	status := s.resumeStatus
	s.resumeStatus = ""
	switch status {
	case domain.StatusPaused, domain.StatusBuffering:
		return status
	}
	return domain.StatusStreaming
}

// Pause is a no-op when already paused.
func (s *StreamSession) Pause(now time.Time) error {
	return s.transition(now, func() error {
		switch s.status {
		case domain.StatusPaused:
			return nil
		case domain.StatusStreaming:
			s.setStatusLocked(domain.StatusPaused, now)
			return nil
		}
		return fmt.Errorf("%w: pause from %s", domain.ErrInvalidTransition, s.status)
	})
}

// Resume is a no-op when already streaming.
func (s *StreamSession) Resume(now time.Time) error {
	return s.transition(now, func() error {
		switch s.status {
		case domain.StatusStreaming:
			return nil
		case domain.StatusPaused:
			s.setStatusLocked(domain.StatusStreaming, now)
			return nil
		}
		return fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, s.status)
	})
}

// ChangeQuality is a manual override and does not reset the policy cooldown.
func (s *StreamSession) ChangeQuality(id domain.QualityID, now time.Time) (domain.Decision, error) {
	var decision domain.Decision
	err := s.transition(now, func() error {
		if s.status != domain.StatusStreaming && s.status != domain.StatusPaused {
			return fmt.Errorf("%w: change quality in %s", domain.ErrInvalidTransition, s.status)
		}
		level, ok := s.ladder.ByID(id)
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownQuality, id)
		}
		decision = s.policy.ManualSwitch(level, now)
		s.applyDecisionLocked(decision)
		return nil
	})
	return decision, err
}

// Stop ends the session from any state and finalizes its score.
func (s *StreamSession) Stop(now time.Time) error {
	return s.transition(now, func() error {
		if s.status == domain.StatusEnded {
			return nil
		}
		s.finalizeLocked(now)
		return nil
	})
}

// Fail records an error transition. Past MaxRetries consecutive errors the
// session ends as fatal.
func (s *StreamSession) Fail(cause error, now time.Time) error {
	return s.transition(now, func() error {
		if s.status == domain.StatusEnded {
			return domain.ErrSessionEnded
		}
		s.failLocked(cause, now)
		return nil
	})
}

// RecordFetchFailure notes a segment that could not be fetched. The
// session keeps its status; the failure only shows up in its counters.
func (s *StreamSession) RecordFetchFailure(cause error, now time.Time) error {
	return s.transition(now, func() error {
		if s.status == domain.StatusEnded {
			return domain.ErrSessionEnded
		}
		s.fetchFailures++
		if cause != nil {
			s.lastErr = cause.Error()
		}
		s.pending = append(s.pending, domain.NewEvent(domain.EventSegmentFailed, s.id, s.videoID, now, map[string]interface{}{
			"error":          s.lastErr,
			"fetch_failures": s.fetchFailures,
		}))
		s.logger.Warnw("segment fetch failure",
			"error", s.lastErr,
			"fetch_failures", s.fetchFailures,
			"status", s.status,
		)
		return nil
	})
}

// Observe feeds a raw network sample to the session's estimator.
func (s *StreamSession) Observe(sample domain.NetworkSample) bool {
	return s.estimator.Observe(sample)
}

// RecordPlayback drains played seconds while streaming. Starvation moves
// the session to buffering.
func (s *StreamSession) RecordPlayback(seconds float64, now time.Time) error {
	return s.transition(now, func() error {
		switch s.status {
		case domain.StatusEnded:
			return domain.ErrSessionEnded
		case domain.StatusStreaming:
		default:
			return nil
		}
		if s.buffer.Drain(seconds) {
			if s.recorder != nil {
				s.recorder.RecordUnderrun(s.videoID)
			}
			s.pending = append(s.pending, domain.NewEvent(domain.EventBufferStarved, s.id, s.videoID, now, s.buffer.Metrics()))
			s.setStatusLocked(domain.StatusBuffering, now)
		}
		return nil
	})
}

// RecordSegment adds downloaded media seconds to the buffer.
func (s *StreamSession) RecordSegment(seconds float64, now time.Time) error {
	return s.transition(now, func() error {
		if s.status == domain.StatusEnded {
			return domain.ErrSessionEnded
		}
		s.buffer.Fill(seconds)
		s.leaveBufferingLocked(now)
		return nil
	})
}

// Tick runs one adaptation step. Overlapping calls are dropped and reported
// with ok=false.
func (s *StreamSession) Tick(now time.Time) (decision domain.Decision, ok bool) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.droppedTicks.Add(1)
		return domain.Decision{}, false
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	switch s.status {
	case domain.StatusError:
		if err := s.startLocked(now, ""); err != nil {
			s.logger.Debugw("session restart failed", "error", err, "attempt", s.consecutiveErrors)
		}
	case domain.StatusBuffering:
		s.leaveBufferingLocked(now)
	}

	if s.status == domain.StatusStreaming || s.status == domain.StatusBuffering {
		decision = s.policy.Evaluate(s.estimator.Current(), s.buffer.Metrics(), now)
		if decision.Switched {
			s.applyDecisionLocked(decision)
		}
		ok = true
	}
	events := s.drainEvents()
	s.mu.Unlock()

	s.publish(events)
	return decision, ok
}

func (s *StreamSession) leaveBufferingLocked(now time.Time) {
	if s.status == domain.StatusBuffering && s.buffer.Health() != domain.BufferCritical {
		s.setStatusLocked(domain.StatusStreaming, now)
	}
}

func (s *StreamSession) transition(now time.Time, fn func() error) error {
	s.mu.Lock()
	err := fn()
	events := s.drainEvents()
	s.mu.Unlock()

	s.publish(events)
	return err
}

func (s *StreamSession) failLocked(cause error, now time.Time) {
	s.consecutiveErrors++
	if cause != nil {
		s.lastErr = cause.Error()
	}
	switch s.status {
	case domain.StatusStreaming, domain.StatusPaused, domain.StatusBuffering:
		s.resumeStatus = s.status
	}
	s.setStatusLocked(domain.StatusError, now)

	if s.consecutiveErrors > s.cfg.MaxRetries || errors.Is(cause, domain.ErrPayloadCorrupt) {
		s.fatal = true
		s.logger.Errorw("session failed permanently",
			"error", s.lastErr,
			"consecutive_errors", s.consecutiveErrors,
		)
		s.pending = append(s.pending, domain.NewEvent(domain.EventSessionFatal, s.id, s.videoID, now, map[string]interface{}{
			"error":              s.lastErr,
			"consecutive_errors": s.consecutiveErrors,
		}))
		s.finalizeLocked(now)
		return
	}

	s.logger.Warnw("session error",
		"error", s.lastErr,
		"consecutive_errors", s.consecutiveErrors,
		"max_retries", s.cfg.MaxRetries,
	)
}

func (s *StreamSession) finalizeLocked(now time.Time) {
	s.markQualityLocked(now)
	s.endTime = now
	if !s.startTime.IsZero() {
		s.totalDuration = now.Sub(s.startTime)
	}
	s.satisfaction = s.scoreLocked(now)
	s.setStatusLocked(domain.StatusEnded, now)
	s.cancel()

	s.pending = append(s.pending, domain.NewEvent(domain.EventSessionEnded, s.id, s.videoID, now, map[string]interface{}{
		"fatal":              s.fatal,
		"total_duration":     s.totalDuration.Seconds(),
		"satisfaction_score": s.satisfaction,
	}))
	if s.recorder != nil {
		s.recorder.RecordSessionEnded(s.videoID, s.fatal, s.satisfaction, s.totalDuration)
	}
	s.logger.Infow("session ended",
		"fatal", s.fatal,
		"duration", s.totalDuration,
		"switches", s.switchCount,
		"satisfaction", s.satisfaction,
	)
}

func (s *StreamSession) applyDecisionLocked(decision domain.Decision) {
	if !decision.Switched {
		return
	}
	s.markQualityLocked(decision.At)
	s.currentLevel = decision.Level
	s.switchCount++
	s.appendHistoryLocked(decision)

	if decision.Reason == domain.ReasonDowngrade || decision.Reason == domain.ReasonBufferCritical {
		s.downgrades = append(s.downgrades, decision.At)
		s.pruneDowngradesLocked(decision.At)
	}

	s.recordDecision(decision)
	s.pending = append(s.pending, domain.NewEvent(domain.EventQualityChange, s.id, s.videoID, decision.At, decision))
	s.logger.Infow("quality switch",
		"from", decision.Previous.ID,
		"to", decision.Level.ID,
		"reason", decision.Reason,
	)
}

func (s *StreamSession) recordDecision(decision domain.Decision) {
	if s.recorder != nil {
		s.recorder.RecordDecision(decision)
	}
}

func (s *StreamSession) appendHistoryLocked(decision domain.Decision) {
	s.history = append(s.history, domain.QualitySnapshot{
		From:      decision.Previous.ID,
		To:        decision.Level.ID,
		Reason:    decision.Reason,
		Timestamp: decision.At,
		Bandwidth: s.estimator.Current().Bandwidth,
	})
	if len(s.history) > maxQualityHistory {
		s.history = s.history[len(s.history)-maxQualityHistory:]
	}
}

func (s *StreamSession) pruneDowngradesLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.DowngradeWindow)
	i := 0
	for i < len(s.downgrades) && s.downgrades[i].Before(cutoff) {
		i++
	}
	s.downgrades = s.downgrades[i:]
}

func (s *StreamSession) recentDowngradesLocked(now time.Time) int {
	cutoff := now.Add(-s.cfg.DowngradeWindow)
	n := 0
	for _, t := range s.downgrades {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// markQualityLocked accrues time spent on the current level.
func (s *StreamSession) markQualityLocked(now time.Time) {
	if s.qualityMark.IsZero() || s.status == domain.StatusEnded {
		return
	}
	if elapsed := now.Sub(s.qualityMark).Seconds(); elapsed > 0 {
		s.qualitySeconds += elapsed * s.ladder.Position(s.currentLevel.ID)
	}
	s.qualityMark = now
}

func (s *StreamSession) scoreLocked(now time.Time) float64 {
	if s.startTime.IsZero() {
		return 0
	}
	end := now
	if s.status == domain.StatusEnded {
		end = s.endTime
	}
	duration := end.Sub(s.startTime)

	qualitySeconds := s.qualitySeconds
	if s.status != domain.StatusEnded && !s.qualityMark.IsZero() {
		if elapsed := now.Sub(s.qualityMark).Seconds(); elapsed > 0 {
			qualitySeconds += elapsed * s.ladder.Position(s.currentLevel.ID)
		}
	}

	avgQuality := s.ladder.Position(s.currentLevel.ID)
	if duration > 0 {
		avgQuality = qualitySeconds / duration.Seconds()
	}
	return SatisfactionScore(s.buffer.Metrics().Underruns, duration, avgQuality)
}

// SatisfactionScore weighs playback continuity against the average ladder
// position reached. Result is in [0,100].
func SatisfactionScore(underruns int, duration time.Duration, avgQuality float64) float64 {
	continuity := 1 - float64(underruns)/math.Max(1, duration.Minutes())
	continuity = clamp01(continuity)
	return 100 * (0.6*continuity + 0.4*clamp01(avgQuality))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (s *StreamSession) setStatusLocked(status domain.SessionStatus, now time.Time) {
	if s.status == status {
		return
	}
	prev := s.status
	s.status = status
	s.pending = append(s.pending, domain.NewEvent(domain.EventStatusChanged, s.id, s.videoID, now, map[string]interface{}{
		"from": prev,
		"to":   status,
	}))
}

func (s *StreamSession) drainEvents() []domain.Event {
	events := s.pending
	s.pending = nil
	return events
}

func (s *StreamSession) publish(events []domain.Event) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := s.publisher.Publish(context.Background(), ev); err != nil {
			s.logger.Debugw("failed to publish session event", "type", ev.Type, "error", err)
		}
	}
}

// Snapshot returns a copy of the session state; live sessions carry a
// provisional satisfaction score.
func (s *StreamSession) Snapshot(now time.Time) domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	buffer := s.buffer.Metrics()
	snap := domain.SessionSnapshot{
		ID:                 s.id,
		VideoID:            s.videoID,
		UserID:             s.userID,
		Status:             s.status,
		StartTime:          s.startTime,
		EndTime:            s.endTime,
		CurrentQualityID:   s.currentLevel.ID,
		CurrentBitrate:     s.currentLevel.Bitrate,
		QualitySwitchCount: s.switchCount,
		RecentDowngrades:   s.recentDowngradesLocked(now),
		TotalDuration:      s.totalDuration,
		ConsecutiveErrors:  s.consecutiveErrors,
		FetchFailures:      s.fetchFailures,
		Fatal:              s.fatal,
		LastError:          s.lastErr,
		DroppedTicks:       s.droppedTicks.Load(),
		Network:            s.estimator.Current(),
		Buffer:             buffer,
		BufferHealth:       buffer.Health(),
	}
	if s.status == domain.StatusEnded {
		snap.SatisfactionScore = s.satisfaction
	} else {
		snap.SatisfactionScore = s.scoreLocked(now)
		if !s.startTime.IsZero() {
			snap.TotalDuration = now.Sub(s.startTime)
		}
	}
	return snap
}

// QualityHistory returns a copy of the last quality switches, oldest first.
func (s *StreamSession) QualityHistory() []domain.QualitySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QualitySnapshot, len(s.history))
	copy(out, s.history)
	return out
}

// Record builds the archive entry for an ended session.
func (s *StreamSession) Record(now time.Time) *domain.SessionRecord {
	return &domain.SessionRecord{
		Snapshot:       s.Snapshot(now),
		QualityHistory: s.QualityHistory(),
		ArchivedAt:     now,
	}
}

// MetricValues exposes the session's watched metrics for alert rules.
func (s *StreamSession) MetricValues(now time.Time) domain.MetricSnapshot {
	snap := s.Snapshot(now)
	return SessionMetricSnapshot(snap)
}

// SessionMetricSnapshot maps a snapshot onto the metric paths alert rules
// watch.
func SessionMetricSnapshot(snap domain.SessionSnapshot) domain.MetricSnapshot {
	values := map[string]float64{
		"buffer.current":             snap.Buffer.Current,
		"buffer.ratio":               snap.Buffer.Ratio(),
		"buffer.underruns":           float64(snap.Buffer.Underruns),
		"session.quality_switches":   float64(snap.QualitySwitchCount),
		"session.recent_downgrades":  float64(snap.RecentDowngrades),
		"session.consecutive_errors": float64(snap.ConsecutiveErrors),
		"session.fetch_failures":     float64(snap.FetchFailures),
	}
	if snap.Network.SampleCount > 0 {
		values["network.bandwidth"] = snap.Network.Bandwidth
		values["network.latency_ms"] = float64(snap.Network.Latency.Milliseconds())
		values["network.packet_loss"] = snap.Network.PacketLoss
		values["network.jitter_ms"] = float64(snap.Network.Jitter.Milliseconds())
	}
	return domain.MetricSnapshot{SessionID: snap.ID, Values: values}
}
