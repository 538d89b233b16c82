package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const archiveTimeout = 5 * time.Second

// ServiceConfig is the global configuration; per-session overrides are
// merged on top of Session.
type ServiceConfig struct {
	Session      SessionConfig
	TickInterval time.Duration
	CacheMaxSize int64
	Ladder       []domain.QualityLevel
	AlertRules   []domain.AlertRule
	Loader       LoaderConfig
}

// DefaultServiceConfig returns the default ladder, alert rules and session
// settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Session:      DefaultSessionConfig(),
		TickInterval: DefaultTickInterval,
		CacheMaxSize: DefaultMaxCacheSize,
		Ladder:       DefaultLadder().Levels(),
		AlertRules:   DefaultAlertRules(),
		Loader:       DefaultLoaderConfig(),
	}
}

// ServiceDeps are the external collaborators. Every field is optional.
type ServiceDeps struct {
	Fetcher   ports.SegmentFetcher
	Publisher ports.EventPublisher
	History   ports.SessionHistoryRepository
	Recorder  ports.MetricsRecorder
	Logger    *zap.SugaredLogger
	Clock     func() time.Time
}

// StreamingService wires sessions, caches, alerts and history together.
type StreamingService struct {
	cfg       ServiceConfig
	ladder    *QualityLadder
	registry  *SessionRegistry
	caches    *SegmentCacheStore
	loader    *SegmentLoader
	runner    *SessionRunner
	alerts    *AlertEmitter
	history   ports.SessionHistoryRepository
	publisher ports.EventPublisher
	recorder  ports.MetricsRecorder
	logger    *zap.SugaredLogger
	now       func() time.Time

	closed      atomic.Bool
	monitorStop chan struct{}
	monitorDone chan struct{}
	stopOnce    sync.Once
}

var _ ports.StreamingService = (*StreamingService)(nil)

// NewStreamingService creates a new service and starts its aggregate
// monitor.
func NewStreamingService(cfg ServiceConfig, deps ServiceDeps) (*StreamingService, error) {
	ladder, err := NewQualityLadder(cfg.Ladder)
	if err != nil {
		return nil, fmt.Errorf("quality ladder: %w", err)
	}
	if err := validateSessionConfig(cfg.Session); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	alerts, err := NewAlertEmitter(cfg.AlertRules, deps.Publisher, deps.Recorder, logger.Named("alerts"))
	if err != nil {
		return nil, err
	}

	caches := NewSegmentCacheStore(cfg.CacheMaxSize, now)
	s := &StreamingService{
		cfg:         cfg,
		ladder:      ladder,
		registry:    NewSessionRegistry(),
		caches:      caches,
		loader:      NewSegmentLoader(caches, deps.Fetcher, cfg.Loader, deps.Publisher, deps.Recorder, logger.Named("loader")),
		runner:      NewSessionRunner(cfg.TickInterval, now, logger.Named("runner")),
		alerts:      alerts,
		history:     deps.History,
		publisher:   deps.Publisher,
		recorder:    deps.Recorder,
		logger:      logger,
		now:         now,
		monitorStop: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}

	go s.monitor(cfg.TickInterval)

	logger.Infow("streaming service started",
		"ladder_levels", ladder.Len(),
		"alert_rules", len(cfg.AlertRules),
		"tick_interval", s.runner.interval,
	)
	return s, nil
}

// monitor refreshes aggregate gauges and evaluates aggregate alert rules.
func (s *StreamingService) monitor(interval time.Duration) {
	defer close(s.monitorDone)
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.monitorStop:
			return
		case <-ticker.C:
			now := s.now()
			agg := s.registry.Aggregate(now)
			s.alerts.Evaluate(AggregateMetricSnapshot(agg), now)
			if s.recorder != nil {
				s.recorder.UpdateAggregates(agg, s.alerts.OpenCount())
			}
		}
	}
}

func (s *StreamingService) onTick(session *StreamSession, _ domain.Decision, _ bool, now time.Time) {
	if session.Status().Terminal() {
		s.retire(session, now, false)
		return
	}
	s.alerts.Evaluate(session.MetricValues(now), now)
}

// StartStream creates a session and starts its runner. Without a network
// estimate the session starts in error and retries on each tick.
func (s *StreamingService) StartStream(ctx context.Context, req ports.StartStreamRequest) (*domain.SessionSnapshot, error) {
	if s.closed.Load() {
		return nil, domain.ErrShuttingDown
	}
	if req.VideoID == "" {
		return nil, fmt.Errorf("%w: video id is required", domain.ErrInvalidArgument)
	}
	if req.InitialQualityID != "" {
		if _, ok := s.ladder.ByID(req.InitialQualityID); !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownQuality, req.InitialQualityID)
		}
	}
	settings, err := MergeSessionConfig(s.cfg.Session, req.Overrides)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := NewStreamSession(SessionParams{
		ID:        domain.SessionID(uuid.New().String()),
		VideoID:   req.VideoID,
		UserID:    req.UserID,
		Ladder:    s.ladder,
		Config:    settings,
		Publisher: s.publisher,
		Recorder:  s.recorder,
		Logger:    s.logger.Named("session"),
	})

	if req.InitialSample != nil {
		sample := *req.InitialSample
		if sample.Timestamp.IsZero() {
			sample.Timestamp = now
		}
		if !session.Observe(sample) {
			return nil, fmt.Errorf("%w: malformed network sample", domain.ErrInvalidArgument)
		}
	}

	if err := s.registry.Add(session); err != nil {
		return nil, err
	}

	// Without an estimate the session sits in error and the runner keeps
	// retrying until samples arrive or retries run out.
	if err := session.Start(now, req.InitialQualityID); err != nil && !errors.Is(err, domain.ErrNoNetworkEstimate) {
		s.registry.Remove(session.ID())
		return nil, err
	}
	if session.Status().Terminal() {
		s.retire(session, now, false)
	} else {
		s.runner.Start(session, s.onTick)
	}

	snap := session.Snapshot(now)
	return &snap, nil
}

// StopStream ends and archives a live session. For an archived id it
// returns the stored snapshot.
func (s *StreamingService) StopStream(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error) {
	session, ok := s.registry.Get(id)
	if !ok {
		return s.archivedSnapshot(ctx, id)
	}

	s.runner.Stop(id)
	now := s.now()
	if err := session.Stop(now); err != nil {
		return nil, err
	}
	s.retire(session, now, false)

	snap := session.Snapshot(now)
	return &snap, nil
}

// PauseStream pauses a streaming session.
func (s *StreamingService) PauseStream(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error) {
	return s.withSession(id, func(session *StreamSession, now time.Time) error {
		return session.Pause(now)
	})
}

func (s *StreamingService) ResumeStream(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error) {
	return s.withSession(id, func(session *StreamSession, now time.Time) error {
		return session.Resume(now)
	})
}

// ChangeQuality switches to the given rendition immediately.
func (s *StreamingService) ChangeQuality(ctx context.Context, id domain.SessionID, quality domain.QualityID) (*domain.SessionSnapshot, error) {
	return s.withSession(id, func(session *StreamSession, now time.Time) error {
		_, err := session.ChangeQuality(quality, now)
		return err
	})
}

// ObserveNetwork feeds a sample to the session's estimator. A zero
// timestamp means now.
func (s *StreamingService) ObserveNetwork(ctx context.Context, id domain.SessionID, sample domain.NetworkSample) error {
	session, ok := s.registry.Get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	if !session.Observe(sample) {
		return fmt.Errorf("%w: malformed network sample", domain.ErrInvalidArgument)
	}
	return nil
}

// RecordPlayback drains played seconds from the session buffer.
func (s *StreamingService) RecordPlayback(ctx context.Context, id domain.SessionID, seconds float64) (*domain.SessionSnapshot, error) {
	if seconds < 0 {
		return nil, fmt.Errorf("%w: playback seconds must be non-negative", domain.ErrInvalidArgument)
	}
	return s.withSession(id, func(session *StreamSession, now time.Time) error {
		return session.RecordPlayback(seconds, now)
	})
}

// IngestSegment accepts a segment pushed by the fetch layer. A corrupt
// payload ends the session as fatal.
func (s *StreamingService) IngestSegment(ctx context.Context, id domain.SessionID, res *domain.SegmentFetchResult) error {
	if res == nil {
		return fmt.Errorf("%w: segment is required", domain.ErrInvalidArgument)
	}
	if res.Duration < 0 {
		return fmt.Errorf("%w: segment duration must be non-negative", domain.ErrInvalidArgument)
	}
	session, ok := s.registry.Get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	switch res.Key.StreamID {
	case "":
		res.Key.StreamID = session.VideoID()
	case session.VideoID():
	default:
		return fmt.Errorf("%w: segment belongs to stream %s", domain.ErrInvalidArgument, res.Key.StreamID)
	}
	if res.Key.QualityID == "" {
		res.Key.QualityID = session.CurrentLevel().ID
	}

	opCtx, cancel := sessionContext(ctx, session)
	defer cancel()

	if _, err := s.loader.Store(opCtx, id, res); err != nil {
		s.reportSegmentError(session, err)
		return err
	}
	return session.RecordSegment(res.Duration, s.now())
}

// LoadSegment pulls the segment at index for the session's current
// rendition and credits its duration to the buffer.
func (s *StreamingService) LoadSegment(ctx context.Context, id domain.SessionID, index int) (*domain.SegmentFetchResult, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: segment index must be non-negative", domain.ErrInvalidArgument)
	}
	session, ok := s.registry.Get(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if session.Status().Terminal() {
		return nil, domain.ErrSessionEnded
	}

	key := domain.SegmentKey{
		StreamID:     session.VideoID(),
		QualityID:    session.CurrentLevel().ID,
		SegmentIndex: index,
	}

	opCtx, cancel := sessionContext(ctx, session)
	defer cancel()

	res, _, err := s.loader.Load(opCtx, id, key)
	if err != nil {
		s.reportSegmentError(session, err)
		return nil, err
	}
	if err := session.RecordSegment(res.Duration, s.now()); err != nil {
		return nil, err
	}
	return res, nil
}

// reportSegmentError keeps fetch failures local to the segment. Only a
// corrupt payload fails the session.
func (s *StreamingService) reportSegmentError(session *StreamSession, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	now := s.now()
	if !errors.Is(err, domain.ErrPayloadCorrupt) {
		_ = session.RecordFetchFailure(err, now)
		return
	}
	if failErr := session.Fail(err, now); failErr != nil {
		return
	}
	if session.Status().Terminal() {
		s.retire(session, now, true)
	}
}

// GetSession returns a live snapshot or the archived one.
func (s *StreamingService) GetSession(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error) {
	if session, ok := s.registry.Get(id); ok {
		snap := session.Snapshot(s.now())
		return &snap, nil
	}
	return s.archivedSnapshot(ctx, id)
}

// QualityHistory returns the session's recent quality switches, live or
// archived.
func (s *StreamingService) QualityHistory(ctx context.Context, id domain.SessionID) ([]domain.QualitySnapshot, error) {
	if session, ok := s.registry.Get(id); ok {
		return session.QualityHistory(), nil
	}
	record, err := s.ArchivedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return record.QualityHistory, nil
}

// ListSessions returns snapshots of the live sessions.
func (s *StreamingService) ListSessions(ctx context.Context) []domain.SessionSnapshot {
	now := s.now()
	sessions := s.registry.List()
	out := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Snapshot(now))
	}
	return out
}

func (s *StreamingService) Aggregates(ctx context.Context) domain.AggregateMetrics {
	return s.registry.Aggregate(s.now())
}

func (s *StreamingService) Ladder() []domain.QualityLevel {
	return s.ladder.Levels()
}

// Alerts returns alerts, newest first.
func (s *StreamingService) Alerts(ctx context.Context, openOnly bool) []domain.Alert {
	return s.alerts.Alerts(openOnly)
}

// AcknowledgeAlert resolves an open alert.
func (s *StreamingService) AcknowledgeAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	alert, err := s.alerts.Acknowledge(alertID, s.now())
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// History lists the most recently archived sessions.
func (s *StreamingService) History(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	if s.history == nil {
		return []*domain.SessionRecord{}, nil
	}
	return s.history.ListRecent(ctx, limit)
}

// UserHistory lists one viewer's archived sessions, most recent first.
func (s *StreamingService) UserHistory(ctx context.Context, userID domain.UserID, limit int) ([]*domain.SessionRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if s.history == nil {
		return []*domain.SessionRecord{}, nil
	}
	return s.history.ListByUser(ctx, userID, limit)
}

// ArchivedSession looks up an ended session in the history repository.
func (s *StreamingService) ArchivedSession(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	if s.history == nil {
		return nil, domain.ErrSessionNotFound
	}
	record, err := s.history.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return record, nil
}

// CacheStats reports false when the stream has no cache.
func (s *StreamingService) CacheStats(ctx context.Context, streamID domain.StreamID) (domain.CacheStats, bool) {
	cache, ok := s.caches.Lookup(streamID)
	if !ok {
		return domain.CacheStats{}, false
	}
	return cache.Stats(), true
}

// Shutdown halts every runner and archives the remaining sessions.
func (s *StreamingService) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stopOnce.Do(func() { close(s.monitorStop) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-s.monitorDone
		s.runner.StopAll()

		now := s.now()
		for _, session := range s.registry.List() {
			_ = session.Stop(now)
			s.retire(session, now, false)
		}
	}()

	select {
	case <-done:
		s.logger.Infow("streaming service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retire removes an ended session from the registry exactly once and
// archives it.
func (s *StreamingService) retire(session *StreamSession, now time.Time, stopRunner bool) {
	if !s.registry.Remove(session.ID()) {
		return
	}
	if stopRunner {
		s.runner.Stop(session.ID())
	}
	s.releaseCache(session.VideoID())

	record := session.Record(now)
	s.alerts.ForgetSession(session.ID(), now)
	if record.Snapshot.Fatal {
		s.alerts.RaiseFatal(session.ID(), fmt.Sprintf("session failed permanently: %s", record.Snapshot.LastError), now)
	}

	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.history.Archive(ctx, record); err != nil {
		s.logger.Warnw("failed to archive session",
			"session_id", session.ID(),
			"error", err,
		)
	}
}

// releaseCache frees a stream's segment cache once no live session
// watches it.
func (s *StreamingService) releaseCache(videoID domain.StreamID) {
	if s.registry.HasStream(videoID) {
		return
	}
	if !s.caches.Release(videoID) {
		return
	}
	if s.recorder != nil {
		s.recorder.UpdateCacheSize(videoID, 0)
	}
	s.logger.Debugw("released segment cache", "video_id", videoID)
}

func (s *StreamingService) withSession(id domain.SessionID, fn func(*StreamSession, time.Time) error) (*domain.SessionSnapshot, error) {
	session, ok := s.registry.Get(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	now := s.now()
	if err := fn(session, now); err != nil {
		return nil, err
	}
	snap := session.Snapshot(now)
	return &snap, nil
}

func (s *StreamingService) archivedSnapshot(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error) {
	record, err := s.ArchivedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &record.Snapshot, nil
}

// sessionContext is cancelled when either the request or the session ends.
func sessionContext(ctx context.Context, session *StreamSession) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session.Context(), cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// MergeSessionConfig applies per-session overrides on top of the global
// settings and validates the result.
func MergeSessionConfig(global SessionConfig, o ports.SessionOverrides) (SessionConfig, error) {
	cfg := global
	if o.SwitchCooldown != nil {
		cfg.Policy.SwitchCooldown = *o.SwitchCooldown
	}
	if o.SafetyFactor != nil {
		cfg.Policy.SafetyFactor = *o.SafetyFactor
	}
	if o.MaxBuffer != nil {
		cfg.MaxBuffer = *o.MaxBuffer
	}
	if o.TargetBuffer != nil {
		cfg.TargetBuffer = *o.TargetBuffer
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
	}
	if o.EWMAAlpha != nil {
		cfg.EWMAAlpha = *o.EWMAAlpha
	}
	if err := validateSessionConfig(cfg); err != nil {
		return SessionConfig{}, err
	}
	return cfg, nil
}

func validateSessionConfig(cfg SessionConfig) error {
	switch {
	case cfg.Policy.SwitchCooldown < 0:
		return fmt.Errorf("%w: switch cooldown must be non-negative", domain.ErrInvalidArgument)
	case cfg.Policy.SafetyFactor <= 0 || cfg.Policy.SafetyFactor > 1:
		return fmt.Errorf("%w: safety factor must be in (0,1]", domain.ErrInvalidArgument)
	case cfg.EWMAAlpha <= 0 || cfg.EWMAAlpha > 1:
		return fmt.Errorf("%w: ewma alpha must be in (0,1]", domain.ErrInvalidArgument)
	case cfg.MaxBuffer <= 0:
		return fmt.Errorf("%w: max buffer must be positive", domain.ErrInvalidArgument)
	case cfg.TargetBuffer <= 0 || cfg.TargetBuffer > cfg.MaxBuffer:
		return fmt.Errorf("%w: target buffer must be in (0,max buffer]", domain.ErrInvalidArgument)
	case cfg.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must be non-negative", domain.ErrInvalidArgument)
	case cfg.DowngradeWindow <= 0:
		return fmt.Errorf("%w: downgrade window must be positive", domain.ErrInvalidArgument)
	}
	return nil
}
