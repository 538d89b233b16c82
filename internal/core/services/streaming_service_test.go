package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) Archive(ctx context.Context, record *domain.SessionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockHistoryRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionRecord), args.Error(1)
}

func (m *MockHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionRecord), args.Error(1)
}

func (m *MockHistoryRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.SessionRecord, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionRecord), args.Error(1)
}

type serviceFixture struct {
	svc     *StreamingService
	fetcher *MockSegmentFetcher
	history *MockHistoryRepository
	events  *eventRecorder
	metrics *countingRecorder
	clock   *testClock
}

func newServiceFixture(t *testing.T, tick time.Duration) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		fetcher: &MockSegmentFetcher{},
		history: &MockHistoryRepository{},
		events:  &eventRecorder{},
		metrics: &countingRecorder{},
		clock:   newTestClock(),
	}
	f.history.On("Archive", mock.Anything, mock.AnythingOfType("*domain.SessionRecord")).Return(nil).Maybe()

	cfg := DefaultServiceConfig()
	cfg.TickInterval = tick
	cfg.CacheMaxSize = 1024
	cfg.Loader = testLoaderConfig()

	svc, err := NewStreamingService(cfg, ServiceDeps{
		Fetcher:   f.fetcher,
		Publisher: f.events,
		History:   f.history,
		Recorder:  f.metrics,
		Logger:    zaptest.NewLogger(t).Sugar(),
		Clock:     f.clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return f
}

func startRequest(bandwidth float64) ports.StartStreamRequest {
	s := sample(bandwidth, time.Time{})
	return ports.StartStreamRequest{
		VideoID:       "vid-1",
		UserID:        "user-1",
		InitialSample: &s,
	}
}

func TestStreamingService_StartStream(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	snap, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, domain.StatusStreaming, snap.Status)
	assert.Equal(t, domain.QualityID("480p"), snap.CurrentQualityID)

	sessions := f.svc.ListSessions(ctx)
	require.Len(t, sessions, 1)
	assert.Equal(t, snap.ID, sessions[0].ID)

	agg := f.svc.Aggregates(ctx)
	assert.Equal(t, 1, agg.ActiveSessions)
	assert.Equal(t, int64(1_500_000), agg.TotalBandwidth)
	assert.Len(t, f.svc.Ladder(), 5)
}

func TestStreamingService_StartStreamValidation(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.svc.StartStream(ctx, ports.StartStreamRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	req := startRequest(2_000_000)
	req.InitialQualityID = "8k"
	_, err = f.svc.StartStream(ctx, req)
	assert.ErrorIs(t, err, domain.ErrUnknownQuality)

	req = startRequest(2_000_000)
	bad := 1.5
	req.Overrides.SafetyFactor = &bad
	_, err = f.svc.StartStream(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	req = startRequest(-1)
	_, err = f.svc.StartStream(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	assert.Empty(t, f.svc.ListSessions(ctx))
}

func TestStreamingService_StartWithoutEstimateRecovers(t *testing.T) {
	f := newServiceFixture(t, 5*time.Millisecond)
	ctx := context.Background()

	retries := 1000
	snap, err := f.svc.StartStream(ctx, ports.StartStreamRequest{
		VideoID:   "vid-1",
		Overrides: ports.SessionOverrides{MaxRetries: &retries},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, snap.Status)

	require.NoError(t, f.svc.ObserveNetwork(ctx, snap.ID, sample(2_000_000, time.Time{})))

	require.Eventually(t, func() bool {
		cur, err := f.svc.GetSession(ctx, snap.ID)
		return err == nil && cur.Status == domain.StatusStreaming
	}, time.Second, 5*time.Millisecond)
}

func TestStreamingService_PauseResume(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()
	snap, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)

	once, err := f.svc.PauseStream(ctx, snap.ID)
	require.NoError(t, err)
	twice, err := f.svc.PauseStream(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	resumed, err := f.svc.ResumeStream(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStreaming, resumed.Status)

	changed, err := f.svc.ChangeQuality(ctx, snap.ID, "1080p")
	require.NoError(t, err)
	assert.Equal(t, domain.QualityID("1080p"), changed.CurrentQualityID)

	_, err = f.svc.PauseStream(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStreamingService_StopArchives(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()
	snap, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	stopped, err := f.svc.StopStream(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, stopped.Status)
	assert.Equal(t, time.Minute, stopped.TotalDuration)

	f.history.AssertCalled(t, "Archive", mock.Anything, mock.MatchedBy(func(r *domain.SessionRecord) bool {
		return r.Snapshot.ID == snap.ID && r.Snapshot.Status == domain.StatusEnded
	}))
	assert.Empty(t, f.svc.ListSessions(ctx))

	// stop again reads from history
	f.history.On("GetByID", mock.Anything, snap.ID).Return(&domain.SessionRecord{Snapshot: *stopped}, nil)
	again, err := f.svc.StopStream(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, stopped.EndTime, again.EndTime)

	f.history.On("GetByID", mock.Anything, domain.SessionID("missing")).Return(nil, domain.ErrRecordNotFound)
	_, err = f.svc.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStreamingService_PlaybackAndSegments(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()
	snap, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)

	key := domain.SegmentKey{StreamID: "vid-1", QualityID: "480p", SegmentIndex: 0}
	f.fetcher.On("Fetch", mock.Anything, key).Return(&domain.SegmentFetchResult{
		Key: key, Payload: make([]byte, 100), Size: 100, Duration: 4,
	}, nil).Once()

	res, err := f.svc.LoadSegment(ctx, snap.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Size)

	// second load is served from cache
	_, err = f.svc.LoadSegment(ctx, snap.ID, 0)
	require.NoError(t, err)
	f.fetcher.AssertNumberOfCalls(t, "Fetch", 1)

	cur, err := f.svc.GetSession(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 8.0, cur.Buffer.Current)

	err = f.svc.IngestSegment(ctx, snap.ID, &domain.SegmentFetchResult{
		Key:      domain.SegmentKey{SegmentIndex: 1},
		Payload:  make([]byte, 10),
		Size:     10,
		Duration: 2,
	})
	require.NoError(t, err)

	after, err := f.svc.RecordPlayback(ctx, snap.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 7.0, after.Buffer.Current)

	stats, ok := f.svc.CacheStats(ctx, "vid-1")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)

	_, ok = f.svc.CacheStats(ctx, "other")
	assert.False(t, ok)

	_, err = f.svc.RecordPlayback(ctx, snap.ID, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStreamingService_ReleasesCacheWithLastSession(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	first, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)
	second, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)

	require.NoError(t, f.svc.IngestSegment(ctx, first.ID, &domain.SegmentFetchResult{
		Payload: make([]byte, 10), Size: 10, Duration: 2,
	}))
	_, ok := f.svc.CacheStats(ctx, "vid-1")
	require.True(t, ok)

	_, err = f.svc.StopStream(ctx, first.ID)
	require.NoError(t, err)
	stats, ok := f.svc.CacheStats(ctx, "vid-1")
	require.True(t, ok, "cache kept while another session watches the stream")
	assert.Equal(t, 1, stats.Entries)

	_, err = f.svc.StopStream(ctx, second.ID)
	require.NoError(t, err)
	_, ok = f.svc.CacheStats(ctx, "vid-1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.svc.caches.Len())

	third, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)
	err = f.svc.IngestSegment(ctx, third.ID, &domain.SegmentFetchResult{
		Key:     domain.SegmentKey{StreamID: "vid-2"},
		Payload: make([]byte, 10),
		Size:    10,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, ok = f.svc.CacheStats(ctx, "vid-2")
	assert.False(t, ok)
}

func TestStreamingService_CorruptIngestIsFatal(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()
	snap, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)

	err = f.svc.IngestSegment(ctx, snap.ID, &domain.SegmentFetchResult{
		Payload: make([]byte, 10),
		Size:    20,
	})
	assert.ErrorIs(t, err, domain.ErrPayloadCorrupt)

	assert.Empty(t, f.svc.ListSessions(ctx))
	f.history.AssertCalled(t, "Archive", mock.Anything, mock.MatchedBy(func(r *domain.SessionRecord) bool {
		return r.Snapshot.ID == snap.ID && r.Snapshot.Fatal
	}))
}

func TestStreamingService_FetchFailureLeavesSessionRunning(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()
	snap, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	require.NoError(t, err)
	_, err = f.svc.PauseStream(ctx, snap.ID)
	require.NoError(t, err)

	missing := domain.SegmentKey{StreamID: "vid-1", QualityID: "480p", SegmentIndex: 7}
	f.fetcher.On("Fetch", mock.Anything, missing).Return(nil, domain.ErrSegmentNotFound)
	down := domain.SegmentKey{StreamID: "vid-1", QualityID: "480p", SegmentIndex: 8}
	f.fetcher.On("Fetch", mock.Anything, down).Return(nil, errors.New("origin down"))

	_, err = f.svc.LoadSegment(ctx, snap.ID, 7)
	assert.ErrorIs(t, err, domain.ErrSegmentNotFound)
	_, err = f.svc.LoadSegment(ctx, snap.ID, 8)
	require.Error(t, err)

	session, ok := f.svc.registry.Get(snap.ID)
	require.True(t, ok)
	session.Tick(f.clock.Advance(time.Second))

	cur, err := f.svc.GetSession(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, cur.Status)
	assert.Equal(t, 2, cur.FetchFailures)
	assert.Equal(t, 0, cur.ConsecutiveErrors)
	assert.False(t, cur.Fatal)
	assert.Equal(t, 2, f.events.Count(domain.EventSegmentFailed))
	assert.Equal(t, 2, f.metrics.get(&f.metrics.fetches))
	assert.Empty(t, f.svc.Alerts(ctx, true))
	f.history.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything)
}

func TestStreamingService_FatalSessionRaisesAlert(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	// no estimate and no retries left: the first start failure is fatal
	noRetries := 0
	snap, err := f.svc.StartStream(ctx, ports.StartStreamRequest{
		VideoID:   "vid-1",
		Overrides: ports.SessionOverrides{MaxRetries: &noRetries},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, snap.Status)
	assert.True(t, snap.Fatal)

	assert.Empty(t, f.svc.ListSessions(ctx))
	f.history.AssertCalled(t, "Archive", mock.Anything, mock.MatchedBy(func(r *domain.SessionRecord) bool {
		return r.Snapshot.ID == snap.ID && r.Snapshot.Fatal
	}))

	open := f.svc.Alerts(ctx, true)
	require.Len(t, open, 1)
	assert.Equal(t, domain.FatalRuleID, open[0].RuleID)
	assert.Equal(t, snap.ID, open[0].SessionID)

	acked, err := f.svc.AcknowledgeAlert(ctx, open[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Resolved)
	assert.Empty(t, f.svc.Alerts(ctx, true))

	_, err = f.svc.AcknowledgeAlert(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)
}

func TestStreamingService_RepeatedStartFailuresEndFatal(t *testing.T) {
	f := newServiceFixture(t, 5*time.Millisecond)
	ctx := context.Background()

	retries := 2
	snap, err := f.svc.StartStream(ctx, ports.StartStreamRequest{
		VideoID:   "vid-1",
		Overrides: ports.SessionOverrides{MaxRetries: &retries},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, snap.Status)

	// the runner exits only after the fatal tick has been retired
	require.Eventually(t, func() bool {
		return !f.svc.runner.Running(snap.ID)
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, f.svc.ListSessions(ctx))
	f.history.AssertCalled(t, "Archive", mock.Anything, mock.MatchedBy(func(r *domain.SessionRecord) bool {
		return r.Snapshot.ID == snap.ID && r.Snapshot.Fatal && r.Snapshot.ConsecutiveErrors == retries+1
	}))
	assert.Len(t, f.svc.Alerts(ctx, true), 1)
}

func TestStreamingService_ShutdownArchivesAll(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.StartStream(ctx, startRequest(2_000_000))
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.Shutdown(ctx))
	assert.Empty(t, f.svc.ListSessions(ctx))
	f.history.AssertNumberOfCalls(t, "Archive", 3)

	_, err := f.svc.StartStream(ctx, startRequest(2_000_000))
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestStreamingService_History(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	records := []*domain.SessionRecord{{Snapshot: domain.SessionSnapshot{ID: "a"}}}
	f.history.On("ListRecent", mock.Anything, 10).Return(records, nil)

	got, err := f.svc.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestStreamingService_UserHistory(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()
	records := []*domain.SessionRecord{{Snapshot: domain.SessionSnapshot{ID: "a", UserID: "user-1"}}}
	f.history.On("ListByUser", mock.Anything, domain.UserID("user-1"), 5).Return(records, nil)

	got, err := f.svc.UserHistory(ctx, "user-1", 5)
	require.NoError(t, err)
	assert.Equal(t, records, got)

	_, err = f.svc.UserHistory(ctx, "", 5)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMergeSessionConfig(t *testing.T) {
	global := DefaultSessionConfig()
	cooldown := 2 * time.Second
	target := 5.0
	retries := 7

	merged, err := MergeSessionConfig(global, ports.SessionOverrides{
		SwitchCooldown: &cooldown,
		TargetBuffer:   &target,
		MaxRetries:     &retries,
	})
	require.NoError(t, err)
	assert.Equal(t, cooldown, merged.Policy.SwitchCooldown)
	assert.Equal(t, target, merged.TargetBuffer)
	assert.Equal(t, retries, merged.MaxRetries)
	assert.Equal(t, global.MaxBuffer, merged.MaxBuffer)
	assert.Equal(t, global.Policy.SafetyFactor, merged.Policy.SafetyFactor)

	tooBig := global.MaxBuffer + 1
	_, err = MergeSessionConfig(global, ports.SessionOverrides{TargetBuffer: &tooBig})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
