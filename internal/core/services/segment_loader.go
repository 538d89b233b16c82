package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"
	"streamadapt/pkg/circuitbreaker"
	"streamadapt/pkg/retry"

	"go.uber.org/zap"
)

// SegmentLoader serves segments cache-first and falls back to the external
// fetcher behind a circuit breaker and retry with backoff.
type SegmentLoader struct {
	caches    *SegmentCacheStore
	fetcher   ports.SegmentFetcher
	breaker   *circuitbreaker.CircuitBreaker
	retryCfg  retry.Config
	publisher ports.EventPublisher
	recorder  ports.MetricsRecorder
	logger    *zap.SugaredLogger
}

type LoaderConfig struct {
	Retry   retry.Config
	Breaker circuitbreaker.Config
}

// DefaultLoaderConfig returns the default retry and breaker settings.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		Retry:   retry.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

// NewSegmentLoader creates a new loader over caches and fetcher.
func NewSegmentLoader(
	caches *SegmentCacheStore,
	fetcher ports.SegmentFetcher,
	cfg LoaderConfig,
	publisher ports.EventPublisher,
	recorder ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *SegmentLoader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	retryCfg := cfg.Retry
	retryCfg.NonRetryable = append(retryCfg.NonRetryable,
		circuitbreaker.ErrOpen,
		domain.ErrPayloadCorrupt,
		domain.ErrSegmentNotFound,
		context.Canceled,
		context.DeadlineExceeded,
	)

	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("segment fetcher circuit state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &SegmentLoader{
		caches:    caches,
		fetcher:   fetcher,
		breaker:   breaker,
		retryCfg:  retryCfg,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
	}
}

// Load returns the segment and whether it came from the cache.
func (l *SegmentLoader) Load(ctx context.Context, owner domain.SessionID, key domain.SegmentKey) (*domain.SegmentFetchResult, bool, error) {
	cache := l.caches.ForStream(key.StreamID)
	if res, ok := cache.GetSegment(key); ok {
		l.recordLookup(key.StreamID, true)
		return res, true, nil
	}
	l.recordLookup(key.StreamID, false)

	if l.fetcher == nil {
		return nil, false, errors.New("no segment fetcher configured")
	}

	start := time.Now()
	res, err := retry.RetryWithResult(ctx, l.retryCfg, func() (*domain.SegmentFetchResult, error) {
		return circuitbreaker.ExecuteWithResult(ctx, l.breaker, func() (*domain.SegmentFetchResult, error) {
			return l.fetch(ctx, key)
		})
	})
	if l.recorder != nil {
		l.recorder.RecordSegmentFetch(time.Since(start), err)
	}
	if err != nil {
		l.logger.Warnw("segment fetch failed",
			"session_id", owner,
			"segment", key.String(),
			"error", err,
		)
		return nil, false, fmt.Errorf("fetch segment %s: %w", key, err)
	}

	if _, err := l.Store(ctx, owner, res); err != nil {
		return nil, false, err
	}
	return res, false, nil
}

func (l *SegmentLoader) fetch(ctx context.Context, key domain.SegmentKey) (*domain.SegmentFetchResult, error) {
	res, err := l.fetcher.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("fetcher returned no segment")
	}
	if res.Key == (domain.SegmentKey{}) {
		res.Key = key
	}
	if int64(len(res.Payload)) != res.Size {
		return nil, domain.ErrPayloadCorrupt
	}
	return res, nil
}

// Store writes a fetched segment into its stream's cache.
func (l *SegmentLoader) Store(ctx context.Context, owner domain.SessionID, res *domain.SegmentFetchResult) (PutResult, error) {
	if res == nil {
		return PutResult{}, fmt.Errorf("%w: nil segment", domain.ErrInvalidArgument)
	}
	cache := l.caches.ForStream(res.Key.StreamID)
	result, err := cache.Put(ctx, owner, res)
	if err != nil {
		if errors.Is(err, domain.ErrPayloadCorrupt) {
			l.logger.Warnw("corrupt segment payload",
				"session_id", owner,
				"segment", res.Key.String(),
				"declared_size", res.Size,
				"payload_size", len(res.Payload),
			)
		}
		return result, err
	}

	streamID := res.Key.StreamID
	switch result.Outcome {
	case CacheBypassed:
		l.logger.Infow("segment larger than cache, bypassed",
			"session_id", owner,
			"segment", res.Key.String(),
			"size", res.Size,
			"max_size", cache.MaxSize(),
		)
		if l.recorder != nil {
			l.recorder.RecordCacheBypass(streamID)
		}
		if l.publisher != nil {
			ev := domain.NewEvent(domain.EventCacheBypass, owner, streamID, time.Now(), map[string]interface{}{
				"segment": res.Key,
				"size":    res.Size,
			})
			if err := l.publisher.Publish(context.Background(), ev); err != nil {
				l.logger.Debugw("failed to publish bypass event", "error", err)
			}
		}
	case CacheStored:
		if l.recorder != nil {
			if result.Evicted > 0 {
				l.recorder.RecordCacheEviction(streamID, result.Evicted)
			}
			l.recorder.UpdateCacheSize(streamID, cache.Size())
		}
	}
	return result, nil
}

func (l *SegmentLoader) recordLookup(streamID domain.StreamID, hit bool) {
	if l.recorder != nil {
		l.recorder.RecordCacheLookup(streamID, hit)
	}
}

// BreakerState returns the fetcher circuit breaker state.
func (l *SegmentLoader) BreakerState() circuitbreaker.State {
	return l.breaker.GetState()
}
