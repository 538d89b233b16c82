package services

import (
	"context"
	"sync"
	"time"

	"streamadapt/internal/core/domain"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// eventRecorder collects published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) Types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) Count(t domain.EventType) int {
	n := 0
	for _, et := range r.Types() {
		if et == t {
			n++
		}
	}
	return n
}

// countingRecorder is a MetricsRecorder that only counts calls.
type countingRecorder struct {
	mu        sync.Mutex
	started   int
	ended     int
	decisions int
	underruns int
	hits      int
	misses    int
	evictions int
	bypasses  int
	fetches   int
	alerts    int
}

func (r *countingRecorder) RecordSessionStarted(domain.StreamID) { r.inc(&r.started) }
func (r *countingRecorder) RecordSessionEnded(domain.StreamID, bool, float64, time.Duration) {
	r.inc(&r.ended)
}
func (r *countingRecorder) RecordDecision(domain.Decision) { r.inc(&r.decisions) }
func (r *countingRecorder) RecordUnderrun(domain.StreamID) { r.inc(&r.underruns) }
func (r *countingRecorder) RecordCacheLookup(_ domain.StreamID, hit bool) {
	if hit {
		r.inc(&r.hits)
	} else {
		r.inc(&r.misses)
	}
}
func (r *countingRecorder) RecordCacheEviction(_ domain.StreamID, count int) {
	r.mu.Lock()
	r.evictions += count
	r.mu.Unlock()
}
func (r *countingRecorder) RecordCacheBypass(domain.StreamID) { r.inc(&r.bypasses) }
func (r *countingRecorder) UpdateCacheSize(domain.StreamID, int64) {}
func (r *countingRecorder) RecordSegmentFetch(time.Duration, error) { r.inc(&r.fetches) }
func (r *countingRecorder) RecordAlert(domain.Alert) { r.inc(&r.alerts) }
func (r *countingRecorder) UpdateAggregates(domain.AggregateMetrics, int) {}

func (r *countingRecorder) inc(field *int) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

func (r *countingRecorder) get(field *int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *field
}

func sample(bandwidth float64, at time.Time) domain.NetworkSample {
	return domain.NetworkSample{
		Bandwidth:  bandwidth,
		Latency:    40 * time.Millisecond,
		PacketLoss: 0.001,
		Jitter:     5 * time.Millisecond,
		Timestamp:  at,
	}
}

func healthyBuffer() domain.BufferMetrics {
	return domain.BufferMetrics{Current: 10, Target: 10, Max: 30}
}

func bufferAt(ratio float64) domain.BufferMetrics {
	return domain.BufferMetrics{Current: 10 * ratio, Target: 10, Max: 30}
}
