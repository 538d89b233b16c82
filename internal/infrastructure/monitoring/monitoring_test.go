package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/infrastructure/repositories/memory"
)

func TestPrometheusCollector_RecordsCoreMetrics(t *testing.T) {
	p := NewPrometheusCollector()

	p.RecordSessionStarted("v1")
	p.RecordSessionEnded("v1", false, 80, time.Minute)
	p.RecordSessionEnded("v1", true, 10, time.Second)
	p.RecordDecision(domain.Decision{Reason: domain.ReasonDowngrade, Switched: true})
	p.RecordDecision(domain.Decision{Reason: domain.ReasonStable})
	p.RecordUnderrun("v1")
	p.RecordCacheLookup("v1", true)
	p.RecordCacheLookup("v1", false)
	p.RecordCacheLookup("v1", false)
	p.RecordCacheEviction("v1", 3)
	p.RecordCacheBypass("v1")
	p.UpdateCacheSize("v1", 2048)
	p.RecordSegmentFetch(50*time.Millisecond, nil)
	p.RecordSegmentFetch(time.Second, errors.New("timeout"))
	p.RecordAlert(domain.Alert{RuleID: "low_bandwidth", Severity: domain.SeverityWarning})
	p.RecordAlert(domain.Alert{RuleID: "low_bandwidth", Resolved: true, ResolvedBy: "auto"})
	p.UpdateAggregates(domain.AggregateMetrics{ActiveSessions: 4, BufferingSessions: 1, TotalBandwidth: 9e6, AverageSatisfaction: 72.5}, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsEnded.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsEnded.WithLabelValues("fatal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("downgrade", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("stable", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.underruns))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.cacheLookups.WithLabelValues("v1", "miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.cacheEvictions.WithLabelValues("v1")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(p.cacheSize.WithLabelValues("v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.segmentFetches.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.alertsRaised.WithLabelValues("low_bandwidth", "warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.alertsResolved.WithLabelValues("low_bandwidth", "auto")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.activeSessions))
	assert.Equal(t, 72.5, testutil.ToFloat64(p.averageSatisfaction))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.openAlerts))

	p.ForgetStream("v1")
	assert.Equal(t, 0, testutil.CollectAndCount(p.cacheSize))
}

func TestPrometheusCollector_Handler(t *testing.T) {
	p := NewPrometheusCollector()
	p.RecordSessionStarted("v1")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "streamadapt_sessions_started_total 1"))

	// collectors are private to each instance
	NewPrometheusCollector().RecordSessionStarted("v1")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsStarted))
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddHistoryCheck(memory.NewSessionHistoryRepository(0), time.Second, time.Second)

	failing := errors.New("origin down")
	h.AddCheck("origin", func(context.Context) error { return failing }, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["history"])
	assert.Equal(t, "origin down", status.Checks["origin"])
	assert.False(t, h.IsReady(context.Background()))
	assert.Equal(t, "origin down", h.LastResults()["origin"])
}

func TestHealthChecker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker()
	h.AddRedisCheck(client, 10*time.Millisecond, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	mr.Close()
	require.Eventually(t, func() bool {
		result, ok := h.LastResults()["redis"]
		return ok && result != StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
}
