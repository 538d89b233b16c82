package monitoring

import (
	"net/http"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamadapt"

// PrometheusCollector records core metrics on its own registry so tests
// and multiple services in one process never collide.
type PrometheusCollector struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	satisfaction    prometheus.Histogram
	decisions       *prometheus.CounterVec
	underruns       prometheus.Counter

	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheBypasses  *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec

	segmentFetchDuration prometheus.Histogram
	segmentFetches       *prometheus.CounterVec

	alertsRaised   *prometheus.CounterVec
	alertsResolved *prometheus.CounterVec

	activeSessions      prometheus.Gauge
	bufferingSessions   prometheus.Gauge
	totalBandwidth      prometheus.Gauge
	averageSatisfaction prometheus.Gauge
	openAlerts          prometheus.Gauge
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a new collector on its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that reached streaming for the first time",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Ended sessions by outcome",
		}, []string{"outcome"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock length of ended sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		satisfaction: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_satisfaction_score",
			Help:      "Final satisfaction score of ended sessions (0-100)",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_decisions_total",
			Help:      "Adaptation decisions by reason and whether the rendition changed",
		}, []string{"reason", "switched"}),
		underruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_underruns_total",
			Help:      "Playback buffer starvations",
		}),

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_cache_lookups_total",
			Help:      "Segment cache lookups by result",
		}, []string{"stream_id", "result"}),
		cacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_cache_evictions_total",
			Help:      "Segments evicted to make room",
		}, []string{"stream_id"}),
		cacheBypasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_cache_bypasses_total",
			Help:      "Segments larger than the whole cache",
		}, []string{"stream_id"}),
		cacheSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_cache_size_bytes",
			Help:      "Bytes currently held per stream cache",
		}, []string{"stream_id"}),

		segmentFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_fetch_duration_seconds",
			Help:      "Duration of segment fetches from the origin",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		segmentFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_fetches_total",
			Help:      "Segment fetches by result",
		}, []string{"result"}),

		alertsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by rule and severity",
		}, []string{"rule", "severity"}),
		alertsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Alerts resolved by rule and resolver",
		}, []string{"rule", "resolved_by"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently consuming a rendition",
		}),
		bufferingSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_buffering",
			Help:      "Sessions currently rebuffering",
		}),
		totalBandwidth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rendition_bandwidth_bps",
			Help:      "Sum of current rendition bitrates of active sessions",
		}),
		averageSatisfaction: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "average_satisfaction_score",
			Help:      "Mean provisional satisfaction of live sessions",
		}),
		openAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_open",
			Help:      "Alerts that are neither auto-resolved nor acknowledged",
		}),
	}
}

// Registry exposes the private registry, mostly for tests.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// RecordSessionStarted counts a started session.
func (p *PrometheusCollector) RecordSessionStarted(domain.StreamID) {
	p.sessionsStarted.Inc()
}

// RecordSessionEnded records the outcome, score and duration of an ended
// session.
func (p *PrometheusCollector) RecordSessionEnded(_ domain.StreamID, fatal bool, satisfaction float64, duration time.Duration) {
	outcome := "completed"
	if fatal {
		outcome = "fatal"
	}
	p.sessionsEnded.WithLabelValues(outcome).Inc()
	p.sessionDuration.Observe(duration.Seconds())
	p.satisfaction.Observe(satisfaction)
}

// RecordDecision counts a quality switch by reason.
func (p *PrometheusCollector) RecordDecision(decision domain.Decision) {
	switched := "false"
	if decision.Switched {
		switched = "true"
	}
	p.decisions.WithLabelValues(string(decision.Reason), switched).Inc()
}

func (p *PrometheusCollector) RecordUnderrun(domain.StreamID) {
	p.underruns.Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (p *PrometheusCollector) RecordCacheLookup(streamID domain.StreamID, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(string(streamID), result).Inc()
}

func (p *PrometheusCollector) RecordCacheEviction(streamID domain.StreamID, count int) {
	p.cacheEvictions.WithLabelValues(string(streamID)).Add(float64(count))
}

func (p *PrometheusCollector) RecordCacheBypass(streamID domain.StreamID) {
	p.cacheBypasses.WithLabelValues(string(streamID)).Inc()
}

func (p *PrometheusCollector) UpdateCacheSize(streamID domain.StreamID, bytes int64) {
	p.cacheSize.WithLabelValues(string(streamID)).Set(float64(bytes))
}

// RecordSegmentFetch observes fetch latency and counts failures.
func (p *PrometheusCollector) RecordSegmentFetch(duration time.Duration, err error) {
	p.segmentFetchDuration.Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	p.segmentFetches.WithLabelValues(result).Inc()
}

// RecordAlert counts a raised alert by rule and severity.
func (p *PrometheusCollector) RecordAlert(alert domain.Alert) {
	if alert.Resolved {
		p.alertsResolved.WithLabelValues(alert.RuleID, alert.ResolvedBy).Inc()
		return
	}
	p.alertsRaised.WithLabelValues(alert.RuleID, string(alert.Severity)).Inc()
}

// UpdateAggregates refreshes the dashboard gauges.
func (p *PrometheusCollector) UpdateAggregates(agg domain.AggregateMetrics, openAlerts int) {
	p.activeSessions.Set(float64(agg.ActiveSessions))
	p.bufferingSessions.Set(float64(agg.BufferingSessions))
	p.totalBandwidth.Set(float64(agg.TotalBandwidth))
	p.averageSatisfaction.Set(agg.AverageSatisfaction)
	p.openAlerts.Set(float64(openAlerts))
}

// ForgetStream drops per-stream series once a stream has no cache left.
func (p *PrometheusCollector) ForgetStream(streamID domain.StreamID) {
	id := string(streamID)
	p.cacheLookups.DeleteLabelValues(id, "hit")
	p.cacheLookups.DeleteLabelValues(id, "miss")
	p.cacheEvictions.DeleteLabelValues(id)
	p.cacheBypasses.DeleteLabelValues(id)
	p.cacheSize.DeleteLabelValues(id)
}
