package services

import (
	"testing"
	"time"

	"streamadapt/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var lowBandwidthRule = domain.AlertRule{
	ID:         "low_bandwidth",
	MetricPath: "network.bandwidth",
	Condition:  domain.ConditionLessThan,
	Threshold:  1_000_000,
	Severity:   domain.SeverityWarning,
	Debounce:   5 * time.Second,
	Message:    "bandwidth below 1 Mbps",
}

func newTestEmitter(t *testing.T, rules ...domain.AlertRule) (*AlertEmitter, *eventRecorder) {
	t.Helper()
	events := &eventRecorder{}
	e, err := NewAlertEmitter(rules, events, &countingRecorder{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return e, events
}

func bandwidthSnapshot(session domain.SessionID, bw float64) domain.MetricSnapshot {
	return domain.MetricSnapshot{
		SessionID: session,
		Values:    map[string]float64{"network.bandwidth": bw},
	}
}

func TestAlertEmitter_RoundTrip(t *testing.T) {
	e, events := newTestEmitter(t, lowBandwidthRule)

	raised := e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch)
	require.Len(t, raised, 1)
	assert.Equal(t, 1, e.OpenCount())

	// still firing: no duplicate
	assert.Empty(t, e.Evaluate(bandwidthSnapshot("s1", 400_000), epoch.Add(time.Second)))

	// recovered, but debounce not yet elapsed
	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(2*time.Second))
	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(6*time.Second))
	assert.Equal(t, 1, e.OpenCount())

	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(7*time.Second))
	assert.Equal(t, 0, e.OpenCount())
	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(20*time.Second))

	alerts := e.Alerts(false)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)
	assert.Equal(t, "auto", alerts[0].ResolvedBy)
	assert.Equal(t, epoch.Add(7*time.Second), alerts[0].ResolvedAt)
	assert.Equal(t, 1, events.Count(domain.EventAlertRaised))
	assert.Equal(t, 1, events.Count(domain.EventAlertResolved))
}

func TestAlertEmitter_FlapWithinDebounceKeepsAlert(t *testing.T) {
	e, _ := newTestEmitter(t, lowBandwidthRule)

	e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch)
	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(time.Second))
	e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch.Add(2*time.Second))
	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(3*time.Second))
	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(7*time.Second))

	assert.Equal(t, 1, e.OpenCount())
	assert.Len(t, e.Alerts(false), 1)
}

func TestAlertEmitter_PerSessionAlerts(t *testing.T) {
	e, _ := newTestEmitter(t, lowBandwidthRule)

	e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch)
	e.Evaluate(bandwidthSnapshot("s2", 500_000), epoch)

	assert.Equal(t, 2, e.OpenCount())
}

func TestAlertEmitter_MissingMetricIgnored(t *testing.T) {
	e, _ := newTestEmitter(t, lowBandwidthRule)

	raised := e.Evaluate(domain.MetricSnapshot{SessionID: "s1", Values: map[string]float64{}}, epoch)
	assert.Empty(t, raised)
}

func TestAlertEmitter_AcknowledgeIsEdgeTriggered(t *testing.T) {
	e, events := newTestEmitter(t, lowBandwidthRule)

	raised := e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch)
	require.Len(t, raised, 1)

	acked, err := e.Acknowledge(raised[0].ID, epoch.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, acked.Resolved)
	assert.Equal(t, "ack", acked.ResolvedBy)

	// condition still holds: no new alert
	assert.Empty(t, e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch.Add(2*time.Second)))

	// clears, then fires again
	e.Evaluate(bandwidthSnapshot("s1", 2_000_000), epoch.Add(3*time.Second))
	assert.Len(t, e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch.Add(4*time.Second)), 1)
	assert.Equal(t, 2, events.Count(domain.EventAlertRaised))

	// second ack is a no-op
	again, err := e.Acknowledge(raised[0].ID, epoch.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Second), again.ResolvedAt)

	_, err = e.Acknowledge("missing", epoch)
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)
}

func TestAlertEmitter_FatalOnlyResolvedByAck(t *testing.T) {
	e, _ := newTestEmitter(t, lowBandwidthRule)

	fatal := e.RaiseFatal("s1", "session failed", epoch)
	assert.Equal(t, domain.SeverityCritical, fatal.Severity)
	assert.Equal(t, domain.FatalRuleID, fatal.RuleID)

	dup := e.RaiseFatal("s1", "session failed", epoch.Add(time.Second))
	assert.Equal(t, fatal.ID, dup.ID)

	e.ForgetSession("s1", epoch.Add(time.Minute))
	open := e.Alerts(true)
	require.Len(t, open, 1)
	assert.Equal(t, fatal.ID, open[0].ID)

	_, err := e.Acknowledge(fatal.ID, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, e.OpenCount())
}

func TestAlertEmitter_ForgetSessionResolvesRuleAlerts(t *testing.T) {
	e, _ := newTestEmitter(t, lowBandwidthRule)

	e.Evaluate(bandwidthSnapshot("s1", 500_000), epoch)
	e.Evaluate(bandwidthSnapshot("s2", 500_000), epoch)
	e.ForgetSession("s1", epoch.Add(time.Second))

	open := e.Alerts(true)
	require.Len(t, open, 1)
	assert.Equal(t, domain.SessionID("s2"), open[0].SessionID)
}

func TestAlertEmitter_AggregateRule(t *testing.T) {
	rule := domain.AlertRule{
		ID:         "too_many_buffering",
		MetricPath: "aggregate.buffering_sessions",
		Condition:  domain.ConditionGreaterThan,
		Threshold:  2,
		Severity:   domain.SeverityCritical,
	}
	e, _ := newTestEmitter(t, rule)

	raised := e.Evaluate(AggregateMetricSnapshot(domain.AggregateMetrics{BufferingSessions: 3}), epoch)
	require.Len(t, raised, 1)
	assert.Empty(t, raised[0].SessionID)

	// zero debounce resolves on the first clear evaluation
	e.Evaluate(AggregateMetricSnapshot(domain.AggregateMetrics{BufferingSessions: 1}), epoch.Add(time.Second))
	assert.Equal(t, 0, e.OpenCount())
}

func TestValidateAlertRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []domain.AlertRule
	}{
		{"missing id", []domain.AlertRule{{MetricPath: "x", Condition: domain.ConditionEqual}}},
		{"reserved id", []domain.AlertRule{{ID: domain.FatalRuleID, MetricPath: "x", Condition: domain.ConditionEqual}}},
		{"duplicate id", []domain.AlertRule{lowBandwidthRule, lowBandwidthRule}},
		{"missing path", []domain.AlertRule{{ID: "a", Condition: domain.ConditionEqual}}},
		{"bad condition", []domain.AlertRule{{ID: "a", MetricPath: "x", Condition: "ge"}}},
		{"negative debounce", []domain.AlertRule{{ID: "a", MetricPath: "x", Condition: domain.ConditionEqual, Debounce: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateAlertRules(tt.rules))
		})
	}
	assert.NoError(t, ValidateAlertRules(DefaultAlertRules()))
}
