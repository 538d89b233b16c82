package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxAlertHistory = 1000

	resolvedByAuto = "auto"
	resolvedByAck  = "ack"
)

// DefaultAlertRules returns the built-in bandwidth, buffer, packet loss and
// downgrade rules.
func DefaultAlertRules() []domain.AlertRule {
	return []domain.AlertRule{
		{
			ID:         "low_bandwidth",
			MetricPath: "network.bandwidth",
			Condition:  domain.ConditionLessThan,
			Threshold:  1_000_000,
			Severity:   domain.SeverityWarning,
			Debounce:   5 * time.Second,
			Message:    "estimated bandwidth below 1 Mbps",
		},
		{
			ID:         "buffer_critical",
			MetricPath: "buffer.ratio",
			Condition:  domain.ConditionLessThan,
			Threshold:  0.3,
			Severity:   domain.SeverityCritical,
			Debounce:   5 * time.Second,
			Message:    "playback buffer critically low",
		},
		{
			ID:         "high_packet_loss",
			MetricPath: "network.packet_loss",
			Condition:  domain.ConditionGreaterThan,
			Threshold:  0.05,
			Severity:   domain.SeverityWarning,
			Debounce:   10 * time.Second,
			Message:    "packet loss above 5%",
		},
		{
			ID:         "repeated_downgrades",
			MetricPath: "session.recent_downgrades",
			Condition:  domain.ConditionGreaterThan,
			Threshold:  3,
			Severity:   domain.SeverityWarning,
			Debounce:   30 * time.Second,
			Message:    "more than 3 quality downgrades in the last minute",
		},
	}
}

// ValidateAlertRules rejects empty or duplicate ids, unknown conditions and
// the reserved fatal id.
func ValidateAlertRules(rules []domain.AlertRule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("alert rule id is required")
		}
		if r.ID == domain.FatalRuleID {
			return fmt.Errorf("alert rule id %q is reserved", r.ID)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("duplicate alert rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.MetricPath == "" {
			return fmt.Errorf("alert rule %q: metric path is required", r.ID)
		}
		if !r.Condition.Valid() {
			return fmt.Errorf("alert rule %q: invalid condition %q", r.ID, r.Condition)
		}
		if r.Debounce < 0 {
			return fmt.Errorf("alert rule %q: debounce must be non-negative", r.ID)
		}
	}
	return nil
}

type alertKey struct {
	ruleID    string
	sessionID domain.SessionID
}

// alertState tracks one (rule, session) pair. alert is nil once the open
// alert was acknowledged while the condition kept holding.
type alertState struct {
	alert      *domain.Alert
	clearSince time.Time
}

// AlertEmitter evaluates threshold rules against metric snapshots. Firing
// is edge-triggered and resolution waits out the rule's debounce.
type AlertEmitter struct {
	mu      sync.Mutex
	rules   []domain.AlertRule
	states  map[alertKey]*alertState
	alerts  []*domain.Alert
	byID    map[string]*domain.Alert
	pending []domain.Event

	publisher ports.EventPublisher
	recorder  ports.MetricsRecorder
	logger    *zap.SugaredLogger
}

// NewAlertEmitter creates a new emitter for the given rules.
func NewAlertEmitter(rules []domain.AlertRule, publisher ports.EventPublisher, recorder ports.MetricsRecorder, logger *zap.SugaredLogger) (*AlertEmitter, error) {
	if err := ValidateAlertRules(rules); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := make([]domain.AlertRule, len(rules))
	copy(r, rules)
	return &AlertEmitter{
		rules:     r,
		states:    make(map[alertKey]*alertState),
		byID:      make(map[string]*domain.Alert),
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
	}, nil
}

func (e *AlertEmitter) Rules() []domain.AlertRule {
	out := make([]domain.AlertRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate checks every rule whose metric is present in snap and returns
// the alerts raised by this call.
func (e *AlertEmitter) Evaluate(snap domain.MetricSnapshot, now time.Time) []domain.Alert {
	e.mu.Lock()
	var raised []domain.Alert
	for _, rule := range e.rules {
		value, ok := snap.Values[rule.MetricPath]
		if !ok {
			continue
		}
		if alert := e.evaluateRuleLocked(rule, snap.SessionID, value, now); alert != nil {
			raised = append(raised, *alert)
		}
	}
	events := e.drainEvents()
	e.mu.Unlock()

	e.publish(events)
	return raised
}

func (e *AlertEmitter) evaluateRuleLocked(rule domain.AlertRule, sessionID domain.SessionID, value float64, now time.Time) *domain.Alert {
	key := alertKey{ruleID: rule.ID, sessionID: sessionID}
	st := e.states[key]

	if rule.Condition.Holds(value, rule.Threshold) {
		if st != nil {
			st.clearSince = time.Time{}
			return nil
		}
		alert := &domain.Alert{
			ID:          uuid.New().String(),
			RuleID:      rule.ID,
			SessionID:   sessionID,
			Severity:    rule.Severity,
			Message:     rule.Message,
			Metric:      rule.MetricPath,
			Value:       value,
			Threshold:   rule.Threshold,
			TriggeredAt: now,
		}
		e.states[key] = &alertState{alert: alert}
		e.storeLocked(alert)
		return alert
	}

	if st == nil {
		return nil
	}
	if st.alert == nil {
		delete(e.states, key)
		return nil
	}
	if st.clearSince.IsZero() {
		st.clearSince = now
	}
	if now.Sub(st.clearSince) >= rule.Debounce {
		e.resolveLocked(st.alert, resolvedByAuto, now)
		delete(e.states, key)
	}
	return nil
}

// RaiseFatal opens a critical alert for a session that failed permanently.
// Only Acknowledge resolves it.
func (e *AlertEmitter) RaiseFatal(sessionID domain.SessionID, message string, now time.Time) domain.Alert {
	e.mu.Lock()
	key := alertKey{ruleID: domain.FatalRuleID, sessionID: sessionID}
	if st, ok := e.states[key]; ok && st.alert != nil {
		alert := *st.alert
		e.mu.Unlock()
		return alert
	}
	alert := &domain.Alert{
		ID:          uuid.New().String(),
		RuleID:      domain.FatalRuleID,
		SessionID:   sessionID,
		Severity:    domain.SeverityCritical,
		Message:     message,
		TriggeredAt: now,
	}
	e.states[key] = &alertState{alert: alert}
	e.storeLocked(alert)
	out := *alert
	events := e.drainEvents()
	e.mu.Unlock()

	e.publish(events)
	return out
}

// Acknowledge resolves an open alert. Acknowledging a resolved alert is a
// no-op.
func (e *AlertEmitter) Acknowledge(id string, now time.Time) (domain.Alert, error) {
	e.mu.Lock()
	alert, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return domain.Alert{}, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, id)
	}
	if !alert.Resolved {
		e.resolveLocked(alert, resolvedByAck, now)
		key := alertKey{ruleID: alert.RuleID, sessionID: alert.SessionID}
		if st, ok := e.states[key]; ok && st.alert == alert {
			if alert.RuleID == domain.FatalRuleID {
				delete(e.states, key)
			} else {
				st.alert = nil
			}
		}
	}
	out := *alert
	events := e.drainEvents()
	e.mu.Unlock()

	e.publish(events)
	return out, nil
}

// ForgetSession drops rule state for an ended session and resolves its open
// rule alerts. Fatal alerts stay open until acknowledged.
func (e *AlertEmitter) ForgetSession(sessionID domain.SessionID, now time.Time) {
	e.mu.Lock()
	for key, st := range e.states {
		if key.sessionID != sessionID || key.ruleID == domain.FatalRuleID {
			continue
		}
		if st.alert != nil {
			e.resolveLocked(st.alert, resolvedByAuto, now)
		}
		delete(e.states, key)
	}
	events := e.drainEvents()
	e.mu.Unlock()

	e.publish(events)
}

// Alerts returns copies, newest first.
func (e *AlertEmitter) Alerts(openOnly bool) []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if openOnly && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out
}

// OpenCount returns the number of unresolved alerts.
func (e *AlertEmitter) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, a := range e.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

func (e *AlertEmitter) storeLocked(alert *domain.Alert) {
	e.alerts = append(e.alerts, alert)
	e.byID[alert.ID] = alert
	e.pruneLocked()

	if e.recorder != nil {
		e.recorder.RecordAlert(*alert)
	}
	e.pending = append(e.pending, domain.NewEvent(domain.EventAlertRaised, alert.SessionID, "", alert.TriggeredAt, *alert))
	e.logger.Warnw("alert raised",
		"alert_id", alert.ID,
		"rule", alert.RuleID,
		"session_id", alert.SessionID,
		"severity", alert.Severity,
		"value", alert.Value,
		"threshold", alert.Threshold,
	)
}

func (e *AlertEmitter) resolveLocked(alert *domain.Alert, by string, now time.Time) {
	alert.Resolved = true
	alert.ResolvedAt = now
	alert.ResolvedBy = by
	e.pending = append(e.pending, domain.NewEvent(domain.EventAlertResolved, alert.SessionID, "", now, *alert))
	if e.recorder != nil {
		e.recorder.RecordAlert(*alert)
	}
	e.logger.Infow("alert resolved",
		"alert_id", alert.ID,
		"rule", alert.RuleID,
		"session_id", alert.SessionID,
		"resolved_by", by,
	)
}

// pruneLocked drops the oldest resolved alerts past the history cap.
func (e *AlertEmitter) pruneLocked() {
	excess := len(e.alerts) - maxAlertHistory
	if excess <= 0 {
		return
	}
	kept := e.alerts[:0]
	for _, a := range e.alerts {
		if excess > 0 && a.Resolved {
			delete(e.byID, a.ID)
			excess--
			continue
		}
		kept = append(kept, a)
	}
	e.alerts = kept
}

func (e *AlertEmitter) drainEvents() []domain.Event {
	events := e.pending
	e.pending = nil
	return events
}

func (e *AlertEmitter) publish(events []domain.Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := e.publisher.Publish(context.Background(), ev); err != nil {
			e.logger.Debugw("failed to publish alert event", "type", ev.Type, "error", err)
		}
	}
}
