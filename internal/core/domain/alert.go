package domain

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Condition string

const (
	ConditionGreaterThan Condition = "gt"
	ConditionLessThan    Condition = "lt"
	ConditionEqual       Condition = "eq"
)

// Holds reports whether value satisfies the condition against threshold.
func (c Condition) Holds(value, threshold float64) bool {
	switch c {
	case ConditionGreaterThan:
		return value > threshold
	case ConditionLessThan:
		return value < threshold
	case ConditionEqual:
		return value == threshold
	}
	return false
}

// Valid reports whether c is a known comparison.
func (c Condition) Valid() bool {
	return c == ConditionGreaterThan || c == ConditionLessThan || c == ConditionEqual
}

type AlertRule struct {
	ID         string        `json:"id" yaml:"id"`
	MetricPath string        `json:"metric_path" yaml:"metric_path"`
	Condition  Condition     `json:"condition" yaml:"condition"`
	Threshold  float64       `json:"threshold" yaml:"threshold"`
	Severity   Severity      `json:"severity" yaml:"severity"`
	Debounce   time.Duration `json:"debounce" yaml:"debounce"`
	Message    string        `json:"message" yaml:"message"`
}

// FatalRuleID tags alerts raised for sessions that ended fatally.
const FatalRuleID = "session_fatal"

type Alert struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	SessionID   SessionID `json:"session_id,omitempty"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Metric      string    `json:"metric,omitempty"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	TriggeredAt time.Time `json:"triggered_at"`
	Resolved    bool      `json:"resolved"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string    `json:"resolved_by,omitempty"` // "auto" or "ack"
}

// MetricSnapshot is one set of named values an alert rule can watch.
// An empty SessionID means the aggregate view.
type MetricSnapshot struct {
	SessionID SessionID
	Values    map[string]float64
}
