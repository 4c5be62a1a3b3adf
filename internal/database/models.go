package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MeasurementType is the check kind that produced a raw measurement
type MeasurementType string

const (
	MeasurementHTTP MeasurementType = "http"
	MeasurementICMP MeasurementType = "icmp"
)

// Valid reports whether t is a known measurement type
func (t MeasurementType) Valid() bool {
	return t == MeasurementHTTP || t == MeasurementICMP
}

// Pair identifies a (probe, target) combination being monitored
type Pair struct {
	ProbeID  int64
	TargetID int64
}

func (p Pair) String() string {
	return fmt.Sprintf("probe=%d target=%d", p.ProbeID, p.TargetID)
}

// RawMeasurement is one check result as reported by a probe
type RawMeasurement struct {
	ID              int64
	Timestamp       time.Time
	ProbeID         int64
	TargetID        int64
	MeasurementType MeasurementType
	Up              bool
	RTTMs           *float64
	JitterMs        *float64
	LossPct         *float64
	HTTPCode        *int
	Error           *string
}

// Pair returns the (probe, target) pair of the measurement
func (m *RawMeasurement) Pair() Pair {
	return Pair{ProbeID: m.ProbeID, TargetID: m.TargetID}
}

// AggregateBucket holds one minute of statistics for a pair
type AggregateBucket struct {
	Bucket      time.Time
	ProbeID     int64
	TargetID    int64
	Samples     int
	UpRatio     float64
	RTTP50      *float64
	RTTP95      *float64
	RTTAvg      *float64
	JitterAvg   *float64
	LossAvg     *float64
	HTTP5xxRate *float64
}

// Pair returns the (probe, target) pair of the bucket
func (b *AggregateBucket) Pair() Pair {
	return Pair{ProbeID: b.ProbeID, TargetID: b.TargetID}
}

// RuleType is the kind of condition an alert rule checks
type RuleType string

const (
	RuleDown    RuleType = "down"
	RuleLoss    RuleType = "loss"
	RuleRTTP95  RuleType = "rtt_p95"
	RuleJitter  RuleType = "jitter"
	RuleHTTP5xx RuleType = "http_5xx"
)

// Severity of a rule or incident
type Severity string

const (
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s == SeverityMajor || s == SeverityCritical
}

// AlertRule is an operator-defined monitoring policy
type AlertRule struct {
	ID                  int64
	Name                string
	RuleType            RuleType
	Severity            Severity
	Threshold           *float64
	ConsecutiveFailures *int
	IsActive            bool
	CreatedAt           time.Time
}

// IncidentStatus is the lifecycle state of an incident
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentAcked    IncidentStatus = "acked"
	IncidentResolved IncidentStatus = "resolved"
)

// Active reports whether the status still participates in deduplication
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentAcked
}

// Evidence is a snapshot of the metric values behind a trigger
type Evidence map[string]any

// Incident records a rule being triggered for one (target, probe) pair
type Incident struct {
	ID          int64
	TargetID    int64
	ProbeID     int64
	LocationID  int64
	AlertRuleID *int64
	Severity    Severity
	Status      IncidentStatus
	Title       string
	Description *string
	Evidence    Evidence
	StartedAt   time.Time
	AckedAt     *time.Time
	AckedBy     *string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
}

// IncidentFilter narrows ListIncidents
type IncidentFilter struct {
	Status   IncidentStatus
	Severity Severity
	Limit    int
}

var ErrNotFound = errors.New("not found")

// marshalEvidence returns a JSON text value, or nil for SQL NULL
func marshalEvidence(e Evidence) (any, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evidence: %w", err)
	}
	return string(data), nil
}

func unmarshalEvidence(data []byte) (Evidence, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var e Evidence
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return e, nil
}
