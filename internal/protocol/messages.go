package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MeasurementType mirrors the check kinds a probe can report
type MeasurementType string

const (
	MeasurementHTTP MeasurementType = "http"
	MeasurementICMP MeasurementType = "icmp"
)

// MeasurementRecord is the ingestion contract posted by probes
type MeasurementRecord struct {
	ProbeID         int64           `json:"probe_id"`
	TargetID        int64           `json:"target_id"`
	MeasurementType MeasurementType `json:"measurement_type"`
	Up              *bool           `json:"up"`
	RTTMs           *float64        `json:"rtt_ms,omitempty"`
	JitterMs        *float64        `json:"jitter_ms,omitempty"`
	LossPct         *float64        `json:"loss_pct,omitempty"`
	HTTPCode        *int            `json:"http_code,omitempty"`
	Error           *string         `json:"error,omitempty"`
}

var ErrInvalidRecord = errors.New("invalid measurement record")

// Validate checks the required fields and value ranges of a record. An empty
// measurement type defaults to icmp.
func (r *MeasurementRecord) Validate() error {
	if r.ProbeID <= 0 {
		return fmt.Errorf("%w: probe_id is required", ErrInvalidRecord)
	}
	if r.TargetID <= 0 {
		return fmt.Errorf("%w: target_id is required", ErrInvalidRecord)
	}
	if r.Up == nil {
		return fmt.Errorf("%w: up is required", ErrInvalidRecord)
	}

	switch r.MeasurementType {
	case "":
		r.MeasurementType = MeasurementICMP
	case MeasurementHTTP, MeasurementICMP:
	default:
		return fmt.Errorf("%w: unknown measurement_type %q", ErrInvalidRecord, r.MeasurementType)
	}

	if r.LossPct != nil && (*r.LossPct < 0 || *r.LossPct > 100) {
		return fmt.Errorf("%w: loss_pct must be within 0-100", ErrInvalidRecord)
	}
	if r.RTTMs != nil && *r.RTTMs < 0 {
		return fmt.Errorf("%w: rtt_ms must not be negative", ErrInvalidRecord)
	}
	if r.JitterMs != nil && *r.JitterMs < 0 {
		return fmt.Errorf("%w: jitter_ms must not be negative", ErrInvalidRecord)
	}
	return nil
}

// LiveMeasurement is published on the fan-out channel for every ingested
// measurement
type LiveMeasurement struct {
	TargetID   int64    `json:"target_id"`
	ProbeID    int64    `json:"probe_id"`
	LocationID int64    `json:"location_id"`
	Up         bool     `json:"up"`
	RTTMs      *float64 `json:"rtt_ms"`
	JitterMs   *float64 `json:"jitter_ms"`
	LossPct    *float64 `json:"loss_pct"`
	HTTPCode   *int     `json:"http_code"`
	Timestamp  string   `json:"timestamp"`
}

// FormatTimestamp renders a time in the sortable form used on the wire
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeMeasurementRecord decodes JSON to MeasurementRecord
func DecodeMeasurementRecord(data []byte) (*MeasurementRecord, error) {
	var rec MeasurementRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &rec, nil
}

// EncodeLiveMeasurement encodes a LiveMeasurement to JSON
func EncodeLiveMeasurement(msg *LiveMeasurement) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeLiveMeasurement decodes JSON to LiveMeasurement
func DecodeLiveMeasurement(data []byte) (*LiveMeasurement, error) {
	var msg LiveMeasurement
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
