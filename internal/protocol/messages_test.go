package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMeasurementRecord_DefaultsToICMP(t *testing.T) {
	rec, err := DecodeMeasurementRecord([]byte(`{"probe_id":1,"target_id":2,"up":false,"error":"timeout"}`))
	require.NoError(t, err)
	require.NoError(t, rec.Validate())

	assert.Equal(t, MeasurementICMP, rec.MeasurementType)
	assert.False(t, *rec.Up)
	assert.Equal(t, "timeout", *rec.Error)
	assert.Nil(t, rec.RTTMs)
}

func TestMeasurementRecord_Validate(t *testing.T) {
	up := true
	loss := 120.0

	tests := []struct {
		name string
		rec  MeasurementRecord
	}{
		{"missing probe", MeasurementRecord{TargetID: 1, Up: &up}},
		{"missing target", MeasurementRecord{ProbeID: 1, Up: &up}},
		{"missing up", MeasurementRecord{ProbeID: 1, TargetID: 1}},
		{"unknown type", MeasurementRecord{ProbeID: 1, TargetID: 1, Up: &up, MeasurementType: "dns"}},
		{"loss out of range", MeasurementRecord{ProbeID: 1, TargetID: 1, Up: &up, LossPct: &loss}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.rec.Validate(), ErrInvalidRecord)
		})
	}
}

func TestDecodeMeasurementRecord_Malformed(t *testing.T) {
	_, err := DecodeMeasurementRecord([]byte(`{"probe_id":"x"`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

var fixedTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestNewIncidentEvent_UniqueIDs(t *testing.T) {
	a := NewIncidentEvent(IncidentOpened, fixedTime)
	b := NewIncidentEvent(IncidentOpened, fixedTime)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Equal(t, fixedTime, a.OccurredAt)
}
