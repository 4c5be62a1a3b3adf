package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"identify","probe_id":4}`))
	require.NoError(t, err)
	identify, ok := msg.(*IdentifyMessage)
	require.True(t, ok)
	assert.Equal(t, int64(4), identify.ProbeID)

	msg, err = ParseMessage([]byte(`{"type":"measurement","record":{"target_id":9,"up":true,"rtt_ms":3.5}}`))
	require.NoError(t, err)
	m, ok := msg.(*MeasurementMessage)
	require.True(t, ok)
	assert.Equal(t, int64(9), m.Record.TargetID)
	assert.Equal(t, 3.5, *m.Record.RTTMs)

	msg, err = ParseMessage([]byte("{\"type\":\"keepalive\"}\n"))
	require.NoError(t, err)
	assert.IsType(t, &KeepaliveMessage{}, msg)
}

func TestParseMessage_Rejects(t *testing.T) {
	for name, line := range map[string]string{
		"not json":          `identify 4`,
		"unknown type":      `{"type":"metrics"}`,
		"identify no probe": `{"type":"identify"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage([]byte(line))
			assert.Error(t, err)
		})
	}
}

func TestNewErrorAck(t *testing.T) {
	data, err := EncodeMessage(NewErrorAck("expected identify message"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack","status":"error","message":"expected identify message"}`, string(data))
}
