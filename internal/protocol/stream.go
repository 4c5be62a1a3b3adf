package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the type of a probe stream message
type MessageType string

const (
	// probe to server
	MsgTypeIdentify    MessageType = "identify"
	MsgTypeMeasurement MessageType = "measurement"
	MsgTypeKeepalive   MessageType = "keepalive"

	// server to probe
	MsgTypeAck MessageType = "ack"
)

type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage opens a probe stream session
type IdentifyMessage struct {
	Type    MessageType `json:"type"`
	ProbeID int64       `json:"probe_id"`
}

// MeasurementMessage carries one record on an identified stream. The
// record's probe_id may be omitted; it defaults to the identified probe.
type MeasurementMessage struct {
	Type   MessageType       `json:"type"`
	Record MeasurementRecord `json:"record"`
}

type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is the server reply to every probe message
type AckMessage struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	Timestamp string      `json:"ts,omitempty"`
	Message   string      `json:"message,omitempty"`
}

const (
	AckStatusIdentified = "identified"
	AckStatusAccepted   = "accepted"
	AckStatusAlive      = "alive"
	AckStatusError      = "error"
)

// ParseMessage parses one JSON line into the matching message type
func ParseMessage(data []byte) (any, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if msg.ProbeID <= 0 {
			return nil, fmt.Errorf("probe_id is required")
		}
		return &msg, nil

	case MsgTypeMeasurement:
		var msg MeasurementMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid measurement message: %w", err)
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", base.Type)
	}
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}

// NewErrorAck reports a rejected message back to the probe
func NewErrorAck(reason string) *AckMessage {
	ack := NewAckMessage(AckStatusError)
	ack.Message = reason
	return ack
}
