package feed

import (
	"encoding/json"
	"time"
)

// maxEchoedPayload limits how much of a rejected frame is echoed back.
const maxEchoedPayload = 256

// Message types sent on the wire besides plain readings.
const (
	TypeError                = "error"
	TypeProducerDisconnected = "producer_disconnected"
)

// Diagnostic kinds.
const (
	KindDecode      = "decode_error"
	KindPersistence = "persistence_error"
)

// Diagnostic is sent to a producer whose frame was rejected.
type Diagnostic struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Payload string `json:"payload,omitempty"`
}

// Notice is an informational message broadcast to observers.
type Notice struct {
	Type   string    `json:"type"`
	ConnID string    `json:"conn_id"`
	At     time.Time `json:"at"`
}

func newDiagnostic(kind string, err error, payload []byte) []byte {
	d := Diagnostic{
		Type:    TypeError,
		Kind:    kind,
		Message: err.Error(),
		Payload: truncate(payload, maxEchoedPayload),
	}
	// Diagnostic has only string fields; Marshal cannot fail
	data, _ := json.Marshal(d)
	return data
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
