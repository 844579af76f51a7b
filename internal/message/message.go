// Package message defines the JSON envelopes exchanged over the bridge
// topic contract and the freshness rules applied to inbound envelopes.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved metadata keys in the flat command payload form. Everything else
// in a flat payload is treated as a command value.
const (
	KeyID        = "id"
	KeyTimestamp = "timestamp"
	KeyValues    = "values"
	KeyTimeout   = "timeout"
)

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error severities
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Command is an inbound device command envelope. Values may arrive nested
// under "values" or as flat top-level keys next to the reserved metadata.
type Command struct {
	ID        string                 `json:"id,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
	Values    map[string]interface{} `json:"values,omitempty"`
	Timeout   int64                  `json:"timeout,omitempty"` // milliseconds
}

// Response is a correlated command acknowledgement.
type Response struct {
	CmdID     string `json:"cmd_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// State is a full device state snapshot.
type State struct {
	Timestamp int64                  `json:"timestamp"`
	DeviceID  string                 `json:"device_id"`
	State     map[string]interface{} `json:"state"`
}

// ErrorNotification reports a device or bridge fault.
type ErrorNotification struct {
	Timestamp int64  `json:"timestamp"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
}

// Event is a transient device event.
type Event struct {
	Timestamp int64                  `json:"timestamp"`
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Get is an inbound state request, optionally filtered to a property subset.
type Get struct {
	Properties []string `json:"properties,omitempty"`
}

// Status is the instance online/offline envelope.
type Status struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Now returns the wall-clock timestamp used in envelopes (unix milliseconds).
func Now() int64 {
	return time.Now().UnixMilli()
}

// Timestamp converts a time to the envelope representation.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// IsStale reports whether an envelope timestamp is older than the staleness
// window at the given reference time. A zero timestamp means the sender did
// not supply one; such messages are never considered stale.
func IsStale(ts int64, window time.Duration, now time.Time) bool {
	if ts == 0 {
		return false
	}
	age := now.Sub(time.UnixMilli(ts))
	return age > window
}

// DecodeCommand parses a command payload, accepting both the nested form
// {"id": ..., "timestamp": ..., "values": {...}} and the flat form where
// command values sit beside the reserved metadata keys.
func DecodeCommand(payload []byte) (*Command, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse command payload: %w", err)
	}

	cmd := &Command{}

	if v, ok := raw[KeyID].(string); ok {
		cmd.ID = v
	}
	if v, ok := raw[KeyTimestamp].(float64); ok {
		cmd.Timestamp = int64(v)
	}
	if v, ok := raw[KeyTimeout].(float64); ok {
		cmd.Timeout = int64(v)
	}

	if nested, ok := raw[KeyValues].(map[string]interface{}); ok {
		cmd.Values = nested
		return cmd, nil
	}

	// Flat form: everything that is not reserved metadata is a value.
	values := make(map[string]interface{})
	for k, v := range raw {
		switch k {
		case KeyID, KeyTimestamp, KeyValues, KeyTimeout:
		default:
			values[k] = v
		}
	}
	cmd.Values = values
	return cmd, nil
}

// DecodeGet parses a state request payload. An empty payload is a valid
// request for the full snapshot.
func DecodeGet(payload []byte) (*Get, error) {
	if len(payload) == 0 {
		return &Get{}, nil
	}
	var get Get
	if err := json.Unmarshal(payload, &get); err != nil {
		return nil, fmt.Errorf("failed to parse get payload: %w", err)
	}
	return &get, nil
}

// DecodeResponse parses a command response payload.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response payload: %w", err)
	}
	if resp.CmdID == "" {
		return nil, fmt.Errorf("response payload missing cmd_id")
	}
	return &resp, nil
}
