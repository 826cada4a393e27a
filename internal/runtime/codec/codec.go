// Package codec defines the message envelopes streambus puts on the wire
// and their JSON encoding. Wire values are loosely-typed scalar/map/array
// trees; the casting package turns them into typed values.
package codec

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

var json = sonic.ConfigStd

// Call is the envelope appended to an API's request stream for each
// procedure invocation. Immutable once published.
type Call struct {
	ID         string         `json:"id"`
	API        string         `json:"api"`
	Procedure  string         `json:"procedure"`
	Kwargs     map[string]any `json:"kwargs"`
	ReturnPath string         `json:"return_path"`
	IssuedAt   time.Time      `json:"issued_at"`
}

// ErrorInfo describes a remote failure inside a Result. Kind and Message are
// preserved across the wire so the caller sees what the procedure raised.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the envelope appended to a call's return path. Result and Err
// are mutually exclusive.
type Result struct {
	CallID    string     `json:"call_id"`
	Result    any        `json:"result"`
	Err       *ErrorInfo `json:"error"`
	Responder string     `json:"responder"`
}

// Event is the envelope appended to an API's event stream. The entry id is
// supplied out-of-band by the broker, never embedded.
type Event struct {
	API     string         `json:"api"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Marshal encodes any envelope to its broker byte representation.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes broker bytes into the target envelope.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DecodeCall decodes a Call envelope.
func DecodeCall(data []byte) (Call, error) {
	var c Call
	if err := json.Unmarshal(data, &c); err != nil {
		return Call{}, fmt.Errorf("codec: decode call: %w", err)
	}
	return c, nil
}

// DecodeResult decodes a Result envelope.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("codec: decode result: %w", err)
	}
	return r, nil
}

// DecodeEvent decodes an Event envelope.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("codec: decode event: %w", err)
	}
	return e, nil
}
