// Package channel abstracts the bidirectional event transport the
// collaboration coordinator speaks over: named event delivery with
// per-handler removal, plus one-shot listeners for request/response
// correlation. The production implementation is a websocket client; tests
// drive the in-process Emitter directly.
package channel

import "encoding/json"

// Handler receives the raw JSON payload of one inbound event.
type Handler func(payload json.RawMessage)

// Channel is the transport contract the coordinator requires. Send is
// fire-and-forget; delivery ordering is per-connection, at most once per
// send. On and Once return a removal func that is safe to call more than
// once and after the handler has fired.
type Channel interface {
	Send(event string, payload any) error
	On(event string, fn Handler) (off func())
	Once(event string, fn Handler) (off func())
}

// Envelope is the wire framing for every message: an event name and its
// JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeEnvelope marshals an event and payload into wire bytes.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
