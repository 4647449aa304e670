// Package protocol defines the messages exchanged between editing sessions and the relay.
//
// Every frame on the wire is a JSON envelope {"event": name, "data": payload}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Messages of the document protocol.
const (
	GetDocument       = "get-document"
	LoadDocument      = "load-document"
	LoadDocumentError = "load-document-error"
	SendChanges       = "send-changes"
	ReceiveChanges    = "receive-changes"
	SaveDocument      = "save-document"
)

// Connection lifecycle events raised locally by the transport. They never appear on the wire.
const (
	Connect      = "connect"
	ConnectError = "connect_error"
	Reconnect    = "reconnect"
	Disconnect   = "disconnect"
)

var ErrMalformed = errors.New("malformed frame")

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for the given event. A nil payload produces a frame without data.
func Encode(event string, payload interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// ConnectionState is the transport's view of its connection.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Reconnected
	Disconnected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnected:
		return "reconnected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Live reports whether messages can currently be sent.
func (s ConnectionState) Live() bool {
	return s == Connected || s == Reconnected
}
