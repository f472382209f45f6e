package domain

import "encoding/json"

// Reserved frame types owned by the relay core. Every other type is opaque
// freight between HTTP callers and the peer.
const (
	MsgTypePing    = "ping"
	MsgTypePong    = "pong"
	MsgTypeWelcome = "welcome"
	MsgTypeError   = "error"
)

// Envelope is one wire frame: a JSON object with a required "type", an
// optional "requestId" used only for correlation, and any further fields
// carried untouched. Raw always holds the complete frame bytes so opaque
// payload survives the round trip.
type Envelope struct {
	Type      string
	RequestID string
	ErrorText string
	Raw       json.RawMessage
}

// envelopeHeader is the correlation-relevant subset of a frame.
type envelopeHeader struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ParseEnvelope decodes a wire frame. Any frame that is not a JSON object
// with a string "type" is a protocol error.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var h envelopeHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, NewDomainError("Envelope.Parse", ErrProtocolError, err.Error())
	}
	if h.Type == "" {
		return nil, NewDomainError("Envelope.Parse", ErrProtocolError, "missing type field")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return &Envelope{Type: h.Type, RequestID: h.RequestID, ErrorText: h.Error, Raw: raw}, nil
}

// NewEnvelope builds a frame of the given type with the given payload fields.
// Reserved header fields in the payload ("type", "requestId", "error") are
// overridden or surfaced consistently via a re-parse.
func NewEnvelope(msgType string, fields map[string]any) (*Envelope, error) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = msgType
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, NewDomainError("Envelope.New", ErrInvalidInput, err.Error())
	}
	return ParseEnvelope(raw)
}

// WithRequestID returns a copy of the envelope with the correlation id
// stamped into the frame bytes.
func (e *Envelope) WithRequestID(id string) (*Envelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(e.Raw, &fields); err != nil {
		return nil, NewDomainError("Envelope.WithRequestID", ErrProtocolError, err.Error())
	}
	fields["requestId"] = id
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, NewDomainError("Envelope.WithRequestID", ErrInvalidInput, err.Error())
	}
	out := *e
	out.RequestID = id
	out.Raw = raw
	return &out, nil
}

// IsFailure reports whether the frame carries an explicit error indicator,
// which makes a correlated response a failure outcome.
func (e *Envelope) IsFailure() bool { return e.ErrorText != "" }

// ErrorEnvelope builds the protocol-error reply sent for unparseable frames.
func ErrorEnvelope(detail string) *Envelope {
	raw, _ := json.Marshal(envelopeHeader{Type: MsgTypeError, Error: detail})
	return &Envelope{Type: MsgTypeError, ErrorText: detail, Raw: raw}
}

// PongEnvelope builds the reply to a liveness ping.
func PongEnvelope() *Envelope {
	raw, _ := json.Marshal(envelopeHeader{Type: MsgTypePong})
	return &Envelope{Type: MsgTypePong, Raw: raw}
}

type welcomeFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// WelcomeEnvelope builds the notification sent on a freshly admitted socket.
func WelcomeEnvelope(connectionID string) *Envelope {
	raw, _ := json.Marshal(welcomeFrame{Type: MsgTypeWelcome, ConnectionID: connectionID})
	return &Envelope{Type: MsgTypeWelcome, Raw: raw}
}
