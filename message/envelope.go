// Package message defines the wire envelope exchanged through RelayKit
// transports. The envelope is payload-shape-agnostic: the transport core only
// inspects ID, Type, and CorrelationID; payload bytes pass through untouched.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/relaykit/errors"
)

// Envelope is the unit of exchange between transport endpoints. An envelope is
// immutable once constructed: build new ones with NewEnvelope, NewReply, or
// NewErrorReply rather than mutating fields.
//
// Requests carry a fresh ID and expect a reply whose CorrelationID equals that
// ID. Events carry an ID but no CorrelationID and expect no reply.
type Envelope struct {
	// ID is unique per envelope instance.
	ID string `json:"id"`

	// Type identifies the message family, e.g. "settings:get" or
	// "page:updated". Routing and permission checks key off this value.
	Type string `json:"type"`

	// CorrelationID links a reply back to the request it answers. Empty on
	// requests and events.
	CorrelationID string `json:"correlationId,omitempty"`

	// Source identifies the endpoint that created the envelope.
	Source string `json:"source,omitempty"`

	// Timestamp is the creation time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Payload carries the application body. The transport never inspects it.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error carries a failure description on error replies.
	Error string `json:"error,omitempty"`
}

// Option is a functional option for envelope construction.
type Option func(*Envelope)

// WithSource sets the originating endpoint identity.
func WithSource(source string) Option {
	return func(e *Envelope) {
		e.Source = source
	}
}

// WithTime sets a specific creation timestamp instead of time.Now().
// Useful for testing and replay.
func WithTime(t time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = t.UnixMilli()
	}
}

// NewEnvelope creates an envelope with a fresh unique ID. The payload is
// marshaled to JSON; pass json.RawMessage to forward pre-encoded bytes.
func NewEnvelope(msgType string, payload any, opts ...Option) (Envelope, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "NewEnvelope", "marshal payload")
	}

	e := Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   body,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// NewReply creates the successful reply to a request envelope. The reply's
// CorrelationID is the request's ID.
func NewReply(req Envelope, payload any, opts ...Option) (Envelope, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "NewReply", "marshal payload")
	}

	e := Envelope{
		ID:            uuid.New().String(),
		Type:          req.Type,
		CorrelationID: req.ID,
		Timestamp:     time.Now().UnixMilli(),
		Payload:       body,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// NewErrorReply creates the failure reply to a request envelope. The
// correlation engine surfaces reason as the caller's error.
func NewErrorReply(req Envelope, reason string, opts ...Option) Envelope {
	e := Envelope{
		ID:            uuid.New().String(),
		Type:          req.Type,
		CorrelationID: req.ID,
		Timestamp:     time.Now().UnixMilli(),
		Error:         reason,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// IsReply reports whether the envelope answers an outstanding request.
func (e Envelope) IsReply() bool {
	return e.CorrelationID != ""
}

// IsError reports whether the envelope is an error reply.
func (e Envelope) IsError() bool {
	return e.Error != ""
}

// Validate checks the envelope's structural invariants.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing id")
	}
	if e.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing type")
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

// Decode parses a raw wire message into an envelope and validates it.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "Decode", "unmarshal envelope")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// UnmarshalPayload decodes the payload into v.
func (e Envelope) UnmarshalPayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("envelope %s has no payload", e.ID),
			"Envelope", "UnmarshalPayload", "decode payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalPayload", "decode payload")
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
