// SPDX-License-Identifier: LGPL-3.0-or-later

// Package envelope implements the ASAP envelope model: the self-describing
// message unit exchanged between agents, its construction invariants, and
// canonical JSON serialization.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the ASAP wire protocol version tag embedded in every
// envelope.
const ProtocolVersion = "1.0"

var urnPattern = regexp.MustCompile(`^urn:asap:agent:[A-Za-z0-9._-]+$`)

// Status is the closed set of TaskResponse statuses.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// AckStatus is the closed set of MessageAck statuses.
type AckStatus string

const (
	AckReceived  AckStatus = "received"
	AckProcessed AckStatus = "processed"
	AckRejected  AckStatus = "rejected"
)

// Envelope is the immutable record carrying one ASAP message between
// agents. It is constructed once via New and never mutated afterwards;
// callers that need a modified copy (e.g. a response) build a fresh
// Envelope via Reply.
type Envelope struct {
	id            string
	asapVersion   string
	sender        string
	recipient     string
	payloadType   string
	payload       json.RawMessage
	timestamp     time.Time
	correlationID string
	traceID       string
	extensions    map[string]any
	requiresAck   bool
}

// Params groups the fields accepted by New. ID and Timestamp are optional:
// when absent they are assigned at construction.
type Params struct {
	ID            string
	Sender        string
	Recipient     string
	PayloadType   string
	Payload       any
	Timestamp     time.Time
	CorrelationID string
	TraceID       string
	Extensions    map[string]any
	RequiresAck   bool
}

// New constructs an Envelope, validating sender/recipient URN format and
// auto-filling id and timestamp when absent. Unknown top-level fields
// cannot be expressed through Params (they are rejected by construction,
// not by a post-hoc check) which is how "rejects unknown top-level fields"
// is enforced in a statically typed runtime.
func New(p Params) (*Envelope, error) {
	if !urnPattern.MatchString(p.Sender) {
		return nil, fmt.Errorf("envelope: invalid sender URN %q", p.Sender)
	}
	if !urnPattern.MatchString(p.Recipient) {
		return nil, fmt.Errorf("envelope: invalid recipient URN %q", p.Recipient)
	}
	if p.PayloadType == "" {
		return nil, fmt.Errorf("envelope: payload_type is required")
	}

	raw, err := marshalPayload(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}

	ext := p.Extensions
	if ext == nil {
		ext = map[string]any{}
	}

	return &Envelope{
		id:            id,
		asapVersion:   ProtocolVersion,
		sender:        p.Sender,
		recipient:     p.Recipient,
		payloadType:   p.PayloadType,
		payload:       raw,
		timestamp:     ts,
		correlationID: p.CorrelationID,
		traceID:       p.TraceID,
		extensions:    ext,
		requiresAck:   p.RequiresAck,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Reply builds a response Envelope whose CorrelationID equals req.ID(),
// matching the invariant that "correlation_id of a response equals the id
// of the request it answers".
func Reply(req *Envelope, sender, payloadType string, payload any) (*Envelope, error) {
	return New(Params{
		Sender:        sender,
		Recipient:     req.Sender(),
		PayloadType:   payloadType,
		Payload:       payload,
		CorrelationID: req.ID(),
		TraceID:       req.TraceID(),
	})
}

func (e *Envelope) ID() string            { return e.id }
func (e *Envelope) ASAPVersion() string    { return e.asapVersion }
func (e *Envelope) Sender() string        { return e.sender }
func (e *Envelope) Recipient() string     { return e.recipient }
func (e *Envelope) PayloadType() string   { return e.payloadType }
func (e *Envelope) Timestamp() time.Time  { return e.timestamp }
func (e *Envelope) CorrelationID() string { return e.correlationID }
func (e *Envelope) TraceID() string       { return e.traceID }
func (e *Envelope) RequiresAck() bool     { return e.requiresAck }

// Nonce returns extensions["nonce"] if present, and whether it was set.
func (e *Envelope) Nonce() (string, bool) {
	v, ok := e.extensions["nonce"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Extension returns an arbitrary extension value by key.
func (e *Envelope) Extension(key string) (any, bool) {
	v, ok := e.extensions[key]
	return v, ok
}

// Extensions returns a copy of the extensions map.
func (e *Envelope) Extensions() map[string]any {
	out := make(map[string]any, len(e.extensions))
	for k, v := range e.extensions {
		out[k] = v
	}
	return out
}

// Payload returns the raw payload as a map[string]any regardless of
// whether the envelope was constructed from a typed payload or a raw map,
// per the accessor contract in §4.1.
func (e *Envelope) Payload() (map[string]any, error) {
	if len(e.payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.payload, &m); err != nil {
		return nil, fmt.Errorf("envelope: payload is not a JSON object: %w", err)
	}
	return m, nil
}

// RawPayload returns the payload bytes unparsed, letting the payload
// registry (see package payload) decode it into a typed value.
func (e *Envelope) RawPayload() json.RawMessage { return e.payload }

// Equal compares envelopes by id, per the equality contract in §4.1.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.id == other.id
}

// wireEnvelope is the canonical JSON representation of Envelope.
type wireEnvelope struct {
	ID            string          `json:"id"`
	ASAPVersion   string          `json:"asap_version"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	PayloadType   string          `json:"payload_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	Extensions    map[string]any  `json:"extensions,omitempty"`
	RequiresAck   bool            `json:"requires_ack,omitempty"`
}

// MarshalJSON renders the canonical wire form. Nested payloads round-trip
// byte-for-byte because the payload is kept as json.RawMessage internally.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:            e.id,
		ASAPVersion:   e.asapVersion,
		Sender:        e.sender,
		Recipient:     e.recipient,
		PayloadType:   e.payloadType,
		Payload:       e.payload,
		Timestamp:     e.timestamp,
		CorrelationID: e.correlationID,
		TraceID:       e.traceID,
		Extensions:    e.extensions,
		RequiresAck:   e.requiresAck,
	})
}

// UnmarshalJSON parses the canonical wire form, preserving opaque payload
// bytes so a re-marshal round-trips exactly.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ASAPVersion == "" {
		w.ASAPVersion = ProtocolVersion
	}
	e.id = w.ID
	e.asapVersion = w.ASAPVersion
	e.sender = w.Sender
	e.recipient = w.Recipient
	e.payloadType = w.PayloadType
	e.payload = w.Payload
	e.timestamp = w.Timestamp
	e.correlationID = w.CorrelationID
	e.traceID = w.TraceID
	if w.Extensions == nil {
		w.Extensions = map[string]any{}
	}
	e.extensions = w.Extensions
	e.requiresAck = w.RequiresAck
	return nil
}

// IsURN reports whether s matches the agent URN format
// "urn:asap:agent:<name>".
func IsURN(s string) bool {
	return urnPattern.MatchString(s)
}

// DecodeAndValidate parses raw into an Envelope and checks it against the
// schema §4.8 step 5 requires of a server-received envelope: sender and
// recipient present and URN-shaped, payload_type and id present. On any
// violation it returns a nil Envelope and the list of human-readable
// violations, for callers to surface under `data.validation_errors`.
func DecodeAndValidate(raw json.RawMessage) (*Envelope, []string) {
	e := &Envelope{}
	if err := e.UnmarshalJSON(raw); err != nil {
		return nil, []string{fmt.Sprintf("envelope: malformed JSON: %v", err)}
	}

	var errs []string
	if e.sender == "" {
		errs = append(errs, "sender is required")
	} else if !urnPattern.MatchString(e.sender) {
		errs = append(errs, fmt.Sprintf("sender %q is not a valid agent URN", e.sender))
	}
	if e.recipient == "" {
		errs = append(errs, "recipient is required")
	} else if !urnPattern.MatchString(e.recipient) {
		errs = append(errs, fmt.Sprintf("recipient %q is not a valid agent URN", e.recipient))
	}
	if e.payloadType == "" {
		errs = append(errs, "payload_type is required")
	}
	if e.id == "" {
		errs = append(errs, "id is required")
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return e, nil
}

// CriticalPayloadTypes is the set of payload types that imply
// requires_ack=true over WebSocket regardless of the sender's flag (§4.10,
// resolving the Open Question on TaskRequest/task.request aliasing by
// treating both spellings as members).
var CriticalPayloadTypes = map[string]bool{
	"TaskRequest":   true,
	"task.request":  true,
	"TaskCancel":    true,
	"task.cancel":   true,
	"StateRestore":  true,
	"state_restore": true,
	"MessageSend":   true,
	"message.send":  true,
}

// RequiresAck reports whether an envelope destined for WebSocket transport
// must be acknowledged: either it was constructed with requires_ack=true,
// or its payload type is in the critical set.
func RequiresAck(e *Envelope) bool {
	return e.requiresAck || CriticalPayloadTypes[e.payloadType]
}
