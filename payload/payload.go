// Package payload models the dynamic ASAP payload variants as a tagged
// union discriminated by payload_type, per the "Dynamic payloads" design
// note: a registry maps a tag to a concrete shape, while the envelope's
// payload remains a raw map at the wire boundary.
package payload

import "encoding/json"

// Payload is implemented by every concrete payload shape known to the
// registry.
type Payload interface {
	// Type returns the payload_type tag this shape is registered under.
	Type() string
}

// TaskRequest is the payload of a "task.request" / "TaskRequest" envelope.
type TaskRequest struct {
	ConversationID string         `json:"conversation_id"`
	SkillID        string         `json:"skill_id"`
	Input          map[string]any `json:"input"`
}

func (TaskRequest) Type() string { return "task.request" }

// TaskMetrics carries token/duration/call counters attached to a
// TaskResponse.
type TaskMetrics struct {
	TokensIn    int64 `json:"tokens_in,omitempty"`
	TokensOut   int64 `json:"tokens_out,omitempty"`
	TokensUsed  int64 `json:"tokens_used,omitempty"` // legacy fallback field
	DurationMS  int64 `json:"duration_ms,omitempty"`
	APICalls    int64 `json:"api_calls,omitempty"`
}

// TaskResponse is the payload of a "task.response" / "TaskResponse"
// envelope.
type TaskResponse struct {
	TaskID  string         `json:"task_id"`
	Status  string         `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
	Metrics *TaskMetrics   `json:"metrics,omitempty"`
}

func (TaskResponse) Type() string { return "task.response" }

// TaskUpdate is an interim progress payload for a long-running task.
type TaskUpdate struct {
	TaskID  string         `json:"task_id"`
	Status  string         `json:"status"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (TaskUpdate) Type() string { return "task.update" }

// MessageAck is the application-level acknowledgement payload sent over
// WebSocket in reply to a received envelope.
type MessageAck struct {
	OriginalEnvelopeID string `json:"original_envelope_id"`
	Status             string `json:"status"`
	Error              string `json:"error,omitempty"`
}

func (MessageAck) Type() string { return "asap.ack" }

// Registry maps a payload_type tag to a constructor producing a fresh,
// zero-valued Payload of the matching concrete type.
type Registry struct {
	ctors map[string]func() Payload
}

// NewRegistry returns a Registry pre-populated with the built-in payload
// shapes under both their canonical and alias tags.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]func() Payload)}
	r.Register("task.request", func() Payload { return &TaskRequest{} })
	r.Register("TaskRequest", func() Payload { return &TaskRequest{} })
	r.Register("task.response", func() Payload { return &TaskResponse{} })
	r.Register("TaskResponse", func() Payload { return &TaskResponse{} })
	r.Register("task.update", func() Payload { return &TaskUpdate{} })
	r.Register("TaskUpdate", func() Payload { return &TaskUpdate{} })
	r.Register("asap.ack", func() Payload { return &MessageAck{} })
	r.Register("MessageAck", func() Payload { return &MessageAck{} })
	return r
}

// Register adds or overrides the constructor for a payload_type tag.
func (r *Registry) Register(payloadType string, ctor func() Payload) {
	r.ctors[payloadType] = ctor
}

// Decode unmarshals raw JSON into the concrete type registered for
// payloadType. When no constructor is registered, it falls back to
// decoding into a raw map[string]any, matching the envelope's "payload as
// a map regardless of construction" contract.
func (r *Registry) Decode(payloadType string, raw json.RawMessage) (any, error) {
	ctor, ok := r.ctors[payloadType]
	if !ok {
		var m map[string]any
		if len(raw) == 0 {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	v := ctor()
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}
