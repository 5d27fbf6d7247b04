// Package websocket implements the ASAP WebSocket transport (§4.10-4.12):
// a persistent, bidirectional JSON-RPC framing over gorilla/websocket,
// with reconnection, heartbeat, application-level acknowledgements, a
// per-connection rate limiter on the server side, and a client-side
// connection pool. Modeled structurally on the teacher's
// pkg/agent/transport/websocket.WSTransport (a *websocket.Conn guarded by
// a mutex, a pending-response map keyed by message id, and a background
// read loop delivering to waiting senders), generalized to the richer
// frame vocabulary (ping/pong, ack notifications, server push, SLA
// subscriptions) the ASAP spec requires.
package websocket

import "encoding/json"

// Frame is the single wire shape every WebSocket text frame is decoded
// into before further dispatch. Exactly one of the JSON-RPC fields or
// Type is meaningful for a given frame: application pings/pongs carry
// only Type, everything else is a JSON-RPC 2.0 request, response, or
// notification (Method set, ID absent).
type Frame struct {
	Type    string          `json:"type,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// FrameError mirrors jsonrpc.Error on the wire; kept as a distinct type so
// this package does not need to import jsonrpc just for error shape.
type FrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *FrameError) Error() string { return e.Message }

// Well-known frame types and method names.
const (
	TypePing = "ping"
	TypePong = "pong"

	MethodSend             = "asap.send"
	MethodAck              = "asap.ack"
	MethodSLASubscribe     = "sla.subscribe"
	MethodSLAUnsubscribe   = "sla.unsubscribe"
	MethodSLABreach        = "sla.breach"
)

func pingFrame() *Frame { return &Frame{Type: TypePing} }
func pongFrame() *Frame { return &Frame{Type: TypePong} }

// resultEnvelopeFrame unpacks the `{envelope: ...}` shape used for both
// asap.send responses and server-push notifications.
type resultEnvelope struct {
	Envelope json.RawMessage `json:"envelope"`
}

func newResultFrame(id json.RawMessage, envJSON json.RawMessage) (*Frame, error) {
	result, err := json.Marshal(resultEnvelope{Envelope: envJSON})
	if err != nil {
		return nil, err
	}
	return &Frame{JSONRPC: "2.0", Result: result, ID: id}, nil
}

func newRequestFrame(id json.RawMessage, method string, params any) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{JSONRPC: "2.0", Method: method, Params: raw, ID: id}, nil
}

func newNotificationFrame(method string, params any) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

func newErrorFrame(id json.RawMessage, code int, message string) *Frame {
	return &Frame{JSONRPC: "2.0", Error: &FrameError{Code: code, Message: message}, ID: id}
}

// sendParams is the params object of an asap.send request/response frame.
type sendParams struct {
	Envelope       json.RawMessage `json:"envelope"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}
