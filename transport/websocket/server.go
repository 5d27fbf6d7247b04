package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/internal/asaperr"
	"github.com/asap-project/asap-go/internal/logger"
)

// CloseRateLimited and CloseGoingAway are the WebSocket close codes the
// server uses, per §4.11: 1008 (Policy Violation) on a rate-limit
// violation, 1001 (Going Away) on orderly shutdown.
const (
	CloseRateLimited = websocket.ClosePolicyViolation // 1008
	CloseGoingAway   = websocket.CloseGoingAway        // 1001
)

// Dispatcher resolves one inbound envelope to a reply envelope, mirroring
// handler.Pool.Dispatch so the server handler need not import handler
// directly (avoiding an import cycle with httpserver).
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// ServerConfig tunes the per-connection handler.
type ServerConfig struct {
	// MessagesPerSecond is both the token bucket's refill rate and its
	// capacity (§4.11: "capacity = rate").
	MessagesPerSecond rate.Limit
	PingInterval      time.Duration
	StaleTimeout       time.Duration
}

func (c *ServerConfig) setDefaults() {
	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = 20
	}
	if c.PingInterval == 0 {
		c.PingInterval = HeartbeatPingInterval
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = StaleConnectionTimeout
	}
}

// ConnSet tracks every live server-side connection so a graceful shutdown
// can close them all (§4.11: "active on app state to allow graceful
// drain").
type ConnSet struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewConnSet returns an empty ConnSet.
func NewConnSet() *ConnSet { return &ConnSet{conns: make(map[*Conn]struct{})} }

func (s *ConnSet) add(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *ConnSet) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// CloseAll closes every tracked connection with code 1001, reason
// "Server shutting down", for use during server shutdown.
func (s *ConnSet) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(CloseGoingAway, "Server shutting down")
	}
}

// Conn is one accepted server-side WebSocket connection, running its own
// recv loop, heartbeat, and token-bucket rate limiter.
type Conn struct {
	ws         *websocket.Conn
	dispatcher Dispatcher
	cfg        ServerConfig
	log        logger.Logger
	limiter    *rate.Limiter

	lastFrame time.Time
	mu        sync.Mutex

	// writeMu serializes every write to ws: gorilla/websocket forbids
	// concurrent writers, and writeFrame/closeWithCode are called from
	// both run()'s goroutine and heartbeatLoop's.
	writeMu sync.Mutex

	subscriptions map[string]bool
	subMu         sync.Mutex
}

// Serve runs an already-upgraded WebSocket connection ws to completion
// (the caller performs the upgrade and any HTTP-level auth), registering it
// in set for the duration. Serve blocks until the
// connection closes.
func Serve(ws *websocket.Conn, dispatcher Dispatcher, cfg ServerConfig, set *ConnSet) {
	cfg.setDefaults()
	c := &Conn{
		ws:            ws,
		dispatcher:    dispatcher,
		cfg:           cfg,
		log:           logger.NewDefaultLogger().WithFields(logger.String("component", "ws_server")),
		limiter:       rate.NewLimiter(cfg.MessagesPerSecond, int(cfg.MessagesPerSecond)),
		lastFrame:     time.Now(),
		subscriptions: make(map[string]bool),
	}
	if set != nil {
		set.add(c)
		defer set.remove(c)
	}
	c.run()
}

func (c *Conn) run() {
	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }
	defer closeStop()

	go c.heartbeatLoop(stop)

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			c.rejectRateLimit(f.ID)
			return
		}

		c.handleFrame(&f)
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastFrame = time.Now()
	c.mu.Unlock()
}

func (c *Conn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastFrame)
}

// heartbeatLoop sends an application ping every PingInterval and closes
// the connection if no frame (including the client's pong) has arrived
// within StaleTimeout.
func (c *Conn) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.idleFor() > c.cfg.StaleTimeout {
				_ = c.ws.Close()
				return
			}
			c.writeFrame(pingFrame())
		}
	}
}

func (c *Conn) rejectRateLimit(id json.RawMessage) {
	c.writeFrame(newErrorFrame(id, -32001, "rate limit exceeded"))
	c.closeWithCode(CloseRateLimited, "rate limit exceeded")
}

func (c *Conn) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.ws.Close()
}

func (c *Conn) writeFrame(f *Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.ws.WriteJSON(f)
}

func (c *Conn) handleFrame(f *Frame) {
	switch {
	case f.Type == TypePong:
		return
	case f.Type == TypePing:
		c.writeFrame(pongFrame())
		return
	case f.Method == MethodSLASubscribe:
		c.setSubscription(f.Params, true)
		c.writeFrame(mustResultFrame(f.ID, []byte(`{"subscribed":true}`)))
		return
	case f.Method == MethodSLAUnsubscribe:
		c.setSubscription(f.Params, false)
		c.writeFrame(mustResultFrame(f.ID, []byte(`{"subscribed":false}`)))
		return
	case f.Method != MethodSend:
		c.writeFrame(newErrorFrame(f.ID, -32601, "unknown method"))
		return
	}

	var params sendParams
	if err := json.Unmarshal(f.Params, &params); err != nil || len(params.Envelope) == 0 {
		c.writeFrame(newErrorFrame(f.ID, -32602, "params.envelope is required"))
		return
	}
	var env envelope.Envelope
	if err := json.Unmarshal(params.Envelope, &env); err != nil {
		c.writeFrame(newErrorFrame(f.ID, -32602, "malformed envelope"))
		return
	}

	c.emitAck(env.ID(), "received", "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := c.dispatcher.Dispatch(ctx, &env)
	if err != nil {
		c.emitAck(env.ID(), "rejected", err.Error())
		c.writeFrame(c.errorFrameFor(f.ID, err))
		return
	}
	if reply == nil {
		return
	}

	replyJSON, err := json.Marshal(reply)
	if err != nil {
		return
	}
	frame, err := newResultFrame(f.ID, replyJSON)
	if err != nil {
		return
	}
	c.writeFrame(frame)
}

// emitAck sends an asap.ack notification immediately on frame receipt
// (status "received"), or "rejected" with the error string if dispatch
// raised. HTTP transport never emits MessageAck; this is WebSocket-only.
func (c *Conn) emitAck(envelopeID, status, errMsg string) {
	ack := struct {
		OriginalEnvelopeID string `json:"original_envelope_id"`
		Status             string `json:"status"`
		Error              string `json:"error,omitempty"`
	}{OriginalEnvelopeID: envelopeID, Status: status, Error: errMsg}
	frame, err := newNotificationFrame(MethodAck, ack)
	if err != nil {
		return
	}
	c.writeFrame(frame)
}

func (c *Conn) errorFrameFor(id json.RawMessage, err error) *Frame {
	switch e := err.(type) {
	case *asaperr.HandlerNotFoundError:
		return newErrorFrame(id, -32601, e.Error())
	case *asaperr.ThreadPoolExhaustedError:
		return newErrorFrame(id, -32603, e.Error())
	default:
		return newErrorFrame(id, -32603, "internal error")
	}
}

func (c *Conn) setSubscription(params json.RawMessage, subscribed bool) {
	var req struct {
		Topic string `json:"topic"`
	}
	_ = json.Unmarshal(params, &req)
	if req.Topic == "" {
		req.Topic = "default"
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if subscribed {
		c.subscriptions[req.Topic] = true
	} else {
		delete(c.subscriptions, req.Topic)
	}
}

// NotifySLABreach pushes an sla.breach notification to this connection if
// it is subscribed to topic.
func (c *Conn) NotifySLABreach(topic string, detail any) {
	c.subMu.Lock()
	subscribed := c.subscriptions[topic] || c.subscriptions["default"]
	c.subMu.Unlock()
	if !subscribed {
		return
	}
	frame, err := newNotificationFrame(MethodSLABreach, detail)
	if err != nil {
		return
	}
	c.writeFrame(frame)
}

func mustResultFrame(id json.RawMessage, raw json.RawMessage) *Frame {
	return &Frame{JSONRPC: "2.0", Result: raw, ID: id}
}
