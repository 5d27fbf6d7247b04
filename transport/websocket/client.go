package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asap-project/asap-go/breaker"
	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/internal/asaperr"
	"github.com/asap-project/asap-go/internal/logger"
)

// Default tunables, matching the spec's worked examples (§4.10).
const (
	DefaultDialTimeout          = 10 * time.Second
	DefaultReceiveTimeout       = 30 * time.Second
	DefaultReconnectInitial     = 1 * time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultAckCheckInterval     = 5 * time.Second
	DefaultMaxAckRetries        = 3
	HeartbeatPingInterval       = 30 * time.Second
	StaleConnectionTimeout      = 90 * time.Second
)

// OnMessage is implemented by callers who want server-push envelopes
// (a JSON-RPC result with no matching pending id) delivered to them. An
// implementation may block (synchronous callback) or hand the envelope
// off to a goroutine (asynchronous callback); the recv loop does not care
// which, matching the "Callback polymorphism" design note.
type OnMessage interface {
	OnMessage(env *envelope.Envelope) error
}

// OnMessageFunc adapts a plain function to OnMessage.
type OnMessageFunc func(env *envelope.Envelope) error

func (f OnMessageFunc) OnMessage(env *envelope.Envelope) error { return f(env) }

// Config tunes a Transport.
type Config struct {
	URL        string
	DialTimeout time.Duration
	ReceiveTimeout time.Duration

	// AutoReconnect enables the reconnect supervisor loop. The first
	// connection attempt is always synchronous to the caller regardless
	// of this setting.
	AutoReconnect        bool
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int // 0 = unbounded

	AckCheckInterval time.Duration
	MaxAckRetries    int

	// Breaker, if non-nil, has one failure recorded against it whenever a
	// pending-ack entry exhausts its retries.
	Breaker *breaker.Breaker

	OnMessage OnMessage
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.ReconnectInitial == 0 {
		c.ReconnectInitial = DefaultReconnectInitial
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.AckCheckInterval == 0 {
		c.AckCheckInterval = DefaultAckCheckInterval
	}
	if c.MaxAckRetries == 0 {
		c.MaxAckRetries = DefaultMaxAckRetries
	}
}

// pendingAck is the pending-ack entry described in §3: a sent envelope
// awaiting an application-level MessageAck.
type pendingAck struct {
	envelopeID string
	sentAt     time.Time
	retries    int
	original   *envelope.Envelope
}

// pendingReply is a caller blocked in Send waiting for a correlated
// result/error frame.
type pendingReply struct {
	ch chan replyOrError
}

type replyOrError struct {
	env *envelope.Envelope
	err error
}

// Transport is the ASAP WebSocket client transport (C9). It owns a single
// logical connection to one remote endpoint, reconnecting under it as
// configured, and exposes a request/response Send on top of the
// underlying frame stream.
type Transport struct {
	cfg Config
	log logger.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	pendingMu sync.Mutex
	pending   map[string]*pendingReply

	ackMu   sync.Mutex
	pendingAcks map[string]*pendingAck

	reconnectAttempt int
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

// Dial connects cfg.URL and starts the recv loop and the ack-check loop
// (and, if AutoReconnect is set, the reconnect supervisor). The first connection attempt's
// failure is returned synchronously, per §4.10's client state machine.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	cfg.setDefaults()
	t := &Transport{
		cfg:     cfg,
		log:     logger.NewDefaultLogger().WithFields(logger.String("component", "ws_client")),
		pending: make(map[string]*pendingReply),
		pendingAcks: make(map[string]*pendingAck),
		stopCh:  make(chan struct{}),
	}

	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go t.recvLoop()

	t.wg.Add(1)
	go t.ackCheckLoop()

	if cfg.AutoReconnect {
		t.wg.Add(1)
		go t.reconnectSupervisor()
	}

	return t, nil
}

func (t *Transport) connect(ctx context.Context) error {
	dialer := &websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return asaperr.NewConnectionError(fmt.Sprintf("websocket dial failed (HTTP %d)", resp.StatusCode), err, t.cfg.URL)
		}
		return asaperr.NewConnectionError("websocket dial failed", err, t.cfg.URL)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.reconnectAttempt = 0
	return nil
}

// reconnectSupervisor watches for the connection being cleared (by
// recvLoop on exit) and re-dials with exponential backoff until
// MaxReconnectAttempts is exhausted or the transport is closed.
func (t *Transport) reconnectSupervisor() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.mu.Lock()
		lost := t.conn == nil && !t.closed
		t.mu.Unlock()
		if !lost {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-t.stopCh:
				return
			}
			continue
		}

		if t.cfg.MaxReconnectAttempts > 0 && t.reconnectAttempt >= t.cfg.MaxReconnectAttempts {
			t.log.Error("websocket reconnect attempts exhausted", logger.Int("attempts", t.reconnectAttempt))
			return
		}

		delay := reconnectDelay(t.cfg.ReconnectInitial, t.cfg.ReconnectMax, t.reconnectAttempt)
		t.reconnectAttempt++

		select {
		case <-time.After(delay):
		case <-t.stopCh:
			return
		}

		if err := t.connect(context.Background()); err != nil {
			t.log.Warn("websocket reconnect attempt failed", logger.Int("attempt", t.reconnectAttempt), logger.Error(err))
			continue
		}

		t.wg.Add(1)
		go t.recvLoop()
	}
}

// reconnectDelay implements delay(attempt) = min(initial * 2^attempt, max)
// for a zero-based attempt count, so successive reconnects wait initial,
// 2*initial, 4*initial, ... up to max.
func reconnectDelay(initial, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return initial
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Send transmits env as an asap.send request and blocks for the matching
// response (or error) up to ReceiveTimeout, registering a pending-ack
// entry first when the envelope requires acknowledgement.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope, idempotencyKey string) (*envelope.Envelope, error) {
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("websocket: marshal envelope: %w", err)
	}
	params := sendParams{Envelope: envJSON, IdempotencyKey: idempotencyKey}
	id := json.RawMessage(fmt.Sprintf("%q", env.ID()))

	frame, err := newRequestFrame(id, MethodSend, params)
	if err != nil {
		return nil, err
	}

	reply := &pendingReply{ch: make(chan replyOrError, 1)}
	t.pendingMu.Lock()
	t.pending[env.ID()] = reply
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.ID())
		t.pendingMu.Unlock()
	}()

	if envelope.RequiresAck(env) {
		t.registerAck(env)
	}

	if err := t.writeFrame(frame); err != nil {
		return nil, err
	}

	timeout := t.cfg.ReceiveTimeout
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-reply.ch:
		return res.env, res.err
	case <-time.After(timeout):
		return nil, asaperr.NewTimeoutError(fmt.Sprintf("websocket: no response for envelope %s within %s", env.ID(), timeout), timeout)
	}
}

func (t *Transport) registerAck(env *envelope.Envelope) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	t.pendingAcks[env.ID()] = &pendingAck{envelopeID: env.ID(), sentAt: time.Now(), original: env}
}

func (t *Transport) writeFrame(f *Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return asaperr.NewConnectionError("websocket: not connected", nil, t.cfg.URL)
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout))
	return t.conn.WriteJSON(f)
}

// recvLoop reads frames until the socket closes, dispatching each per
// §4.10's frame vocabulary.
func (t *Transport) recvLoop() {
	defer t.wg.Done()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			if !t.isClosed() {
				t.log.Warn("websocket recv loop exited", logger.Error(err))
			}
			return
		}
		t.handleFrame(&f)
	}
}

func (t *Transport) handleFrame(f *Frame) {
	switch {
	case f.Type == TypePing:
		t.writeFrame(pongFrame())
		return
	case f.Type == TypePong:
		return
	case f.Method == MethodAck:
		var ack struct {
			OriginalEnvelopeID string `json:"original_envelope_id"`
		}
		if err := json.Unmarshal(f.Params, &ack); err == nil {
			t.ackMu.Lock()
			delete(t.pendingAcks, ack.OriginalEnvelopeID)
			t.ackMu.Unlock()
		}
		return
	case f.Method == MethodSLABreach:
		// Server push notification carrying no envelope: it is dropped
		// here, since OnMessage only receives envelopes.
		return
	}

	id := string(f.ID)
	if f.Error != nil {
		t.deliver(id, replyOrError{err: &asaperr.RemoteError{Code: f.Error.Code, Message: f.Error.Message, Data: f.Error.Data}})
		return
	}
	if f.Result == nil {
		return
	}
	var res resultEnvelope
	if err := json.Unmarshal(f.Result, &res); err != nil || len(res.Envelope) == 0 {
		return
	}
	var env envelope.Envelope
	if err := json.Unmarshal(res.Envelope, &env); err != nil {
		t.log.Warn("websocket: malformed envelope in frame", logger.Error(err))
		return
	}

	if t.deliver(id, replyOrError{env: &env}) {
		return
	}

	// No matching pending id: server-push envelope.
	if t.cfg.OnMessage != nil {
		if err := t.cfg.OnMessage.OnMessage(&env); err != nil {
			t.log.Warn("websocket: on_message callback failed", logger.Error(err))
		}
	}
}

func (t *Transport) deliver(id string, r replyOrError) bool {
	// id arrives JSON-encoded (quoted); match against the envelope id it
	// was minted from in Send.
	key := r.envelopeIDFromFrameID(id)
	t.pendingMu.Lock()
	p, ok := t.pending[key]
	t.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- r:
	default:
	}
	return true
}

func (r replyOrError) envelopeIDFromFrameID(id string) string {
	var s string
	if err := json.Unmarshal([]byte(id), &s); err == nil {
		return s
	}
	return id
}

// ackCheckLoop retransmits pending-ack entries whose retries are below
// MaxAckRetries every AckCheckInterval, and drops (recording one breaker
// failure) any entry that has exhausted its retries.
func (t *Transport) ackCheckLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.AckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepAcks()
		}
	}
}

func (t *Transport) sweepAcks() {
	t.ackMu.Lock()
	var toRetry []*pendingAck
	var expired []string
	for id, p := range t.pendingAcks {
		if p.retries >= t.cfg.MaxAckRetries {
			expired = append(expired, id)
			continue
		}
		p.retries++
		toRetry = append(toRetry, p)
	}
	for _, id := range expired {
		delete(t.pendingAcks, id)
	}
	t.ackMu.Unlock()

	for range expired {
		if t.cfg.Breaker != nil {
			t.cfg.Breaker.RecordFailure()
		}
	}
	for _, p := range toRetry {
		envJSON, err := json.Marshal(p.original)
		if err != nil {
			continue
		}
		id := json.RawMessage(fmt.Sprintf("%q", p.envelopeID))
		frame, err := newRequestFrame(id, MethodSend, sendParams{Envelope: envJSON})
		if err != nil {
			continue
		}
		t.writeFrame(frame)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close signals the reconnect supervisor and the ack-check loop to stop
// (both through one stop channel, so neither is ordered before the other),
// marks the transport closed, fails every pending Send with a timeout-style
// error, and closes the underlying socket, swallowing OS-level close
// errors; the recv loop ends only once the socket is closed. It then waits
// for all loops to exit.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.pendingMu.Lock()
	for id, p := range t.pending {
		select {
		case p.ch <- replyOrError{err: asaperr.NewTimeoutError("websocket: transport closed", 0)}:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}
