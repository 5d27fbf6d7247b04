// Package httpserver implements the ASAP HTTP server (§4.8): the full
// request pipeline (size gate, decompression, JSON-RPC parse, envelope
// validation, auth, handler dispatch, response encode), the well-known
// manifest endpoint, health/ready probes, and the usage REST surface.
// Modeled structurally on the teacher's
// pkg/agent/transport/http.HTTPServer (a MessageHandler field plus
// http.Handler factory methods and JSON encode helpers), generalized into
// a full mux-based server with the ambient middlewares the spec requires.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/asap-project/asap-go/compress"
	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/handler"
	"github.com/asap-project/asap-go/internal/asaperr"
	"github.com/asap-project/asap-go/internal/logger"
	"github.com/asap-project/asap-go/internal/metrics"
	"github.com/asap-project/asap-go/jsonrpc"
	"github.com/asap-project/asap-go/manifest"
	"github.com/asap-project/asap-go/metering"
	"github.com/asap-project/asap-go/validation"
	wstransport "github.com/asap-project/asap-go/transport/websocket"
)

// Authenticator resolves the bearer token on a request to an agent URN.
type Authenticator interface {
	Validate(tokenString string) (agentURN string, err error)
}

// Config groups the server's construction-time settings.
type Config struct {
	AgentURN             string
	Manifest             *manifest.Manifest
	MaxBodyBytes         int64
	MaxDecompressedBytes int64
	CompressionThreshold int
	RateLimitRPS         rate.Limit
	RateLimitBurst       int
	DebugMode            bool
}

// DefaultConfig mirrors the spec's worked examples.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:         10 << 20,
		MaxDecompressedBytes: 50 << 20,
		CompressionThreshold: compress.Threshold,
		RateLimitRPS:         50,
		RateLimitBurst:       100,
	}
}

// Server is the ASAP HTTP server.
type Server struct {
	cfg        Config
	validator  *validation.Pipeline
	pool       *handler.Pool
	auth       Authenticator
	store      metering.Store
	limiters   *perClientLimiter
	log        logger.Logger
	mux        *http.ServeMux
	manifestJSON []byte
	manifestETag string
	wsConns    *wstransport.ConnSet
}

// New builds a Server. store may be nil to disable the usage REST surface.
func New(cfg Config, validator *validation.Pipeline, pool *handler.Pool, auth Authenticator, store metering.Store) *Server {
	s := &Server{
		cfg:       cfg,
		validator: validator,
		pool:      pool,
		auth:      auth,
		store:     store,
		limiters:  newPerClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:       logger.NewDefaultLogger().WithFields(logger.String("component", "httpserver")),
		wsConns:   wstransport.NewConnSet(),
	}
	s.setManifest(cfg.Manifest)
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) setManifest(m *manifest.Manifest) {
	if m == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.manifestJSON = data
	h := fnv.New64a()
	h.Write(data)
	s.manifestETag = fmt.Sprintf(`"%x"`, h.Sum64())
}

func (s *Server) routes() {
	s.mux.HandleFunc("/asap", s.rateLimited(s.handleASAP))
	s.mux.HandleFunc("/asap/ws", s.handleWS)
	s.mux.HandleFunc("/.well-known/asap/manifest.json", s.handleManifest)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.Handle("/asap/metrics", metrics.Handler())
	if s.store != nil {
		s.registerUsageRoutes()
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limiter := s.limiters.get(clientKey(r))
		if !limiter.Allow() {
			s.log.Warn("rate limit exceeded", logger.String("client", clientKey(r)))
			w.Header().Set("Retry-After", "1")
			s.writeRPCError(w, nil, jsonrpc.CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if s.manifestJSON == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("ETag", s.manifestETag)
	if r.Header.Get("If-None-Match") == s.manifestETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(s.manifestJSON)
}

func (s *Server) handleASAP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > s.cfg.MaxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	limited := io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		s.writeRPCError(w, nil, jsonrpc.CodeInternalError, "failed to read request body", http.StatusInternalServerError)
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if enc := r.Header.Get("Content-Encoding"); enc != "" {
		decoded, err := compress.Decode(enc, body, s.cfg.MaxDecompressedBytes)
		if err != nil {
			switch err.(type) {
			case *compress.UnsupportedEncodingError:
				http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			case *compress.SizeExceededError:
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			default:
				http.Error(w, "malformed compressed body", http.StatusBadRequest)
			}
			return
		}
		body = decoded
	}

	id, env, rpcErr := s.parseASAPRequest(body)
	if rpcErr != nil {
		s.writeRPCErrorData(w, id, rpcErr.code, rpcErr.message, rpcErr.data, rpcErr.status)
		return
	}

	authAgent, authOK := "", false
	if s.auth != nil {
		if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
			if urn, err := s.auth.Validate(token); err == nil {
				authAgent, authOK = urn, true
			}
		}
	}

	if verr := s.validator.Validate(env, authAgent, authOK); verr != nil {
		if verr.Reason == "sender" {
			s.writeRPCError(w, id, jsonrpc.CodeInvalidRequest, verr.Message, http.StatusForbidden)
			return
		}
		s.writeRPCError(w, id, jsonrpc.CodeInvalidParams, verr.Message, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	reply, err := s.pool.Dispatch(ctx, env)
	if err != nil {
		s.writeDispatchError(w, id, err)
		return
	}

	s.writeAcceptEncodingAndSend(w, r, id, reply)
}

// rpcParseError carries the JSON-RPC code, HTTP status, message, and
// optional error data for a request the parsing stage below rejected.
type rpcParseError struct {
	code    int
	status  int
	message string
	data    any
}

// rawRequestShape decodes only the JSON-RPC envelope of a request,
// keeping method/params/id untyped so the caller can classify the body's
// shape before committing to an ASAP envelope decode, per §4.8 steps 3-5:
// a non-object body is invalid-request, a non-object params or envelope
// is invalid-params, and an envelope failing schema validation is
// invalid-params with `data.validation_errors`.
type rawRequestShape struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// parseASAPRequest stages the decode of an /asap request body: JSON
// syntax, top-level shape, JSON-RPC fields, params shape, and finally the
// ASAP envelope's own schema. It returns the request id recovered so far
// (nil if parsing failed before an id could be read) alongside either a
// validated envelope or a classified rpcParseError.
func (s *Server) parseASAPRequest(body []byte) (json.RawMessage, *envelope.Envelope, *rpcParseError) {
	var shape any
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, nil, &rpcParseError{code: jsonrpc.CodeParseError, status: http.StatusBadRequest, message: "malformed JSON"}
	}
	if _, ok := shape.(map[string]any); !ok {
		return nil, nil, &rpcParseError{code: jsonrpc.CodeInvalidRequest, status: http.StatusBadRequest, message: "request body must be a JSON object"}
	}

	var raw rawRequestShape
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, &rpcParseError{code: jsonrpc.CodeParseError, status: http.StatusBadRequest, message: "malformed JSON"}
	}

	if raw.Method != jsonrpc.Method {
		return raw.ID, nil, &rpcParseError{code: jsonrpc.CodeMethodNotFound, status: http.StatusBadRequest, message: fmt.Sprintf("unknown method %q", raw.Method)}
	}

	var paramsShape any
	if len(raw.Params) == 0 {
		return raw.ID, nil, &rpcParseError{code: jsonrpc.CodeInvalidParams, status: http.StatusBadRequest, message: "params is required"}
	}
	if err := json.Unmarshal(raw.Params, &paramsShape); err != nil {
		return raw.ID, nil, &rpcParseError{code: jsonrpc.CodeInvalidParams, status: http.StatusBadRequest, message: "params must be a JSON object"}
	}
	paramsObj, ok := paramsShape.(map[string]any)
	if !ok {
		return raw.ID, nil, &rpcParseError{code: jsonrpc.CodeInvalidParams, status: http.StatusBadRequest, message: "params must be a JSON object"}
	}

	envShape, ok := paramsObj["envelope"]
	if !ok {
		return raw.ID, nil, &rpcParseError{code: jsonrpc.CodeInvalidParams, status: http.StatusBadRequest, message: "params.envelope is required"}
	}
	if _, ok := envShape.(map[string]any); !ok {
		return raw.ID, nil, &rpcParseError{code: jsonrpc.CodeInvalidParams, status: http.StatusBadRequest, message: "params.envelope must be a JSON object"}
	}

	var envelopeParams struct {
		Envelope json.RawMessage `json:"envelope"`
	}
	if err := json.Unmarshal(raw.Params, &envelopeParams); err != nil {
		return raw.ID, nil, &rpcParseError{code: jsonrpc.CodeInvalidParams, status: http.StatusBadRequest, message: "params must be a JSON object"}
	}

	env, validationErrs := envelope.DecodeAndValidate(envelopeParams.Envelope)
	if len(validationErrs) > 0 {
		return raw.ID, nil, &rpcParseError{
			code:    jsonrpc.CodeInvalidParams,
			status:  http.StatusBadRequest,
			message: "envelope failed schema validation",
			data:    map[string]any{"validation_errors": validationErrs},
		}
	}

	return raw.ID, env, nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

func (s *Server) writeDispatchError(w http.ResponseWriter, id json.RawMessage, err error) {
	switch e := err.(type) {
	case *asaperr.HandlerNotFoundError:
		s.writeRPCErrorData(w, id, jsonrpc.CodeMethodNotFound, e.Error(), map[string]any{"payload_type": e.PayloadType}, http.StatusNotFound)
	case *asaperr.ThreadPoolExhaustedError:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"error": e.Error(),
			"code":  "asap:transport/thread_pool_exhausted",
			"details": map[string]any{
				"max_threads":    e.MaxThreads,
				"active_threads": e.ActiveThreads,
			},
		})
	default:
		s.log.Error("handler dispatch failed", logger.Error(err))
		msg := err.Error()
		if !s.cfg.DebugMode {
			msg = "internal error handling request"
		}
		s.writeRPCError(w, id, jsonrpc.CodeInternalError, msg, http.StatusInternalServerError)
	}
}

func (s *Server) writeAcceptEncodingAndSend(w http.ResponseWriter, r *http.Request, id json.RawMessage, reply *envelope.Envelope) {
	var resp *jsonrpc.Response
	if reply != nil {
		resp = jsonrpc.NewSuccessResponse(id, reply)
	} else {
		resp = jsonrpc.NewSuccessResponse(id, nil)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if compress.ShouldCompress(len(body), s.cfg.CompressionThreshold) {
		algo := compress.NegotiateAlgorithm(r.Header.Get("Accept-Encoding"))
		if algo != compress.Identity {
			if encoded, err := compress.Encode(algo, body); err == nil {
				metrics.ObserveCompression(string(algo), len(body), len(encoded))
				w.Header().Set("Content-Encoding", string(algo))
				w.Write(encoded)
				return
			}
		}
	}
	w.Write(body)
}

func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, status int) {
	s.writeRPCErrorData(w, id, code, message, nil, status)
}

func (s *Server) writeRPCErrorData(w http.ResponseWriter, id json.RawMessage, code int, message string, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, message, data))
}

// perClientLimiter hands out a token-bucket rate.Limiter per client key.
type perClientLimiter struct {
	rps   rate.Limit
	burst int

	mu       chan struct{}
	limiters map[string]*rate.Limiter
}

func newPerClientLimiter(rps rate.Limit, burst int) *perClientLimiter {
	return &perClientLimiter{rps: rps, burst: burst, mu: make(chan struct{}, 1), limiters: make(map[string]*rate.Limiter)}
}

func (p *perClientLimiter) get(key string) *rate.Limiter {
	p.mu <- struct{}{}
	defer func() { <-p.mu }()

	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[key] = l
	}
	return l
}
