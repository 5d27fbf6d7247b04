// Package httpclient implements the ASAP HTTP client (§4.7): envelope
// exchange over JSON-RPC 2.0, connection pooling, retry with exponential
// backoff honoring Retry-After, per-destination circuit breaking,
// compression, manifest fetch with caching, and batch fan-out. Modeled
// structurally on the teacher's pkg/agent/transport/http.HTTPTransport
// (base URL + *http.Client + wire-type marshal/unmarshal), with retry and
// backoff semantics carried over from
// original_source/src/asap/transport/client.py's ASAPClient.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asap-project/asap-go/breaker"
	"github.com/asap-project/asap-go/compress"
	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/internal/asaperr"
	"github.com/asap-project/asap-go/internal/metrics"
	"github.com/asap-project/asap-go/jsonrpc"
	"github.com/asap-project/asap-go/manifest"
)

// Default tunables, matching the worked examples.
const (
	DefaultTimeout           = 60 * time.Second
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 60 * time.Second
	DefaultPoolConnections   = 100
	DefaultManifestTimeout   = 10 * time.Second
)

// RetryConfig groups the client's retry and circuit-breaker tunables.
type RetryConfig struct {
	MaxRetries             int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	Jitter                 bool
	CircuitBreakerEnabled  bool
	CircuitBreakerConfig   breaker.Config
}

// DefaultRetryConfig mirrors the original client's RetryConfig defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            DefaultMaxRetries,
		BaseDelay:             DefaultBaseDelay,
		MaxDelay:              DefaultMaxDelay,
		Jitter:                true,
		CircuitBreakerEnabled: false,
		CircuitBreakerConfig:  breaker.DefaultConfig(),
	}
}

// Client is an ASAP HTTP client bound to one remote agent's base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	breakers   *breaker.Registry
	manifests  *manifest.Cache
	compress   bool
	compressThreshold int
	senderURN  string
	authToken  string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout overrides the client's per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetryConfig overrides the client's retry/circuit-breaker settings.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithCompression enables request compression above threshold bytes.
func WithCompression(threshold int) Option {
	return func(c *Client) {
		c.compress = true
		c.compressThreshold = threshold
	}
}

// WithSender records the agent URN this client acts as. Send does not read
// it: every envelope is sent with the sender it was built with.
func WithSender(urn string) Option {
	return func(c *Client) { c.senderURN = urn }
}

// WithBearerToken attaches a static bearer token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// New builds a Client targeting baseURL, pooling connections the way the
// teacher's transports do (one *http.Client shared across calls) sized for
// at least DefaultPoolConnections concurrent requests.
func New(baseURL string, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        DefaultPoolConnections,
		MaxIdleConnsPerHost: DefaultPoolConnections,
		MaxConnsPerHost:     DefaultPoolConnections,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		httpClient:        &http.Client{Timeout: DefaultTimeout, Transport: transport},
		retry:             DefaultRetryConfig(),
		manifests:         manifest.NewCache(manifest.DefaultTTL),
		compressThreshold: compress.Threshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breakers = breaker.NewRegistry(c.retry.CircuitBreakerConfig)
	return c
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := c.retry.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > c.retry.MaxDelay {
		delay = c.retry.MaxDelay
	}
	if c.retry.Jitter {
		jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
		delay += jitter
	}
	return delay
}

// parseRetryAfter parses a Retry-After header value, which may be either a
// number of seconds or an HTTP-date.
func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d <= 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

func isRetriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// Send wraps env in a JSON-RPC request, posts it to {baseURL}/asap, and
// returns the reply envelope. Retries transient failures with exponential
// backoff (honoring a server's Retry-After header), short-circuiting via
// the per-base-URL circuit breaker when CircuitBreakerEnabled.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	start := time.Now()
	reply, err := c.send(ctx, env)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ClientSendTotal.WithLabelValues(c.baseURL, outcome).Inc()
	metrics.ClientSendDuration.WithLabelValues(c.baseURL).Observe(time.Since(start).Seconds())
	return reply, err
}

func (c *Client) send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	var br *breaker.Breaker
	if c.retry.CircuitBreakerEnabled {
		br = c.breakers.Get(c.baseURL)
		if !br.Allow() {
			return nil, &asaperr.CircuitOpenError{BaseURL: c.baseURL, ConsecutiveFailures: br.ConsecutiveFailures()}
		}
	}

	idempotencyKey := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		reply, retryAfter, retriable, signal, err := c.sendOnce(ctx, env, idempotencyKey)
		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			return reply, nil
		}
		lastErr = err
		if !retriable || attempt == c.retry.MaxRetries {
			if br != nil {
				if signal == breakerOutcomeSuccess {
					br.RecordSuccess()
				} else {
					br.RecordFailure()
				}
			}
			return nil, err
		}

		delay := retryAfter
		if delay <= 0 {
			delay = c.calculateBackoff(attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// breakerOutcome tells send() how a non-retried sendOnce failure should
// affect the circuit breaker. Per §4.6, application-level JSON-RPC errors
// (an HTTP 200 response) are not transport failures and must not trip the
// breaker; only failures to reach or get a well-formed response from the
// peer count.
type breakerOutcome int

const (
	breakerOutcomeFailure breakerOutcome = iota
	breakerOutcomeSuccess
)

// sendOnce performs a single attempt, returning the parsed reply, an
// optional server-directed Retry-After delay, whether the failure (if
// any) is worth retrying, how it should be scored against the circuit
// breaker, and the error itself.
func (c *Client) sendOnce(ctx context.Context, env *envelope.Envelope, idempotencyKey string) (*envelope.Envelope, time.Duration, bool, breakerOutcome, error) {
	req := jsonrpc.NewRequest(json.RawMessage(`"`+env.ID()+`"`), env, idempotencyKey)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, false, breakerOutcomeFailure, fmt.Errorf("httpclient: marshal request: %w", err)
	}

	contentEncoding := ""
	if c.compress && compress.ShouldCompress(len(body), c.compressThreshold) {
		algo := compress.NegotiateAlgorithm(compress.AcceptEncodingHeader())
		if encoded, err := compress.Encode(algo, body); err == nil {
			body = encoded
			contentEncoding = string(algo)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/asap", bytes.NewReader(body))
	if err != nil {
		return nil, 0, false, breakerOutcomeFailure, fmt.Errorf("httpclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", compress.AcceptEncodingHeader())
	httpReq.Header.Set("X-Idempotency-Key", idempotencyKey)
	if contentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", contentEncoding)
	}
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, true, breakerOutcomeFailure, asaperr.NewConnectionError("httpclient: request failed", err, c.baseURL)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, true, breakerOutcomeFailure, asaperr.NewConnectionError("httpclient: read response body failed", err, c.baseURL)
	}

	if resp.StatusCode != http.StatusOK {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		retriable := isRetriableStatus(resp.StatusCode)
		err := fmt.Errorf("httpclient: %s%s", asaperr.SanitizeURL(c.baseURL), fmt.Sprintf(" returned HTTP %d: %s", resp.StatusCode, string(respBody)))
		return nil, retryAfter, retriable, breakerOutcomeFailure, err
	}

	// From here the peer answered with HTTP 200: the connection and the
	// peer itself are healthy, so none of the remaining failure modes
	// (decompression, parsing, or an application-level JSON-RPC error)
	// count against the breaker.
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		decoded, derr := compress.Decode(enc, respBody, int64(50<<20))
		if derr != nil {
			return nil, 0, false, breakerOutcomeSuccess, fmt.Errorf("httpclient: decompress response: %w", derr)
		}
		respBody = decoded
	}

	rpcResp, err := jsonrpc.ParseResponse(respBody)
	if err != nil {
		return nil, 0, false, breakerOutcomeSuccess, fmt.Errorf("httpclient: parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, 0, false, breakerOutcomeSuccess, &asaperr.RemoteError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Data: rpcResp.Error.Data}
	}
	if rpcResp.Result == nil || rpcResp.Result.Envelope == nil {
		return nil, 0, false, breakerOutcomeSuccess, fmt.Errorf("httpclient: response carried no envelope")
	}
	return rpcResp.Result.Envelope, 0, false, breakerOutcomeSuccess, nil
}

// SendBatch sends every envelope in envs concurrently, returning replies
// (or errors) in the same order as the input.
func (c *Client) SendBatch(ctx context.Context, envs []*envelope.Envelope) ([]*envelope.Envelope, []error) {
	start := time.Now()
	replies := make([]*envelope.Envelope, len(envs))
	errs := make([]error, len(envs))

	type result struct {
		idx   int
		reply *envelope.Envelope
		err   error
	}
	results := make(chan result, len(envs))

	for i, env := range envs {
		go func(i int, env *envelope.Envelope) {
			reply, err := c.Send(ctx, env)
			results <- result{idx: i, reply: reply, err: err}
		}(i, env)
	}

	var successes, failures int
	for range envs {
		r := <-results
		replies[r.idx] = r.reply
		errs[r.idx] = r.err
		if r.err != nil {
			failures++
		} else {
			successes++
		}
	}

	duration := time.Since(start)
	metrics.ClientBatchSize.WithLabelValues(c.baseURL).Observe(float64(len(envs)))
	metrics.ClientBatchResults.WithLabelValues(c.baseURL, "ok").Add(float64(successes))
	metrics.ClientBatchResults.WithLabelValues(c.baseURL, "error").Add(float64(failures))
	metrics.ClientBatchDuration.WithLabelValues(c.baseURL).Observe(duration.Seconds())
	if duration > 0 {
		metrics.ClientBatchThroughput.WithLabelValues(c.baseURL).Observe(float64(len(envs)) / duration.Seconds())
	}
	return replies, errs
}

// GetManifest fetches the remote agent's manifest, consulting (and
// populating) this client's manifest cache first.
func (c *Client) GetManifest(ctx context.Context) (*manifest.Manifest, error) {
	manifestURL := c.baseURL + "/.well-known/asap/manifest.json"
	if cached, ok := c.manifests.Get(manifestURL); ok {
		return cached, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, DefaultManifestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build manifest request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.manifests.Invalidate(manifestURL)
		return nil, asaperr.NewConnectionError("httpclient: manifest fetch failed", err, c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.manifests.Invalidate(manifestURL)
		return nil, fmt.Errorf("httpclient: manifest endpoint returned HTTP %d", resp.StatusCode)
	}

	var m manifest.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		c.manifests.Invalidate(manifestURL)
		return nil, fmt.Errorf("httpclient: decode manifest: %w", err)
	}

	c.manifests.Set(manifestURL, &m)
	return &m, nil
}

// ValidateURL applies the loopback/scheme policy: when requireHTTPS is set,
// non-HTTPS URLs are only permitted against loopback hosts; otherwise any
// parseable URL is accepted. This matches the teacher pack's
// development-vs-production URL handling.
func ValidateURL(raw string, requireHTTPS bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("httpclient: invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "https" && requireHTTPS {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("httpclient: %s requires HTTPS for non-loopback hosts", asaperr.SanitizeURL(raw))
		}
	}
	return nil
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
