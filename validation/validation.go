// SPDX-License-Identifier: LGPL-3.0-or-later

// Package validation implements the server-side validation pipeline
// (§4.3): timestamp, then nonce, then sender-vs-auth, always in that fixed
// order so that a stale envelope never pollutes the nonce store. Modeled
// directly on the teacher's core/message/validator.MessageValidator, which
// runs its checks in the same staged, early-return style.
package validation

import (
	"fmt"
	"time"

	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/internal/asaperr"
)

// Config holds the tunable windows of the validation pipeline.
type Config struct {
	MaxEnvelopeAge      time.Duration // e.g. 300s
	MaxFutureTolerance  time.Duration // e.g. 30s
	RequireNonce        bool
	NonceTTL            time.Duration
	NonceCleanupInterval time.Duration
}

// DefaultConfig returns the spec's example windows.
func DefaultConfig() Config {
	return Config{
		MaxEnvelopeAge:       300 * time.Second,
		MaxFutureTolerance:   30 * time.Second,
		RequireNonce:         false,
		NonceTTL:             300 * time.Second,
		NonceCleanupInterval: 60 * time.Second,
	}
}

// Authenticator resolves the agent URN authenticated for a request, if
// any. A nil Authenticator (or ok=false) means the request carried no
// valid credentials and the sender check is skipped.
type Authenticator interface {
	AuthenticatedAgent() (urn string, ok bool)
}

// Pipeline runs the three-stage validation described in §4.3.
type Pipeline struct {
	cfg    Config
	nonces *NonceStore
}

// New builds a Pipeline with its own nonce store.
func New(cfg Config) *Pipeline {
	p := &Pipeline{cfg: cfg}
	if cfg.RequireNonce {
		p.nonces = NewNonceStore(cfg.NonceTTL, cfg.NonceCleanupInterval)
	}
	return p
}

// Close releases the pipeline's background resources (the nonce store's
// sweep goroutine).
func (p *Pipeline) Close() {
	if p.nonces != nil {
		p.nonces.Close()
	}
}

// Validate runs the fixed-order pipeline against env, given an optional
// authenticated agent URN (empty string / false if the request carried no
// credentials).
func (p *Pipeline) Validate(env *envelope.Envelope, authAgent string, authOK bool) *asaperr.ValidationError {
	if err := p.validateTimestamp(env); err != nil {
		return err
	}
	if err := p.validateNonce(env); err != nil {
		return err
	}
	if err := p.validateSender(env, authAgent, authOK); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) validateTimestamp(env *envelope.Envelope) *asaperr.ValidationError {
	ts := env.Timestamp()
	if ts.IsZero() {
		return &asaperr.ValidationError{Reason: "timestamp", Message: "envelope timestamp is missing"}
	}

	now := time.Now().UTC()
	age := now.Sub(ts)
	if age > p.cfg.MaxEnvelopeAge {
		return &asaperr.ValidationError{
			Reason:  "timestamp",
			Message: fmt.Sprintf("envelope timestamp is too old: age %s exceeds %s", age, p.cfg.MaxEnvelopeAge),
		}
	}
	future := ts.Sub(now)
	if future > p.cfg.MaxFutureTolerance {
		return &asaperr.ValidationError{
			Reason:  "timestamp",
			Message: fmt.Sprintf("envelope timestamp is in the future: offset %s exceeds %s", future, p.cfg.MaxFutureTolerance),
		}
	}
	return nil
}

func (p *Pipeline) validateNonce(env *envelope.Envelope) *asaperr.ValidationError {
	if !p.cfg.RequireNonce {
		return nil
	}
	nonce, ok := env.Nonce()
	if !ok || nonce == "" {
		return &asaperr.ValidationError{Reason: "nonce", Message: "extensions.nonce is required"}
	}
	if !p.nonces.CheckAndStore(nonce) {
		return &asaperr.ValidationError{Reason: "nonce", Message: fmt.Sprintf("nonce %q has already been used (replay)", nonce)}
	}
	return nil
}

func (p *Pipeline) validateSender(env *envelope.Envelope, authAgent string, authOK bool) *asaperr.ValidationError {
	if !authOK {
		return nil
	}
	if authAgent != env.Sender() {
		return &asaperr.ValidationError{
			Reason:  "sender",
			Message: fmt.Sprintf("authenticated agent %q does not match envelope sender %q", authAgent, env.Sender()),
		}
	}
	return nil
}
