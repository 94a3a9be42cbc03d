// Package orders implements the order verification pipeline: every
// order received from the coordinator passes signature, host-scope,
// TTL, and nonce-replay checks before it is ever handed to the Healer.
// Verification is adapted from a single-process-lifetime in-memory
// nonce map (persisted as a side-channel JSON file) into the durable,
// crash-safe internal/noncestore store, and from a single-server-key
// verifier into the multi-key internal/signer.Verifier a rotatable
// trust store needs.
package orders

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/osiriscare/compliance-agent/internal/coordinator"
	"github.com/osiriscare/compliance-agent/internal/noncestore"
	"github.com/osiriscare/compliance-agent/internal/signer"
)

// Disposition is the terminal verification outcome for one order.
type Disposition string

const (
	DispositionAccepted Disposition = "accepted"
	DispositionRejected Disposition = "rejected"
	DispositionExpired  Disposition = "expired"
)

// Decision is the result of running an order through the pipeline.
type Decision struct {
	Order       coordinator.Order
	Disposition Disposition
	Reason      string
}

// Pipeline verifies orders before they reach the Healer.
type Pipeline struct {
	verifier *signer.Verifier
	nonces   *noncestore.Store
	hostID   string
	issuer   string // logical issuer name scoping the nonce namespace
	minTTL   time.Duration
}

// New builds a Pipeline bound to this host's identity. minTTLSeconds is
// the floor below which a declared order TTL is rejected outright,
// regardless of whether the order has actually expired yet.
func New(verifier *signer.Verifier, nonces *noncestore.Store, hostID string, minTTLSeconds int) *Pipeline {
	return &Pipeline{
		verifier: verifier,
		nonces:   nonces,
		hostID:   hostID,
		issuer:   "coordinator",
		minTTL:   time.Duration(minTTLSeconds) * time.Second,
	}
}

// Verify runs one order through signature, host-scope, minimum-TTL, TTL-
// expiry, and nonce checks in order, stopping at the first failure. A
// rejected or expired order still produces a Decision — the caller folds
// every Decision into an EvidenceBundle, since rejection is itself an
// outcome worth recording.
func (p *Pipeline) Verify(order coordinator.Order) Decision {
	if err := p.verifySignature(order); err != nil {
		return Decision{Order: order, Disposition: DispositionRejected, Reason: err.Error()}
	}
	if err := p.verifyHostScope(order); err != nil {
		return Decision{Order: order, Disposition: DispositionRejected, Reason: err.Error()}
	}
	if declared := time.Duration(order.TTLSeconds) * time.Second; declared < p.minTTL {
		return Decision{
			Order:       order,
			Disposition: DispositionRejected,
			Reason:      fmt.Sprintf("ttl_seconds %d below configured minimum %d", order.TTLSeconds, int(p.minTTL.Seconds())),
		}
	}
	if time.Now().UTC().After(order.ExpiresAt()) {
		return Decision{Order: order, Disposition: DispositionExpired, Reason: "order expired before processing"}
	}

	fresh, err := p.nonces.CheckAndRecord(p.issuer, order.Nonce)
	if err != nil {
		return Decision{Order: order, Disposition: DispositionRejected, Reason: fmt.Sprintf("nonce store error: %v", err)}
	}
	if !fresh {
		return Decision{Order: order, Disposition: DispositionRejected, Reason: "nonce replay detected"}
	}

	return Decision{Order: order, Disposition: DispositionAccepted}
}

func (p *Pipeline) verifySignature(order coordinator.Order) error {
	sig, err := hex.DecodeString(order.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature encoding: %w", err)
	}
	canonical, err := signer.Canonicalize(order.SignedFields())
	if err != nil {
		return fmt.Errorf("canonicalize order: %w", err)
	}
	if err := p.verifier.Verify(canonical, sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// verifyHostScope rejects orders targeted at a different host. An empty
// TargetHostID is a fleet-wide order and is always allowed.
func (p *Pipeline) verifyHostScope(order coordinator.Order) error {
	if order.TargetHostID == "" {
		return nil
	}
	if order.TargetHostID != p.hostID {
		return fmt.Errorf("host scope mismatch: order targets %q but this host is %q", order.TargetHostID, p.hostID)
	}
	return nil
}

// IsDiagnostic reports whether order is the whitelisted, read-only
// diagnostic order type rather than a heal order.
func IsDiagnostic(order coordinator.Order) bool {
	return order.OrderType == "diagnostic"
}
