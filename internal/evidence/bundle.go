// Package evidence implements the Evidence Builder: it assembles an
// immutable, signed, hash-chained EvidenceBundle from a per-cycle
// outcome, persists it in a date-partitioned layout, and enqueues it
// for upload. BuildAndSubmit's pattern of folding per-check outcomes
// into one payload, signing, then shipping is adapted from an
// always-network, HTTP-POST-only submitter into a local-first pipeline
// that signs and persists unconditionally and uploads opportunistically
// through internal/queue.
package evidence

import (
	"time"

	"github.com/osiriscare/compliance-agent/internal/healing"
	"github.com/osiriscare/compliance-agent/internal/identity"
)

// Outcome is the terminal disposition of one EvidenceBundle.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeReverted Outcome = "reverted"
	OutcomeDeferred Outcome = "deferred"
	OutcomeAlert    Outcome = "alert"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
)

// Bundle is the durable audit artifact. Field names and json tags match
// the wire/on-disk representation exactly since, once signed, a
// bundle's bytes are never regenerated.
type Bundle struct {
	BundleID           string                 `json:"bundle_id"`
	SiteID             string                 `json:"site_id"`
	HostID             string                 `json:"host_id"`
	DeploymentMode     identity.DeploymentMode `json:"deployment_mode"`
	ResellerID         string                 `json:"reseller_id,omitempty"`
	TimestampStart     time.Time              `json:"timestamp_start"`
	TimestampEnd       time.Time              `json:"timestamp_end"`
	PolicyVersion      string                 `json:"policy_version"`
	Check              string                 `json:"check"`
	HIPAAControls      []string               `json:"hipaa_controls,omitempty"`
	PreState           healing.HealthSnapshot `json:"pre_state"`
	PostState          healing.HealthSnapshot `json:"post_state"`
	ActionTaken        []healing.StepResult   `json:"action_taken"`
	RollbackAvailable  bool                   `json:"rollback_available"`
	Outcome            Outcome                `json:"outcome"`
	OrderID            string                 `json:"order_id,omitempty"`
	RunbookID          string                 `json:"runbook_id,omitempty"`
	Error              string                 `json:"error,omitempty"`
	PreviousBundleHash string                 `json:"previous_bundle_hash,omitempty"`
	NTPOffsetMS        *int                   `json:"ntp_offset_ms,omitempty"`
}

// recognizedChecks are the six drift check names plus the sentinels
// used when a bundle records an order ("order") or a diagnostic order
// ("diagnostic") rather than a drift check.
var recognizedChecks = map[string]bool{
	"config_manifest_hash": true,
	"patch_status":         true,
	"backup_freshness":     true,
	"service_health":       true,
	"encryption_status":    true,
	"clock_skew":           true,
	"order":                true,
	"diagnostic":           true,
}

// Validate enforces EvidenceBundle's structural invariants.
func (b *Bundle) Validate() error {
	if b.TimestampEnd.Before(b.TimestampStart) {
		return errBundleInvariant("timestamp_end must be >= timestamp_start")
	}
	if b.DeploymentMode == identity.DeploymentReseller && b.ResellerID == "" {
		return errBundleInvariant("reseller_id required when deployment_mode=reseller")
	}
	if b.DeploymentMode == identity.DeploymentDirect && b.ResellerID != "" {
		return errBundleInvariant("reseller_id must be empty when deployment_mode=direct")
	}
	if !recognizedChecks[b.Check] {
		return errBundleInvariant("check is not a recognized value: " + b.Check)
	}
	return nil
}

type bundleInvariantError string

func (e bundleInvariantError) Error() string { return "evidence: " + string(e) }

func errBundleInvariant(msg string) error { return bundleInvariantError(msg) }
