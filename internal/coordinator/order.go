package coordinator

import "time"

// Order is what the external coordinator produces and the agent's order
// pipeline consumes.
type Order struct {
	OrderID   string                 `json:"order_id"`
	RunbookID string                 `json:"runbook_id"`
	OrderType string                 `json:"order_type,omitempty"` // "heal" (default) | "diagnostic"
	Params    map[string]interface{} `json:"params"`
	Nonce     string                 `json:"nonce"`
	IssuedAt  time.Time              `json:"issued_at"`
	TTLSeconds int                   `json:"ttl_seconds"`
	Signature string                 `json:"signature"` // hex-encoded detached Ed25519 signature
	TargetHostID string              `json:"target_host_id,omitempty"`
}

// ExpiresAt returns the instant after which the order is no longer valid.
func (o Order) ExpiresAt() time.Time {
	return o.IssuedAt.Add(time.Duration(o.TTLSeconds) * time.Second)
}

// SignedFields returns the map form of the order used for canonical
// serialization, excluding the signature itself — the caller is expected
// to pass this through signer.Canonicalize (not CanonicalizeExcluding,
// since the signature field was never included here).
func (o Order) SignedFields() map[string]interface{} {
	return map[string]interface{}{
		"order_id":       o.OrderID,
		"runbook_id":     o.RunbookID,
		"order_type":     o.OrderType,
		"params":         o.Params,
		"nonce":          o.Nonce,
		"issued_at":      o.IssuedAt.UTC().Format(time.RFC3339),
		"ttl_seconds":    o.TTLSeconds,
		"target_host_id": o.TargetHostID,
	}
}
