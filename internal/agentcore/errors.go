package agentcore

import "errors"

// Named error kinds for the failures a cycle can meet, named rather than
// typed so they can be classified with errors.Is instead of string
// matching. Transient-transport and authentication failures are
// classified by internal/coordinator (ErrAuthFailed, ErrServerError,
// ErrClientError) since they originate there. The kinds below name this
// package's own failures; no function in this package returns or wraps
// them — the cycle logs these failures instead of returning them.
var (
	// ErrConfiguration marks a fatal startup condition: bad config,
	// missing keys, an unparseable baseline. Never produced mid-cycle.
	ErrConfiguration = errors.New("agentcore: configuration error")

	// ErrOrderValidation marks a rejected or expired order: bad
	// signature, expired TTL, replayed nonce, unknown runbook, wrong
	// host scope. Non-fatal; always folded into a rejected/expired
	// evidence bundle.
	ErrOrderValidation = errors.New("agentcore: order validation failed")

	// ErrCheckFailure marks a drift check that could not complete.
	// Non-fatal; recorded as drift detected, fail-closed.
	ErrCheckFailure = errors.New("agentcore: check failed")

	// ErrHealingFailure marks a runbook execution that did not reach
	// StatusSuccess. Non-fatal; rollback has already been attempted by
	// the time this is seen.
	ErrHealingFailure = errors.New("agentcore: healing failed")

	// ErrRollbackFailure marks a rollback that itself failed to
	// restore pre-drift state. Non-fatal; the next cycle may re-attempt
	// if drift persists.
	ErrRollbackFailure = errors.New("agentcore: rollback failed")

	// ErrPersistence marks a bundle or queue row that could not be
	// written to disk. The cycle continues but the unpersisted bundle
	// is dropped rather than left partially written.
	ErrPersistence = errors.New("agentcore: persistence failed")
)
