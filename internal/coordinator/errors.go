package coordinator

import "errors"

// Sentinel errors the rest of the agent classifies coordinator failures
// against with errors.Is, replacing string-matched classification with
// a small named taxonomy.
var (
	// ErrAuthFailed is a 401/403 response: never retried. Agent Core
	// handles it like any other fetch or upload failure (a logged fetch
	// error, a retry count on the queued bundle); no alert-outcome
	// evidence bundle is produced for it.
	ErrAuthFailed = errors.New("coordinator: authentication failed")
	// ErrClientError is a non-auth 4xx response: non-retryable.
	ErrClientError = errors.New("coordinator: client error")
	// ErrServerError is a 5xx response: retried with backoff, then
	// treated like any other transient transport error.
	ErrServerError = errors.New("coordinator: server error")
)
