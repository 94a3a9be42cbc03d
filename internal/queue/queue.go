// Package queue implements the Offline Queue: a durable, crash-safe,
// append-only record of evidence bundles awaiting upload. Grounded on
// the agent-side OfflineQueue (github.com/osiriscare/agent/internal/transport),
// which uses SQLite with WAL for the same durability guarantee; adapted
// here from a generic drift-event queue to an EvidenceBundle-file-path
// model (dedup by bundle_id, retry accounting, upload terminality).
package queue

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// QueuedEvidence is one row of the offline queue.
type QueuedEvidence struct {
	BundleID      string
	BundlePath    string
	SignaturePath string
	CheckKind     string // check name, "order" or "diagnostic"; used by prune's per-kind retention rule
	CreatedAt     time.Time
	RetryCount    int
	LastError     string
	UploadedAt    *time.Time
}

// Pending reports whether this record still awaits upload.
func (q QueuedEvidence) Pending() bool { return q.UploadedAt == nil }

// Queue is the durable offline queue, backed by an embedded SQLite
// database opened in WAL mode.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if necessary) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS evidence_queue (
			bundle_id TEXT PRIMARY KEY,
			bundle_path TEXT NOT NULL,
			signature_path TEXT NOT NULL,
			check_kind TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			uploaded_at DATETIME
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_evidence_queue_created_at ON evidence_queue(created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create index: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue inserts a pending record, deduplicating on bundle_id: a second
// enqueue of the same bundle_id is a no-op, so a retried build-and-queue
// step is always safe to repeat.
func (q *Queue) Enqueue(bundleID, bundlePath, signaturePath, checkKind string) error {
	_, err := q.db.Exec(`
		INSERT INTO evidence_queue (bundle_id, bundle_path, signature_path, check_kind, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(bundle_id) DO NOTHING
	`, bundleID, bundlePath, signaturePath, checkKind, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", bundleID, err)
	}
	return nil
}

// NextPending returns up to limit of the oldest unacknowledged records.
func (q *Queue) NextPending(limit int) ([]QueuedEvidence, error) {
	rows, err := q.db.Query(`
		SELECT bundle_id, bundle_path, signature_path, check_kind, created_at, retry_count, last_error
		FROM evidence_queue
		WHERE uploaded_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: next pending: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvidence
	for rows.Next() {
		var rec QueuedEvidence
		var lastError sql.NullString
		if err := rows.Scan(&rec.BundleID, &rec.BundlePath, &rec.SignaturePath, &rec.CheckKind, &rec.CreatedAt, &rec.RetryCount, &lastError); err != nil {
			return nil, fmt.Errorf("queue: scan pending row: %w", err)
		}
		rec.LastError = lastError.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkUploaded sets uploaded_at, making the record terminal.
func (q *Queue) MarkUploaded(bundleID string) error {
	_, err := q.db.Exec(`UPDATE evidence_queue SET uploaded_at = ? WHERE bundle_id = ?`, time.Now().UTC(), bundleID)
	if err != nil {
		return fmt.Errorf("queue: mark uploaded %s: %w", bundleID, err)
	}
	return nil
}

// MarkFailure increments retry_count and records the last error.
func (q *Queue) MarkFailure(bundleID string, cause error) error {
	_, err := q.db.Exec(`
		UPDATE evidence_queue SET retry_count = retry_count + 1, last_error = ?
		WHERE bundle_id = ?
	`, cause.Error(), bundleID)
	if err != nil {
		return fmt.Errorf("queue: mark failure %s: %w", bundleID, err)
	}
	return nil
}

// Count returns the number of rows still pending upload.
func (q *Queue) Count() (int, error) {
	var n int
	row := q.db.QueryRow(`SELECT COUNT(*) FROM evidence_queue WHERE uploaded_at IS NULL`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}

// Prune removes uploaded rows older than retentionDays, except it always
// retains the most recent keepLastN successful (uploaded) bundles per
// check_kind, and never removes any row less than retentionDaysMinimum
// old regardless of count — whichever of the two retention knobs is
// stricter wins. It never touches a row with uploaded_at IS NULL. keepLastN
// below 1 is treated as 1: the most recent successful bundle per check
// kind is never eligible for pruning.
func (q *Queue) Prune(retentionDays, retentionDaysMinimum, keepLastN int) (int64, error) {
	if retentionDaysMinimum > retentionDays {
		retentionDays = retentionDaysMinimum
	}
	if keepLastN < 1 {
		keepLastN = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	minCutoff := time.Now().UTC().AddDate(0, 0, -retentionDaysMinimum)
	if cutoff.After(minCutoff) {
		cutoff = minCutoff
	}

	result, err := q.db.Exec(`
		DELETE FROM evidence_queue
		WHERE uploaded_at IS NOT NULL
		  AND uploaded_at < ?
		  AND bundle_id NOT IN (
		      SELECT bundle_id FROM (
		          SELECT bundle_id, check_kind,
		                 ROW_NUMBER() OVER (PARTITION BY check_kind ORDER BY uploaded_at DESC) AS rn
		          FROM evidence_queue
		          WHERE uploaded_at IS NOT NULL
		      ) ranked WHERE rn <= ?
		  )
	`, cutoff, keepLastN)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Close closes the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}
