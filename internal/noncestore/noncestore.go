// Package noncestore implements the durable, transactional nonce-replay
// store the Verifier consults before accepting an order. It must survive
// an agent restart, so it is adapted from a flat JSON side-channel file
// into an embedded SQL database under the same write-ahead-log
// discipline as the Offline Queue, with an in-memory LRU front cache so
// the common "nonce not seen" path avoids a database round trip.
package noncestore

import (
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// MaxAge bounds how long a nonce is retained; beyond this age it can no
// longer collide with a valid order (whose TTL has long since expired),
// so it is safe to evict.
const MaxAge = 24 * time.Hour

const cacheSize = 4096

// Store is the durable nonce-replay set, keyed by (issuer, nonce).
type Store struct {
	db    *sql.DB
	cache *lru.Cache[string, struct{}]
}

// Open opens (creating if necessary) the nonce database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("noncestore: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS nonces (
			issuer TEXT NOT NULL,
			nonce TEXT NOT NULL,
			seen_at DATETIME NOT NULL,
			PRIMARY KEY (issuer, nonce)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("noncestore: create table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_nonces_seen_at ON nonces(seen_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("noncestore: create index: %w", err)
	}

	cache, _ := lru.New[string, struct{}](cacheSize)
	return &Store{db: db, cache: cache}, nil
}

func cacheKey(issuer, nonce string) string { return issuer + "\x00" + nonce }

// CheckAndRecord atomically checks whether (issuer, nonce) has already
// been accepted, and if not, records it. Returns true if the nonce was
// fresh (the order may proceed); false if it is a replay.
func (s *Store) CheckAndRecord(issuer, nonce string) (fresh bool, err error) {
	key := cacheKey(issuer, nonce)
	if _, ok := s.cache.Get(key); ok {
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("noncestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	row := tx.QueryRow(`SELECT 1 FROM nonces WHERE issuer = ? AND nonce = ?`, issuer, nonce)
	if scanErr := row.Scan(&exists); scanErr == nil {
		return false, nil
	} else if scanErr != sql.ErrNoRows {
		return false, fmt.Errorf("noncestore: check nonce: %w", scanErr)
	}

	if _, err := tx.Exec(`INSERT INTO nonces (issuer, nonce, seen_at) VALUES (?, ?, ?)`, issuer, nonce, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("noncestore: record nonce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("noncestore: commit: %w", err)
	}

	s.cache.Add(key, struct{}{})
	return true, nil
}

// EvictExpired deletes nonces older than MaxAge. Intended to be called
// periodically (e.g. once per cycle) rather than on every check.
func (s *Store) EvictExpired() (int64, error) {
	cutoff := time.Now().UTC().Add(-MaxAge)
	result, err := s.db.Exec(`DELETE FROM nonces WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("noncestore: evict expired: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
