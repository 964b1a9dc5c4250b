// Package dedup persists webhook delivery fingerprints so that
// duplicate deliveries resolve to the original execution, including
// across process restarts.
package dedup

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/teranos/relay/errors"
)

// Decision is the outcome of a fingerprint check
type Decision struct {
	// Fresh is true when this delivery is the first sight of the
	// fingerprint inside the dedup window
	Fresh bool
	// ExecutionID is the execution admitted for the original delivery
	// (empty for fresh decisions, or when the original was rejected
	// before an execution was created)
	ExecutionID string
}

// Fingerprint computes the deterministic dedup hash for a delivery's
// identifying fields (typically provider name + delivery ID or payload).
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // Field separator so ("a","bc") != ("ab","c")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ledger is the persistent idempotency store. All checks go through
// the database so two deliveries separated by a restart still dedupe.
type Ledger struct {
	db     *sql.DB
	window time.Duration
}

// NewLedger creates a ledger with the given dedup window
func NewLedger(db *sql.DB, window time.Duration) *Ledger {
	return &Ledger{db: db, window: window}
}

// CheckAndRecord atomically records a fingerprint on first sight.
// Exactly one of N concurrent calls with the same fingerprint observes
// Fresh; the rest observe Duplicate with the original execution's ID
// (once recorded). A fingerprint whose window has lapsed is treated as
// fresh again and its record refreshed.
func (l *Ledger) CheckAndRecord(fingerprint string) (Decision, error) {
	if fingerprint == "" {
		return Decision{}, errors.New("fingerprint cannot be empty")
	}

	now := time.Now()

	// The PRIMARY KEY makes this insert the atomic check-then-act:
	// exactly one concurrent inserter wins.
	res, err := l.db.Exec(
		`INSERT INTO deliveries (fingerprint, execution_id, first_seen_at)
		 VALUES (?, NULL, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, now,
	)
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to record delivery fingerprint")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 1 {
		return Decision{Fresh: true}, nil
	}

	// Existing record. If it predates the dedup window, refresh it and
	// treat the delivery as fresh; the WHERE clause keeps the refresh
	// atomic under concurrent re-admission.
	cutoff := now.Add(-l.window)
	res, err = l.db.Exec(
		`UPDATE deliveries
		 SET execution_id = NULL, first_seen_at = ?
		 WHERE fingerprint = ? AND first_seen_at < ?`,
		now, fingerprint, cutoff,
	)
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to refresh expired fingerprint")
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 1 {
		return Decision{Fresh: true}, nil
	}

	var executionID sql.NullString
	err = l.db.QueryRow(
		`SELECT execution_id FROM deliveries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&executionID)
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to read duplicate fingerprint")
	}

	return Decision{Fresh: false, ExecutionID: executionID.String}, nil
}

// RecordExecution links a fresh fingerprint to the execution it
// admitted, so later duplicates can resolve to it.
func (l *Ledger) RecordExecution(fingerprint, executionID string) error {
	_, err := l.db.Exec(
		`UPDATE deliveries SET execution_id = ? WHERE fingerprint = ?`,
		executionID, fingerprint,
	)
	if err != nil {
		return errors.Wrap(err, "failed to link fingerprint to execution")
	}
	return nil
}

// Prune deletes fingerprints older than the dedup window. Returns the
// number of records removed. Correctness does not depend on pruning;
// CheckAndRecord already treats lapsed records as fresh.
func (l *Ledger) Prune() (int, error) {
	cutoff := time.Now().Add(-l.window)
	res, err := l.db.Exec(`DELETE FROM deliveries WHERE first_seen_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune delivery fingerprints")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
