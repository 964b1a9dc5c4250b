package run

import (
	"database/sql"
	"time"

	"github.com/teranos/relay/errors"
)

// ErrNotFound is returned when no execution exists for an ID
var ErrNotFound = errors.New("execution not found")

// Store handles persistence of executions
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateExecution inserts a new execution. Called synchronously during
// admission so an accepted trigger is never lost to a crash.
func (s *Store) CreateExecution(e *Execution) error {
	query := `
		INSERT INTO executions (
			id, trigger_id, trigger_kind, backend, command,
			status, exit_code, error, stdout, stderr, seq,
			started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		e.ID,
		e.TriggerID,
		e.TriggerKind,
		e.Backend,
		e.Command,
		e.Status,
		e.ExitCode,
		nullString(e.Error),
		e.Stdout,
		e.Stderr,
		e.Seq,
		e.StartedAt,
		e.FinishedAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution %s", e.ID)
	}

	return nil
}

// MarkRunning records the queued -> running transition
func (s *Store) MarkRunning(e *Execution) error {
	query := `
		UPDATE executions
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query, e.Status, e.StartedAt, e.UpdatedAt, e.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark execution %s running", e.ID)
	}
	return nil
}

// FinalizeExecution persists the terminal snapshot (status, exit code,
// finished-at, concatenated logs) in a single statement, so the record
// is either fully terminal or untouched.
func (s *Store) FinalizeExecution(e *Execution) error {
	query := `
		UPDATE executions
		SET status = ?,
		    exit_code = ?,
		    error = ?,
		    stdout = ?,
		    stderr = ?,
		    seq = ?,
		    finished_at = ?,
		    updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.Exec(query,
		e.Status,
		e.ExitCode,
		nullString(e.Error),
		e.Stdout,
		e.Stderr,
		e.Seq,
		e.FinishedAt,
		e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finalize execution %s", e.ID)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrNotFound, "finalize %s", e.ID)
	}

	return nil
}

const executionColumns = `
	id, trigger_id, trigger_kind, backend, command,
	status, exit_code, error, stdout, stderr, seq,
	started_at, finished_at, created_at, updated_at`

// GetExecution retrieves an execution by ID. Returns ErrNotFound if
// there is no record.
func (s *Store) GetExecution(id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`

	e, err := scanExecution(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return e, nil
}

// ListExecutions returns executions ordered newest-first, optionally
// filtered by status.
func (s *Store) ListExecutions(status *Status, limit int) ([]*Execution, error) {
	var query string
	var args []interface{}

	base := `SELECT ` + executionColumns + ` FROM executions`
	if status != nil {
		query = base + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = base + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}

	return executions, nil
}

// CountByStatus returns the number of executions per status
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}

	return counts, nil
}

// MarkOrphansFailed finds executions stranded in queued/running by an
// ungraceful shutdown and fails them with a synthetic error. Called
// once at startup so no execution is ever stuck in running.
func (s *Store) MarkOrphansFailed(message string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE executions
		SET status = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE status IN (?, ?)`,
		StatusFailed, message, now, now,
		StatusQueued, StatusRunning,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark orphaned executions")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanExecution
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var exitCode sql.NullInt64
	var errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.TriggerID,
		&e.TriggerKind,
		&e.Backend,
		&e.Command,
		&e.Status,
		&exitCode,
		&errMsg,
		&e.Stdout,
		&e.Stderr,
		&e.Seq,
		&startedAt,
		&finishedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	e.Error = errMsg.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}

	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
