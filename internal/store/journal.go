package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Harvester/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID          string
	InProgress    bool
	Total         int
	Failed        *int
	FailureReason *string
	Started       time.Time
	Finished      *time.Time
}

func (r Run) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, in_progress: %t, total: %d", r.UUID, r.InProgress, r.Total))
	if r.Failed != nil {
		sb.WriteString(fmt.Sprintf(", failed: %d", *r.Failed))
	} else {
		sb.WriteString(", failed: nil")
	}
	if r.FailureReason != nil {
		sb.WriteString(fmt.Sprintf(", failure_reason: %q", *r.FailureReason))
	}
	return sb.String()
}

// HostRecord is the journal entry of a single collected host
type HostRecord struct {
	Hostname string
	Success  bool
	Attempts int
	Error    string
}

// InitDB opens the journal database and creates the tables
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// writes are serialized anyway, a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			in_progress BOOLEAN NOT NULL,
			total INTEGER NOT NULL,
			failed INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP DEFAULT NULL
		);
		CREATE TABLE IF NOT EXISTS hosts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_uuid TEXT NOT NULL REFERENCES runs(uuid),
			hostname TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			UNIQUE(run_uuid, hostname)
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// StartRun persists information that a run identified by 'uuid' is in progress.
// If run identified by `uuid` is still in progress, no error is returned,
// if it has already finished ErrAlreadyFinished is returned.
func StartRun(ctx context.Context, db *sql.DB, uuid string, total int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, in_progress, total, started_at) VALUES (?,?,?,?);`,
		uuid, true, total, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// RecordHost stores the outcome of a single host for a run in progress.
func RecordHost(ctx context.Context, db *sql.DB, uuid string, r model.CollectionResult) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	if err := requireInProgress(ctx, tx, uuid); err != nil {
		return err
	}

	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO hosts (run_uuid, hostname, success, attempts, error) VALUES (?,?,?,?,?)
		 ON CONFLICT(run_uuid, hostname) DO UPDATE SET
			success = excluded.success,
			attempts = excluded.attempts,
			error = excluded.error;`,
		uuid, r.Hostname, r.Success, r.Attempts, errText,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// FinishRun marks a run as finished with a number of failed hosts.
func FinishRun(ctx context.Context, db *sql.DB, uuid string, failed int) error {
	return finish(ctx, db, uuid, &failed, nil)
}

// FailRun marks a run as aborted and stores the reason.
func FailRun(ctx context.Context, db *sql.DB, uuid, reason string) error {
	return finish(ctx, db, uuid, nil, &reason)
}

func finish(ctx context.Context, db *sql.DB, uuid string, failed *int, reason *string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	if err := requireInProgress(ctx, tx, uuid); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			failed = ?,
			failure_reason = ?,
			finished_at = ?
		WHERE uuid = ?;
		`, failed, reason, time.Now().UTC(), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// GetRun returns info about a run identified by 'uuid' on success,
// ErrNotFound when it does not exist, error otherwise.
func GetRun(ctx context.Context, db *sql.DB, uuid string) (Run, error) {
	var run Run
	err := db.QueryRowContext(ctx,
		`SELECT uuid, in_progress, total, failed, failure_reason, started_at, finished_at
		 FROM runs WHERE uuid=?`, uuid,
	).Scan(
		&run.UUID,
		&run.InProgress,
		&run.Total,
		&run.Failed,
		&run.FailureReason,
		&run.Started,
		&run.Finished,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Run{}, ErrNotFound
	case err != nil:
		return Run{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return run, nil
}

// ListHosts returns the hosts recorded for a run ordered by hostname.
func ListHosts(ctx context.Context, db *sql.DB, uuid string) ([]HostRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT hostname, success, attempts, error FROM hosts WHERE run_uuid=? ORDER BY hostname`, uuid,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []HostRecord
	for rows.Next() {
		var h HostRecord
		if err := rows.Scan(&h.Hostname, &h.Success, &h.Attempts, &h.Error); err != nil {
			return nil, fmt.Errorf("scanning sql row failed: %w", err)
		}
		ret = append(ret, h)
	}
	return ret, rows.Err()
}

func requireInProgress(ctx context.Context, tx *sql.Tx, uuid string) error {
	var inProgress bool
	err := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}
