// Package store keeps a history of runs in a sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID          string
	InProgress    bool
	Success       *bool
	FailedFiles   *int
	CoveragePct   *float64
	FailureReason *string
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, in_progress: %t", r.UUID, r.InProgress)
	if r.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *r.Success)
	}
	if r.FailedFiles != nil {
		fmt.Fprintf(&sb, ", failed_files: %d", *r.FailedFiles)
	}
	if r.CoveragePct != nil {
		fmt.Fprintf(&sb, ", coverage: %.2f%%", *r.CoveragePct)
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			failed_files INTEGER DEFAULT NULL,
			coverage_pct REAL DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// inTx runs fn in a transaction, which is committed when fn succeeds
func inTx(ctx context.Context, db *sql.DB, uuid string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rollback failed", "uuid", uuid, "error", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func inProgress(ctx context.Context, tx *sql.Tx, uuid string) (bool, error) {
	var ret bool
	err := tx.QueryRowContext(ctx, `SELECT in_progress FROM runs WHERE uuid=?`, uuid).Scan(&ret)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, ErrNotFound
	case err != nil:
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	return ret, nil
}

// Start records a run identified by uuid is in progress. Starting a run in
// progress is a no-op, a finished one returns ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, uuid string) error {
	return inTx(ctx, db, uuid, func(tx *sql.Tx) error {
		running, err := inProgress(ctx, tx, uuid)
		switch {
		case err == nil && running:
			return nil
		case err == nil:
			return ErrAlreadyFinished
		case !errors.Is(err, ErrNotFound):
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO runs (uuid, in_progress) VALUES (?,?)`, uuid, true)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return nil
	})
}

// Get returns a run identified by uuid or ErrNotFound
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	var row RunRow
	err := inTx(ctx, db, uuid, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, uuid, in_progress, success, failed_files, coverage_pct, failure_reason FROM runs WHERE uuid=?`, uuid,
		).Scan(
			&row.ID,
			&row.UUID,
			&row.InProgress,
			&row.Success,
			&row.FailedFiles,
			&row.CoveragePct,
			&row.FailureReason,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		return nil
	})
	return row, err
}

// FinishOK records a run has finished. A run with failed files is not
// successful, the number of failures is stored with it.
func FinishOK(ctx context.Context, db *sql.DB, uuid string, failedFiles int, coveragePct float64) error {
	return finish(ctx, db, uuid,
		`UPDATE runs SET in_progress = false, success = ?, failed_files = ?, coverage_pct = ? WHERE uuid = ?`,
		failedFiles == 0, failedFiles, coveragePct, uuid,
	)
}

// FinishErr records a run has not finished because of reason
func FinishErr(ctx context.Context, db *sql.DB, uuid, reason string) error {
	return finish(ctx, db, uuid,
		`UPDATE runs SET in_progress = false, success = false, failure_reason = ? WHERE uuid = ?`,
		reason, uuid,
	)
}

func finish(ctx context.Context, db *sql.DB, uuid, query string, args ...any) error {
	return inTx(ctx, db, uuid, func(tx *sql.Tx) error {
		running, err := inProgress(ctx, tx, uuid)
		if err != nil {
			return err
		}
		if !running {
			return ErrAlreadyFinished
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

// Latest returns up to limit runs, the newest first
func Latest(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, uuid, in_progress, success, failed_files, coverage_pct, failure_reason FROM runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []RunRow
	for rows.Next() {
		var row RunRow
		if err := rows.Scan(
			&row.ID,
			&row.UUID,
			&row.InProgress,
			&row.Success,
			&row.FailedFiles,
			&row.CoveragePct,
			&row.FailureReason,
		); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, row)
	}
	return ret, rows.Err()
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	return inTx(ctx, db, uuid, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE uuid=?`, uuid)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra != 1 {
			return ErrNotFound
		}
		return nil
	})
}
