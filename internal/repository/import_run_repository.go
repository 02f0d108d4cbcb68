package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/subtrack/internal/models"
)

const importRunColumns = `
	id, user_id, connection_id, status, started_at, completed_at,
	emails_processed, subscriptions_found, error_message, heartbeat_at`

// ImportRunRepository persists email_import_log rows. Every mutation is
// guarded by status = 'in_progress', so a terminal row never changes again.
type ImportRunRepository struct {
	db *sql.DB
}

func NewImportRunRepository(db *sql.DB) *ImportRunRepository {
	return &ImportRunRepository{db: db}
}

// Create inserts a new in-progress run. The partial unique index on
// connection_id turns a concurrent second run into ErrImportInProgress.
func (r *ImportRunRepository) Create(ctx context.Context, run models.ImportRun) error {
	query := `
		INSERT INTO email_import_log (
			id, user_id, connection_id, status, started_at,
			emails_processed, subscriptions_found, heartbeat_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.UserID,
		run.ConnectionID,
		run.Status,
		run.StartedAt,
		run.EmailsProcessed,
		run.SubscriptionsFound,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrImportInProgress
		}
		return fmt.Errorf("failed to create import run: %w", err)
	}

	return nil
}

// GetForUser retrieves a run owned by userID
func (r *ImportRunRepository) GetForUser(ctx context.Context, userID, importID string) (*models.ImportRun, error) {
	query := `SELECT ` + importRunColumns + `
		FROM email_import_log
		WHERE id = $1 AND user_id = $2
	`

	run, err := scanImportRun(r.db.QueryRowContext(ctx, query, importID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImportNotFound
		}
		return nil, fmt.Errorf("failed to get import run: %w", err)
	}

	return run, nil
}

// ListByUser retrieves a user's most recent runs, optionally for one connection
func (r *ImportRunRepository) ListByUser(ctx context.Context, userID, connectionID string, limit int) ([]models.ImportRun, error) {
	query := `SELECT ` + importRunColumns + `
		FROM email_import_log
		WHERE user_id = $1 AND ($2 = '' OR connection_id = $2)
		ORDER BY started_at DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, userID, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query import runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ImportRun
	for rows.Next() {
		run, err := scanImportRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return runs, nil
}

// UpdateProgress writes intermediate counts and counts as a heartbeat.
// GREATEST keeps the counts monotonic even if writes are reordered.
func (r *ImportRunRepository) UpdateProgress(ctx context.Context, importID string, processed, found int) error {
	query := `
		UPDATE email_import_log
		SET emails_processed = GREATEST(emails_processed, $1),
		    subscriptions_found = GREATEST(subscriptions_found, $2),
		    heartbeat_at = NOW()
		WHERE id = $3 AND status = $4
	`

	_, err := r.db.ExecContext(ctx, query, processed, found, importID, models.ImportStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to update import progress: %w", err)
	}

	return nil
}

// Heartbeat records that the owning process is still working on the run.
// It returns ErrImportNotFound once the run is no longer in progress.
func (r *ImportRunRepository) Heartbeat(ctx context.Context, importID string, at time.Time) error {
	query := `
		UPDATE email_import_log
		SET heartbeat_at = $1
		WHERE id = $2 AND status = $3
	`

	res, err := r.db.ExecContext(ctx, query, at, importID, models.ImportStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to record import heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record import heartbeat: %w", err)
	}
	if n == 0 {
		return ErrImportNotFound
	}
	return nil
}

// Complete moves an in-progress run to completed with its final counts
func (r *ImportRunRepository) Complete(ctx context.Context, importID string, processed, found int, at time.Time) error {
	query := `
		UPDATE email_import_log
		SET status = $1, completed_at = $2,
		    emails_processed = GREATEST(emails_processed, $3),
		    subscriptions_found = GREATEST(subscriptions_found, $4)
		WHERE id = $5 AND status = $6
	`

	return r.finish(ctx, query, models.ImportStatusCompleted, at, processed, found, importID, models.ImportStatusInProgress)
}

// Fail moves an in-progress run to failed, keeping whatever counts it reached
func (r *ImportRunRepository) Fail(ctx context.Context, importID string, processed, found int, message string, at time.Time) error {
	query := `
		UPDATE email_import_log
		SET status = $1, completed_at = $2,
		    emails_processed = GREATEST(emails_processed, $3),
		    subscriptions_found = GREATEST(subscriptions_found, $4),
		    error_message = $5
		WHERE id = $6 AND status = $7
	`

	return r.finish(ctx, query, models.ImportStatusFailed, at, processed, found, message, importID, models.ImportStatusInProgress)
}

func (r *ImportRunRepository) finish(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish import run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish import run: %w", err)
	}
	if n == 0 {
		return ErrImportNotFound
	}
	return nil
}

// FailStale marks in-progress runs with no heartbeat since cutoff as
// failed. These are runs whose owning process died; nothing else will ever
// finish them.
func (r *ImportRunRepository) FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	query := `
		UPDATE email_import_log
		SET status = $1, completed_at = $2, error_message = $3
		WHERE status = $4 AND COALESCE(heartbeat_at, started_at) < $5
	`

	res, err := r.db.ExecContext(ctx, query,
		models.ImportStatusFailed, time.Now(), message, models.ImportStatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale import runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImportRun(row rowScanner) (*models.ImportRun, error) {
	var run models.ImportRun
	err := row.Scan(
		&run.ID,
		&run.UserID,
		&run.ConnectionID,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.EmailsProcessed,
		&run.SubscriptionsFound,
		&run.ErrorMessage,
		&run.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
