package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for command queue persistence.
type Repository interface {
	Enqueue(ctx context.Context, cmd *Command) (*Command, bool, error)
	GetByID(ctx context.Context, id string) (*Command, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Command, error)
	PickDue(ctx context.Context, limit int) ([]Command, error)
	MarkInProgress(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string, attempt Attempt) error
	MarkFailed(ctx context.Context, id string, attempt Attempt, nextAttemptAt time.Time) error
	Cancel(ctx context.Context, id string) error
	GetAttempts(ctx context.Context, commandID string) ([]Attempt, error)
	ListByFacility(ctx context.Context, facilityID string, limit int) ([]Command, error)
	CountDue(ctx context.Context) (int, error)
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed command repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const commandColumns = `id, facility_id, gateway_id, device_id, command_type, payload,
	idempotency_key, status, priority, attempt_count, last_error,
	next_attempt_at, created_at, updated_at`

// Enqueue inserts a new command in pending state. If the idempotency
// key already exists — including when a concurrent insert wins the
// race — the pre-existing command is returned instead and the bool is
// false.
func (r *SQLiteRepository) Enqueue(ctx context.Context, cmd *Command) (*Command, bool, error) {
	if cmd.GatewayID == "" || cmd.DeviceID == "" || cmd.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: gateway_id, device_id and idempotency_key are required", ErrInvalidCommand)
	}
	if err := ValidatePayload(cmd.Type, cmd.Payload); err != nil {
		return nil, false, err
	}

	if cmd.ID == "" {
		cmd.ID = "cmd-" + uuid.NewString()[:16]
	}
	if len(cmd.Payload) == 0 {
		cmd.Payload = []byte(`{}`)
	}

	now := time.Now().UTC()
	cmd.Status = StatusPending
	cmd.NextAttemptAt = now
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gateway_commands (id, facility_id, gateway_id, device_id, command_type,
			payload, idempotency_key, status, priority, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.FacilityID, cmd.GatewayID, cmd.DeviceID, string(cmd.Type),
		string(cmd.Payload), cmd.IdempotencyKey, string(cmd.Status), cmd.Priority,
		formatTime(cmd.NextAttemptAt), formatTime(cmd.CreatedAt), formatTime(cmd.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := r.GetByIdempotencyKey(ctx, cmd.IdempotencyKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("fetching command after idempotency collision: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("enqueuing command: %w", err)
	}

	return cmd, true, nil
}

// GetByID retrieves a command by its ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Command, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM gateway_commands WHERE id = ?`, id)
	return scanCommand(row)
}

// GetByIdempotencyKey retrieves a command by its idempotency key.
func (r *SQLiteRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Command, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM gateway_commands WHERE idempotency_key = ?`, key)
	return scanCommand(row)
}

// PickDue claims up to limit due commands (pending or failed, with
// next_attempt_at in the past), ordered by priority descending then
// creation time ascending. Each claim is a compare-and-swap to queued,
// so two dispatcher instances never take the same command.
func (r *SQLiteRepository) PickDue(ctx context.Context, limit int) ([]Command, error) {
	now := time.Now().UTC()
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM gateway_commands
		 WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`,
		formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting due commands: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning due command id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due commands: %w", err)
	}

	claimed := make([]Command, 0, len(candidates))
	for _, id := range candidates {
		res, err := r.db.ExecContext(ctx,
			`UPDATE gateway_commands SET status = 'queued', updated_at = ?
			 WHERE id = ? AND status IN ('pending', 'failed') AND next_attempt_at <= ?`,
			formatTime(now), id, formatTime(now),
		)
		if err != nil {
			return nil, fmt.Errorf("claiming command %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claiming command %s: %w", id, err)
		}
		if n == 0 {
			// Lost the race to another dispatcher, or the command was
			// cancelled between select and claim.
			continue
		}

		cmd, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *cmd)
	}

	return claimed, nil
}

// MarkInProgress transitions a claimed command to in_progress.
func (r *SQLiteRepository) MarkInProgress(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, StatusInProgress)
}

// MarkSucceeded records a successful execution: terminal status, bumped
// attempt count, cleared error, and the appended attempt record — all
// in one transaction.
func (r *SQLiteRepository) MarkSucceeded(ctx context.Context, id string, attempt Attempt) error {
	return r.finishAttempt(ctx, id, attempt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE gateway_commands
			 SET status = 'succeeded', attempt_count = ?, last_error = NULL, updated_at = ?
			 WHERE id = ?`,
			attempt.Attempt, formatTime(time.Now().UTC()), id,
		)
		if err != nil {
			return fmt.Errorf("marking command succeeded: %w", err)
		}
		return requireRow(res)
	})
}

// MarkFailed records a failed execution and schedules the next attempt.
// The command returns to failed state and becomes due again at
// nextAttemptAt.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, attempt Attempt, nextAttemptAt time.Time) error {
	return r.finishAttempt(ctx, id, attempt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE gateway_commands
			 SET status = 'failed', attempt_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
			 WHERE id = ?`,
			attempt.Attempt, nullString(attempt.Error), formatTime(nextAttemptAt.UTC()),
			formatTime(time.Now().UTC()), id,
		)
		if err != nil {
			return fmt.Errorf("marking command failed: %w", err)
		}
		return requireRow(res)
	})
}

// Cancel removes a command from future pickDue consideration. Terminal
// commands cannot be cancelled.
func (r *SQLiteRepository) Cancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gateway_commands SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'queued', 'in_progress', 'failed')`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("cancelling command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancelling command: %w", err)
	}
	if n == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotCancellable
	}
	return nil
}

// GetAttempts returns a command's attempt history, oldest first.
func (r *SQLiteRepository) GetAttempts(ctx context.Context, commandID string) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, command_id, attempt, started_at, finished_at, success, error
		 FROM gateway_command_attempts WHERE command_id = ? ORDER BY attempt ASC`,
		commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var startedAt string
		var finishedAt, errText sql.NullString
		var success int

		if err := rows.Scan(&a.ID, &a.CommandID, &a.Attempt, &startedAt, &finishedAt, &success, &errText); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.StartedAt = parseTime(startedAt)
		if finishedAt.Valid {
			a.FinishedAt = parseTime(finishedAt.String)
		}
		a.Success = success == 1
		a.Error = errText.String
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return attempts, nil
}

// ListByFacility returns a facility's commands, newest first.
func (r *SQLiteRepository) ListByFacility(ctx context.Context, facilityID string, limit int) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM gateway_commands
		 WHERE facility_id = ? ORDER BY created_at DESC LIMIT ?`,
		facilityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		cmd, err := scanCommandRows(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return commands, nil
}

// CountDue counts commands currently eligible for dispatch.
func (r *SQLiteRepository) CountDue(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gateway_commands
		 WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?`,
		formatTime(time.Now().UTC()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting due commands: %w", err)
	}
	return n, nil
}

// ReclaimStale returns claimed-but-unfinished commands to the pending
// pool. A row sits in queued or in_progress only for the moments
// between claim and outcome; one still there past the cutoff belongs
// to a dispatcher that stopped or crashed mid-batch, and without this
// sweep it would never be picked again.
func (r *SQLiteRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gateway_commands SET status = 'pending', updated_at = ?
		 WHERE status IN ('queued', 'in_progress') AND updated_at <= ?`,
		formatTime(time.Now().UTC()), formatTime(cutoff.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale claims: %w", err)
	}
	return int(n), nil
}

// finishAttempt appends the attempt record and applies the status
// mutation atomically.
func (r *SQLiteRepository) finishAttempt(ctx context.Context, id string, attempt Attempt, mutate func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx,
		`INSERT INTO gateway_command_attempts (command_id, attempt, started_at, finished_at, success, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, attempt.Attempt, formatTime(attempt.StartedAt.UTC()),
		formatTime(attempt.FinishedAt.UTC()), boolToInt(attempt.Success), nullString(attempt.Error),
	)
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}

	if err := mutate(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing attempt: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) updateStatus(ctx context.Context, id string, status Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gateway_commands SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}
	return requireRow(res)
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row *sql.Row) (*Command, error) {
	cmd, err := scanCommandFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	return cmd, err
}

func scanCommandRows(rows *sql.Rows) (*Command, error) {
	return scanCommandFrom(rows)
}

func scanCommandFrom(s scanner) (*Command, error) {
	var cmd Command
	var cmdType, status, payload string
	var lastError sql.NullString
	var nextAttemptAt, createdAt, updatedAt string

	err := s.Scan(
		&cmd.ID, &cmd.FacilityID, &cmd.GatewayID, &cmd.DeviceID, &cmdType, &payload,
		&cmd.IdempotencyKey, &status, &cmd.Priority, &cmd.AttemptCount, &lastError,
		&nextAttemptAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	cmd.Type = Type(cmdType)
	cmd.Status = Status(status)
	cmd.Payload = []byte(payload)
	cmd.LastError = lastError.String
	cmd.NextAttemptAt = parseTime(nextAttemptAt)
	cmd.CreatedAt = parseTime(createdAt)
	cmd.UpdatedAt = parseTime(updatedAt)
	return &cmd, nil
}

// Helper functions.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s) //nolint:errcheck // format is controlled
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint"))
}
