package denylist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for deny ledger persistence.
type Repository interface {
	Upsert(ctx context.Context, entry *Entry) error
	BulkUpsert(ctx context.Context, entries []Entry) error
	BulkDelete(ctx context.Context, ids []string) error
	GetForUnitUser(ctx context.Context, unitID, userID string) ([]UnitEntry, error)
	ListByUser(ctx context.Context, userID string) ([]Entry, error)
	ListByDevice(ctx context.Context, deviceID string) ([]Entry, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed deny ledger repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const upsertSQL = `
	INSERT INTO denylist_entries (id, device_id, user_id, expires_at, created_by, source, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id, user_id) DO UPDATE SET
		expires_at = excluded.expires_at,
		created_by = excluded.created_by,
		source = excluded.source,
		updated_at = excluded.updated_at`

// Upsert inserts a deny entry, replacing any existing row for the same
// (device, user) pair. The ID is generated if empty.
func (r *SQLiteRepository) Upsert(ctx context.Context, entry *Entry) error {
	if err := prepare(entry); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, upsertSQL, upsertArgs(entry)...)
	if err != nil {
		return fmt.Errorf("upserting deny entry: %w", err)
	}
	return nil
}

// BulkUpsert applies Upsert to every entry in a single transaction:
// the ledger never reflects half an entitlement change.
func (r *SQLiteRepository) BulkUpsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for i := range entries {
		if err := prepare(&entries[i]); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertSQL, upsertArgs(&entries[i])...); err != nil {
			return fmt.Errorf("upserting deny entry for device %s: %w", entries[i].DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bulk upsert: %w", err)
	}
	return nil
}

// BulkDelete removes the given entries in a single transaction.
// Missing IDs are ignored; a delete is idempotent.
func (r *SQLiteRepository) BulkDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM denylist_entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting deny entry %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bulk delete: %w", err)
	}
	return nil
}

// GetForUnitUser returns the user's deny entries on devices currently
// bound to the unit, each joined with the device's facility.
func (r *SQLiteRepository) GetForUnitUser(ctx context.Context, unitID, userID string) ([]UnitEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT e.id, e.device_id, e.user_id, e.expires_at, e.created_by, e.source,
			e.created_at, e.updated_at, d.facility_id
		 FROM denylist_entries e
		 JOIN devices d ON d.id = e.device_id
		 WHERE d.unit_id = ? AND e.user_id = ?`,
		unitID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying deny entries for unit: %w", err)
	}
	defer rows.Close()

	var entries []UnitEntry
	for rows.Next() {
		var ue UnitEntry
		var expiresAt, createdBy sql.NullString
		var createdAt, updatedAt string

		err := rows.Scan(&ue.ID, &ue.DeviceID, &ue.UserID, &expiresAt, &createdBy,
			&ue.Source, &createdAt, &updatedAt, &ue.FacilityID)
		if err != nil {
			return nil, fmt.Errorf("scanning deny entry: %w", err)
		}
		fillTimes(&ue.Entry, expiresAt, createdBy, createdAt, updatedAt)
		entries = append(entries, ue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deny entries: %w", err)
	}
	return entries, nil
}

// ListByUser returns all deny entries for a user.
func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string) ([]Entry, error) {
	return r.list(ctx, `user_id = ?`, userID)
}

// ListByDevice returns all deny entries on a device.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string) ([]Entry, error) {
	return r.list(ctx, `device_id = ?`, deviceID)
}

// DeleteExpired removes rows whose expiry is non-null and in the past.
// Permanent (null-expiry) rows are never touched.
func (r *SQLiteRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM denylist_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired deny entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting expired deny entries: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) list(ctx context.Context, where string, arg any) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, user_id, expires_at, created_by, source, created_at, updated_at
		 FROM denylist_entries WHERE `+where+` ORDER BY created_at DESC`,
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("listing deny entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var expiresAt, createdBy sql.NullString
		var createdAt, updatedAt string

		err := rows.Scan(&e.ID, &e.DeviceID, &e.UserID, &expiresAt, &createdBy,
			&e.Source, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning deny entry: %w", err)
		}
		fillTimes(&e, expiresAt, createdBy, createdAt, updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deny entries: %w", err)
	}
	return entries, nil
}

// prepare validates and defaults an entry before writing.
func prepare(entry *Entry) error {
	if entry.DeviceID == "" || entry.UserID == "" || entry.Source == "" {
		return fmt.Errorf("%w: device_id, user_id and source are required", ErrInvalidEntry)
	}
	if entry.ID == "" {
		entry.ID = "dl-" + uuid.NewString()[:16]
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	return nil
}

func upsertArgs(entry *Entry) []any {
	var expiresAt sql.NullString
	if entry.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*entry.ExpiresAt), Valid: true}
	}
	return []any{
		entry.ID, entry.DeviceID, entry.UserID, expiresAt,
		nullString(entry.CreatedBy), entry.Source,
		formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt),
	}
}

func fillTimes(e *Entry, expiresAt, createdBy sql.NullString, createdAt, updatedAt string) {
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		e.ExpiresAt = &t
	}
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
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
