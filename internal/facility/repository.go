package facility

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for device binding persistence.
type Repository interface {
	Upsert(ctx context.Context, binding *DeviceBinding) error
	GetByID(ctx context.Context, id string) (*DeviceBinding, error)
	DevicesForUnit(ctx context.Context, unitID string) ([]DeviceBinding, error)
	ListByFacility(ctx context.Context, facilityID string) ([]DeviceBinding, error)
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed device binding repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Upsert inserts or replaces a device binding. The ID is generated if
// empty.
func (r *SQLiteRepository) Upsert(ctx context.Context, binding *DeviceBinding) error {
	if binding.FacilityID == "" || binding.GatewayID == "" {
		return fmt.Errorf("%w: facility_id and gateway_id are required", ErrInvalidDevice)
	}
	if binding.ID == "" {
		binding.ID = "dev-" + uuid.NewString()[:16]
	}
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (id, facility_id, gateway_id, unit_id, name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			facility_id = excluded.facility_id,
			gateway_id = excluded.gateway_id,
			unit_id = excluded.unit_id,
			name = excluded.name`,
		binding.ID, binding.FacilityID, binding.GatewayID, nullString(binding.UnitID),
		binding.Name, binding.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device binding: %w", err)
	}
	return nil
}

// GetByID retrieves a device binding.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*DeviceBinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, facility_id, gateway_id, unit_id, name, created_at FROM devices WHERE id = ?`, id)

	binding, err := scanBinding(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return binding, err
}

// DevicesForUnit returns all devices bound to a unit.
func (r *SQLiteRepository) DevicesForUnit(ctx context.Context, unitID string) ([]DeviceBinding, error) {
	return r.list(ctx,
		`SELECT id, facility_id, gateway_id, unit_id, name, created_at FROM devices WHERE unit_id = ?`,
		unitID)
}

// ListByFacility returns all devices in a facility.
func (r *SQLiteRepository) ListByFacility(ctx context.Context, facilityID string) ([]DeviceBinding, error) {
	return r.list(ctx,
		`SELECT id, facility_id, gateway_id, unit_id, name, created_at FROM devices WHERE facility_id = ?`,
		facilityID)
}

// Delete removes a device binding.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting device binding: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, arg any) ([]DeviceBinding, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("listing device bindings: %w", err)
	}
	defer rows.Close()

	var bindings []DeviceBinding
	for rows.Next() {
		b, err := scanBinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device bindings: %w", err)
	}
	return bindings, nil
}

func scanBinding(scan func(...any) error) (*DeviceBinding, error) {
	var b DeviceBinding
	var unitID sql.NullString
	var createdAt string

	if err := scan(&b.ID, &b.FacilityID, &b.GatewayID, &unitID, &b.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device binding: %w", err)
	}
	b.UnitID = unitID.String
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return &b, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
