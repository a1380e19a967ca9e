package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrPassNotFound is returned when no route pass matches a query.
var ErrPassNotFound = errors.New("credential: route pass not found")

// RoutePass is one issued access credential.
type RoutePass struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Repository defines the interface for route pass persistence.
type Repository interface {
	Record(ctx context.Context, pass *RoutePass) error
	LatestExpiryForUser(ctx context.Context, userID string) (time.Time, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]RoutePass, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed route pass repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record stores an issued route pass. The ID is generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, pass *RoutePass) error {
	if pass.ID == "" {
		pass.ID = "rp-" + uuid.NewString()[:16]
	}
	if pass.IssuedAt.IsZero() {
		pass.IssuedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO route_passes (id, user_id, device_id, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		pass.ID, pass.UserID, pass.DeviceID,
		pass.IssuedAt.UTC().Format(time.RFC3339),
		pass.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording route pass: %w", err)
	}
	return nil
}

// LatestExpiryForUser returns the expiry of the user's most recently
// issued pass. ErrPassNotFound means the user was never issued one.
func (r *SQLiteRepository) LatestExpiryForUser(ctx context.Context, userID string) (time.Time, error) {
	var expiresAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT expires_at FROM route_passes WHERE user_id = ?
		 ORDER BY issued_at DESC, id DESC LIMIT 1`,
		userID,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrPassNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("querying latest route pass: %w", err)
	}

	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing route pass expiry: %w", err)
	}
	return t, nil
}

// ListByUser returns a user's passes, newest first.
func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string, limit int) ([]RoutePass, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, device_id, issued_at, expires_at
		 FROM route_passes WHERE user_id = ?
		 ORDER BY issued_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing route passes: %w", err)
	}
	defer rows.Close()

	var passes []RoutePass
	for rows.Next() {
		var p RoutePass
		var issuedAt, expiresAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.DeviceID, &issuedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning route pass: %w", err)
		}
		p.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)    //nolint:errcheck // format is controlled
		p.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)  //nolint:errcheck // format is controlled
		passes = append(passes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating route passes: %w", err)
	}
	return passes, nil
}
