package credential

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the route_passes table.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "credential-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE route_passes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

func TestRecordAndLatestExpiry(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)

	// Two passes for the same user, issued an hour apart.
	older := &RoutePass{
		UserID:    "user-1",
		DeviceID:  "dev-1",
		IssuedAt:  base.Add(-2 * time.Hour),
		ExpiresAt: base.Add(-time.Hour),
	}
	newer := &RoutePass{
		UserID:    "user-1",
		DeviceID:  "dev-2",
		IssuedAt:  base.Add(-time.Hour),
		ExpiresAt: base.Add(time.Hour),
	}
	for _, p := range []*RoutePass{older, newer} {
		if err := repo.Record(ctx, p); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	expiry, err := repo.LatestExpiryForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("LatestExpiryForUser() error = %v", err)
	}
	if !expiry.Equal(newer.ExpiresAt) {
		t.Errorf("LatestExpiryForUser() = %v, want the newest pass's expiry %v", expiry, newer.ExpiresAt)
	}
}

func TestLatestExpiry_NoPasses(t *testing.T) {
	repo := NewRepository(testDB(t))

	if _, err := repo.LatestExpiryForUser(context.Background(), "user-none"); !errors.Is(err, ErrPassNotFound) {
		t.Errorf("LatestExpiryForUser() error = %v, want ErrPassNotFound", err)
	}
}

func TestListByUser(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		pass := &RoutePass{
			UserID:    "user-1",
			DeviceID:  "dev-1",
			IssuedAt:  base.Add(time.Duration(i) * time.Minute),
			ExpiresAt: base.Add(24 * time.Hour),
		}
		if err := repo.Record(ctx, pass); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	passes, err := repo.ListByUser(ctx, "user-1", 3)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(passes) != 3 {
		t.Fatalf("ListByUser() returned %d passes, want 3", len(passes))
	}
	// Newest first.
	if !passes[0].IssuedAt.After(passes[1].IssuedAt) {
		t.Errorf("passes not ordered newest first: %v then %v", passes[0].IssuedAt, passes[1].IssuedAt)
	}
}
