package audit

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the audit_logs table.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "audit-test-*.db")
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
		CREATE TABLE audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT,
			user_id TEXT,
			source TEXT NOT NULL,
			details TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

func TestCreateAndList(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	entry := &AuditLog{
		Action:     ActionCommandEnqueued,
		EntityType: EntityCommand,
		EntityID:   "cmd-1",
		UserID:     "admin-1",
		Source:     SourceAPI,
		Details:    map[string]any{"command_type": "ADD_KEY", "gateway_id": "gw-1"},
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if entry.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 || len(result.Logs) != 1 {
		t.Fatalf("List() = %d logs (total %d), want 1", len(result.Logs), result.Total)
	}

	got := result.Logs[0]
	if got.Action != ActionCommandEnqueued || got.EntityID != "cmd-1" {
		t.Errorf("List() returned %+v", got)
	}
	if got.Details["command_type"] != "ADD_KEY" {
		t.Errorf("Details = %v, want command_type preserved", got.Details)
	}
}

func TestList_Filters(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	entries := []*AuditLog{
		{Action: ActionCommandEnqueued, EntityType: EntityCommand, EntityID: "cmd-1", Source: SourceAPI},
		{Action: ActionCommandCancelled, EntityType: EntityCommand, EntityID: "cmd-1", Source: SourceAPI},
		{Action: ActionDenyAdded, EntityType: EntityDenyEntry, EntityID: "dl-1", Source: SourceListener},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	byAction, err := repo.List(ctx, Filter{Action: ActionDenyAdded})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if byAction.Total != 1 {
		t.Errorf("filter by action: total = %d, want 1", byAction.Total)
	}

	byEntity, err := repo.List(ctx, Filter{EntityType: EntityCommand, EntityID: "cmd-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if byEntity.Total != 2 {
		t.Errorf("filter by entity: total = %d, want 2", byEntity.Total)
	}
}

func TestList_Pagination(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	for range 5 {
		entry := &AuditLog{Action: ActionRoutePassIssued, EntityType: EntityRoutePass, Source: SourceAPI}
		if err := repo.Create(ctx, entry); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	page, err := repo.List(ctx, Filter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if len(page.Logs) != 1 {
		t.Errorf("page of 2 at offset 4 returned %d logs, want 1", len(page.Logs))
	}
}
