package command

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the command schema applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "command-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE gateway_commands (
			id TEXT PRIMARY KEY,
			facility_id TEXT NOT NULL,
			gateway_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;
		CREATE UNIQUE INDEX idx_gateway_commands_idempotency ON gateway_commands(idempotency_key);

		CREATE TABLE gateway_command_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			FOREIGN KEY (command_id) REFERENCES gateway_commands(id) ON DELETE CASCADE
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

// testCommand returns a valid command for enqueueing.
func testCommand(key string) *Command {
	return &Command{
		FacilityID:     "fac-1",
		GatewayID:      "gw-1",
		DeviceID:       "dev-1",
		Type:           TypeAddKey,
		Payload:        []byte(`{"user_id":"user-1"}`),
		IdempotencyKey: key,
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	first, created, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !created {
		t.Error("first Enqueue() should report created")
	}
	if first.Status != StatusPending {
		t.Errorf("Status = %q, want pending", first.Status)
	}

	second, created, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() duplicate error = %v", err)
	}
	if created {
		t.Error("duplicate Enqueue() should not report created")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned ID %q, want existing %q", second.ID, first.ID)
	}

	var count int
	if err := repo.db.QueryRow(`SELECT COUNT(*) FROM gateway_commands`).Scan(&count); err != nil {
		t.Fatalf("counting commands: %v", err)
	}
	if count != 1 {
		t.Errorf("stored commands = %d, want exactly 1", count)
	}
}

func TestEnqueue_RejectsUnknownType(t *testing.T) {
	repo := NewRepository(testDB(t))

	cmd := testCommand("key-1")
	cmd.Type = "FROBNICATE"
	if _, _, err := repo.Enqueue(context.Background(), cmd); !errors.Is(err, ErrUnknownCommandType) {
		t.Errorf("Enqueue() error = %v, want ErrUnknownCommandType", err)
	}
}

func TestEnqueue_RejectsInvalidPayload(t *testing.T) {
	repo := NewRepository(testDB(t))

	cmd := testCommand("key-1")
	cmd.Payload = []byte(`{}`) // add key without user_id
	if _, _, err := repo.Enqueue(context.Background(), cmd); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Enqueue() error = %v, want ErrInvalidPayload", err)
	}
}

func TestPickDue_OnlyDueCommands(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	due, _, err := repo.Enqueue(ctx, testCommand("due"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	future, _, err := repo.Enqueue(ctx, testCommand("future"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// Push the second command's next attempt an hour out.
	_, err = repo.db.Exec(`UPDATE gateway_commands SET next_attempt_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC().Add(time.Hour)), future.ID)
	if err != nil {
		t.Fatalf("updating next_attempt_at: %v", err)
	}

	picked, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(picked) != 1 {
		t.Fatalf("PickDue() returned %d commands, want 1", len(picked))
	}
	if picked[0].ID != due.ID {
		t.Errorf("PickDue() returned %q, want %q", picked[0].ID, due.ID)
	}
	if picked[0].Status != StatusQueued {
		t.Errorf("claimed status = %q, want queued", picked[0].Status)
	}
}

func TestPickDue_ClaimIsExclusive(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	if _, _, err := repo.Enqueue(ctx, testCommand("key-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	first, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first PickDue() returned %d, want 1", len(first))
	}

	// A second pick must not see the already-claimed command.
	second, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second PickDue() returned %d commands, want 0", len(second))
	}
}

func TestReclaimStale_RequeuesAbandonedClaims(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Claim the command, then simulate a dispatcher that died before
	// producing an outcome: the row stays queued forever.
	picked, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(picked) != 1 {
		t.Fatalf("PickDue() returned %d, want 1", len(picked))
	}
	again, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("PickDue() after claim returned %d, want 0", len(again))
	}

	// A fresh claim is inside its lease: nothing to reclaim yet.
	n, err := repo.ReclaimStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 0 {
		t.Errorf("ReclaimStale() reclaimed %d fresh claims, want 0", n)
	}

	// Past the lease the claim counts as abandoned.
	n, err = repo.ReclaimStale(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimStale() = %d, want 1", n)
	}

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending after reclaim", got.Status)
	}

	picked, err = repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(picked) != 1 || picked[0].ID != cmd.ID {
		t.Errorf("PickDue() after reclaim = %+v, want the reclaimed command", picked)
	}
}

func TestReclaimStale_LeavesInFlightWork(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := repo.PickDue(ctx, 10); err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if err := repo.MarkInProgress(ctx, cmd.ID); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}

	n, err := repo.ReclaimStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 0 {
		t.Errorf("ReclaimStale() touched %d in-flight commands, want 0", n)
	}

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Status = %q, want in_progress untouched", got.Status)
	}
}

func TestPickDue_PriorityOrder(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	low := testCommand("low")
	if _, _, err := repo.Enqueue(ctx, low); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	high := testCommand("high")
	high.Priority = 10
	if _, _, err := repo.Enqueue(ctx, high); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	picked, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(picked) != 2 {
		t.Fatalf("PickDue() returned %d, want 2", len(picked))
	}
	if picked[0].IdempotencyKey != "high" {
		t.Errorf("first picked = %q, want the high-priority command", picked[0].IdempotencyKey)
	}
}

func TestFailureScenario_ThreeAttempts(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()
	policy := BackoffPolicy{Base: 5 * time.Second, Rate: 2.0, Cap: time.Hour}

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Three consecutive failed executions with growing backoff.
	var nextAttempts []time.Time
	for i := 1; i <= 3; i++ {
		if err := repo.MarkInProgress(ctx, cmd.ID); err != nil {
			t.Fatalf("MarkInProgress() error = %v", err)
		}
		now := time.Now().UTC()
		attempt := Attempt{
			Attempt:    i,
			StartedAt:  now,
			FinishedAt: now,
			Success:    false,
			Error:      "gateway offline",
		}
		nextAt := now.Add(policy.Delay(i))
		if err := repo.MarkFailed(ctx, cmd.ID, attempt, nextAt); err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}

		stored, err := repo.GetByID(ctx, cmd.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		nextAttempts = append(nextAttempts, stored.NextAttemptAt)
	}

	for i := 1; i < len(nextAttempts); i++ {
		if !nextAttempts[i].After(nextAttempts[i-1]) {
			t.Errorf("next_attempt_at not strictly increasing: %v then %v", nextAttempts[i-1], nextAttempts[i])
		}
	}

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", got.AttemptCount)
	}
	if got.LastError != "gateway offline" {
		t.Errorf("LastError = %q, want the recorded error", got.LastError)
	}

	attempts, err := repo.GetAttempts(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetAttempts() error = %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempt records = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Success {
			t.Errorf("attempt %d recorded success, want failure", i+1)
		}
		if a.Attempt != i+1 {
			t.Errorf("attempt number = %d, want %d", a.Attempt, i+1)
		}
	}
}

func TestMarkSucceeded(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	now := time.Now().UTC()
	attempt := Attempt{Attempt: 1, StartedAt: now, FinishedAt: now, Success: true}
	if err := repo.MarkSucceeded(ctx, cmd.ID, attempt); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("Status = %q, want succeeded", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared", got.LastError)
	}

	// A succeeded command is never due again.
	picked, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(picked) != 0 {
		t.Errorf("PickDue() after success returned %d, want 0", len(picked))
	}
}

func TestCancel(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := repo.Cancel(ctx, cmd.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	// Cancelled commands never come back due.
	picked, err := repo.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	if len(picked) != 0 {
		t.Errorf("PickDue() after cancel returned %d, want 0", len(picked))
	}

	// Cancelling a terminal command is rejected.
	if err := repo.Cancel(ctx, cmd.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("Cancel() of cancelled command error = %v, want ErrNotCancellable", err)
	}
}

func TestCancel_NotFound(t *testing.T) {
	repo := NewRepository(testDB(t))

	if err := repo.Cancel(context.Background(), "cmd-missing"); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("Cancel() error = %v, want ErrCommandNotFound", err)
	}
}

func TestCountDue(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, _, err := repo.Enqueue(ctx, testCommand(key)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	n, err := repo.CountDue(ctx)
	if err != nil {
		t.Fatalf("CountDue() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountDue() = %d, want 3", n)
	}
}
