package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keyway-access/keyway-core/internal/infrastructure/config"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
)

// fakeExecutor scripts execution outcomes per command ID.
type fakeExecutor struct {
	mu       sync.Mutex
	failures map[string]error
	executed []string
	result   *Result
}

func (f *fakeExecutor) Execute(_ context.Context, cmd *Command) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd.ID)
	if err, ok := f.failures[cmd.ID]; ok {
		return nil, err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &Result{}, nil
}

func (f *fakeExecutor) executions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// fakeNotifier records notified commands.
type fakeNotifier struct {
	mu       sync.Mutex
	notified []Command
}

func (f *fakeNotifier) NotifyCommand(cmd *Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, *cmd)
}

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func newTestDispatcher(t *testing.T, repo Repository, exec Executor, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	policy := BackoffPolicy{Base: 5 * time.Second, Rate: 2.0, Cap: time.Hour}
	return NewDispatcher(repo, exec, policy, 50*time.Millisecond, 10, quietLogger(), opts...)
}

func TestDispatcher_SuccessfulCommand(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	exec := &fakeExecutor{}
	notifier := &fakeNotifier{}
	d := newTestDispatcher(t, repo, exec, WithNotifier(notifier))

	d.tick(ctx)

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

	if execs := exec.executions(); len(execs) != 1 || execs[0] != cmd.ID {
		t.Errorf("executions = %v, want exactly [%s]", execs, cmd.ID)
	}
	if len(notifier.notified) != 1 || notifier.notified[0].Status != StatusSucceeded {
		t.Errorf("notified = %+v, want one succeeded notification", notifier.notified)
	}
}

func TestDispatcher_TransientFailureSchedulesRetry(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	exec := &fakeExecutor{failures: map[string]error{cmd.ID: ErrGatewayOffline}}
	d := newTestDispatcher(t, repo, exec)

	d.tick(ctx)

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if !got.NextAttemptAt.After(time.Now().UTC()) {
		t.Errorf("NextAttemptAt = %v, want in the future", got.NextAttemptAt)
	}

	attempts, err := repo.GetAttempts(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetAttempts() error = %v", err)
	}
	if len(attempts) != 1 || attempts[0].Success {
		t.Errorf("attempts = %+v, want one failed record", attempts)
	}

	// Not due yet: the next tick must skip it.
	d.tick(ctx)
	if execs := exec.executions(); len(execs) != 1 {
		t.Errorf("executions = %d, want 1 (backoff holds the command)", len(execs))
	}
}

func TestDispatcher_SuccessHookReceivesResult(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	if _, _, err := repo.Enqueue(ctx, testCommand("key-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	exec := &fakeExecutor{result: &Result{Data: map[string]string{"key_code": "1234"}}}

	var mu sync.Mutex
	var hookResults []*Result
	hook := func(_ context.Context, _ *Command, result *Result) {
		mu.Lock()
		hookResults = append(hookResults, result)
		mu.Unlock()
	}

	d := newTestDispatcher(t, repo, exec, WithSuccessHook(hook))
	d.tick(ctx)

	if len(hookResults) != 1 {
		t.Fatalf("hook ran %d times, want 1", len(hookResults))
	}
	if hookResults[0].Data["key_code"] != "1234" {
		t.Errorf("hook result = %+v, want the executor's data", hookResults[0])
	}
}

func TestDispatcher_RequeuesAbandonedClaim(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	cmd, _, err := repo.Enqueue(ctx, testCommand("key-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Claim the command, then pretend the claiming process died:
	// backdate the claim past the lease.
	if _, err := repo.PickDue(ctx, 10); err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	_, err = db.Exec(`UPDATE gateway_commands SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC().Add(-2*claimLease)), cmd.ID)
	if err != nil {
		t.Fatalf("backdating claim: %v", err)
	}

	exec := &fakeExecutor{}
	d := newTestDispatcher(t, repo, exec)
	d.tick(ctx)

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("Status = %q, want succeeded after reclaim and re-dispatch", got.Status)
	}
	if execs := exec.executions(); len(execs) != 1 || execs[0] != cmd.ID {
		t.Errorf("executions = %v, want exactly [%s]", execs, cmd.ID)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	if _, _, err := repo.Enqueue(ctx, testCommand("key-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	exec := &fakeExecutor{}
	d := newTestDispatcher(t, repo, exec)

	d.Start(ctx)
	deadline := time.After(2 * time.Second)
	for len(exec.executions()) == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatcher never executed the due command")
		case <-time.After(10 * time.Millisecond):
		}
	}
	d.Stop()
	d.Stop() // Stop is idempotent
}
