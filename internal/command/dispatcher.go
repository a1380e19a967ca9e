package command

import (
	"context"
	"sync"
	"time"

	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
)

// Executor carries a claimed command to its gateway and reports the
// outcome. An offline gateway must surface as ErrGatewayOffline so the
// dispatcher treats it as transient.
type Executor interface {
	Execute(ctx context.Context, cmd *Command) (*Result, error)
}

// Notifier publishes best-effort command state changes to UI clients.
// Failures are invisible to the dispatch path.
type Notifier interface {
	NotifyCommand(cmd *Command)
}

// Telemetry records dispatch metrics. Implemented by the InfluxDB
// client; a nil Telemetry disables recording.
type Telemetry interface {
	WriteCommandAttempt(gatewayID, commandType string, success bool, latency time.Duration)
	WriteQueueDepth(due int)
}

// SuccessHook runs a command-type-specific side effect after a command
// succeeds, e.g. persisting the key code a device assigned. Hooks are
// best-effort: they cannot fail the already-succeeded command.
type SuccessHook func(ctx context.Context, cmd *Command, result *Result)

// Dispatcher polls the queue on a fixed interval and executes due
// commands. Persistence is the single source of truth: restarting the
// dispatcher, or running a second instance, never duplicates work
// because claims are atomic.
type Dispatcher struct {
	repo      Repository
	exec      Executor
	backoff   BackoffPolicy
	logger    *logging.Logger
	interval  time.Duration
	batchSize int

	notifier  Notifier
	telemetry Telemetry
	hooks     []SuccessHook

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// DispatcherOption configures optional dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithNotifier attaches a UI notifier.
func WithNotifier(n Notifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithTelemetry attaches a metrics sink.
func WithTelemetry(t Telemetry) DispatcherOption {
	return func(d *Dispatcher) { d.telemetry = t }
}

// WithSuccessHook appends a side effect to run after successful commands.
func WithSuccessHook(h SuccessHook) DispatcherOption {
	return func(d *Dispatcher) { d.hooks = append(d.hooks, h) }
}

// NewDispatcher creates a dispatcher. Call Start to begin polling.
func NewDispatcher(repo Repository, exec Executor, backoff BackoffPolicy,
	interval time.Duration, batchSize int, logger *logging.Logger, opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		exec:      exec,
		backoff:   backoff,
		logger:    logger.With("component", "dispatcher"),
		interval:  interval,
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. Call Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.pollLoop(ctx)
}

// Stop shuts the dispatcher down and waits for the in-flight tick to
// finish. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// claimLease bounds how long a claim may sit without an outcome before
// the command is treated as abandoned. Must comfortably exceed the
// gateway RPC timeout so in-flight work is never stolen.
const claimLease = 5 * time.Minute

// tick drains one batch of due commands.
func (d *Dispatcher) tick(ctx context.Context) {
	if n, err := d.repo.ReclaimStale(ctx, time.Now().UTC().Add(-claimLease)); err != nil {
		d.logger.Error("reclaiming stale claims", "error", err)
	} else if n > 0 {
		d.logger.Warn("requeued commands abandoned mid-claim", "count", n)
	}

	if d.telemetry != nil {
		if due, err := d.repo.CountDue(ctx); err == nil {
			d.telemetry.WriteQueueDepth(due)
		}
	}

	commands, err := d.repo.PickDue(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("picking due commands", "error", err)
		return
	}

	for i := range commands {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}
		d.process(ctx, &commands[i])
	}
}

// process executes one claimed command and records the outcome.
func (d *Dispatcher) process(ctx context.Context, cmd *Command) {
	if err := d.repo.MarkInProgress(ctx, cmd.ID); err != nil {
		d.logger.Error("marking command in progress", "command_id", cmd.ID, "error", err)
		return
	}

	attemptNo := cmd.AttemptCount + 1
	startedAt := time.Now().UTC()

	result, execErr := d.exec.Execute(ctx, cmd)

	finishedAt := time.Now().UTC()
	attempt := Attempt{
		Attempt:    attemptNo,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Success:    execErr == nil,
	}

	if d.telemetry != nil {
		d.telemetry.WriteCommandAttempt(cmd.GatewayID, string(cmd.Type), execErr == nil, finishedAt.Sub(startedAt))
	}

	if execErr != nil {
		attempt.Error = execErr.Error()
		delay := d.backoff.Delay(attemptNo)
		nextAt := finishedAt.Add(delay)

		if err := d.repo.MarkFailed(ctx, cmd.ID, attempt, nextAt); err != nil {
			d.logger.Error("marking command failed", "command_id", cmd.ID, "error", err)
			return
		}
		d.logger.Warn("command execution failed",
			"command_id", cmd.ID,
			"command_type", cmd.Type,
			"gateway_id", cmd.GatewayID,
			"attempt", attemptNo,
			"retry_in", delay.String(),
			"error", execErr,
		)

		cmd.Status = StatusFailed
		cmd.AttemptCount = attemptNo
		cmd.LastError = execErr.Error()
		cmd.NextAttemptAt = nextAt
		d.notify(cmd)
		return
	}

	if err := d.repo.MarkSucceeded(ctx, cmd.ID, attempt); err != nil {
		d.logger.Error("marking command succeeded", "command_id", cmd.ID, "error", err)
		return
	}
	d.logger.Info("command executed",
		"command_id", cmd.ID,
		"command_type", cmd.Type,
		"gateway_id", cmd.GatewayID,
		"attempt", attemptNo,
	)

	cmd.Status = StatusSucceeded
	cmd.AttemptCount = attemptNo
	cmd.LastError = ""
	for _, hook := range d.hooks {
		hook(ctx, cmd, result)
	}
	d.notify(cmd)
}

func (d *Dispatcher) notify(cmd *Command) {
	if d.notifier != nil {
		d.notifier.NotifyCommand(cmd)
	}
}
