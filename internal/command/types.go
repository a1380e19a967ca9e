package command

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a gateway command.
type Status string

// Command lifecycle states. A command is created pending, claimed by
// the dispatcher (queued, then in_progress) and terminates at
// succeeded or cancelled. Failed commands become due again after their
// backoff delay. Nothing in the system promotes a command to
// dead_letter automatically; the state exists for operators only.
const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether a status accepts no further transitions
// from the dispatcher.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCancelled || s == StatusDeadLetter
}

// Command is a unit of work directed at one device via one gateway.
type Command struct {
	ID             string          `json:"id"`
	FacilityID     string          `json:"facility_id"`
	GatewayID      string          `json:"gateway_id"`
	DeviceID       string          `json:"device_id"`
	Type           Type            `json:"command_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Attempt is one execution of a command. Append-only: rows are never
// mutated once finished_at is set.
type Attempt struct {
	ID         int64     `json:"id"`
	CommandID  string    `json:"command_id"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Result is what a gateway RPC returned for a successful execution.
// Data is command-type-specific (e.g. the key code a device assigned).
type Result struct {
	Data map[string]string
}
