// Package command implements the persistent gateway command queue and
// the dispatcher that drains it.
//
// A command is a unit of work directed at one device via one gateway:
// add a key, revoke a key, push a denylist sync, announce time, rotate
// the signing key. Commands are enqueued with a globally unique
// idempotency key — re-submission returns the existing record instead
// of creating a duplicate — and live in SQLite, which is the single
// source of truth for their state.
//
// The dispatcher polls on a timer, claims due commands with a
// compare-and-swap on status (so two dispatcher instances never process
// the same command twice), executes them against the gateway transport,
// and applies exponential backoff with proportional jitter on failure.
// There is no attempt limit and no automatic dead-lettering: a command
// retries until it succeeds or an operator cancels it. Every execution
// appends an immutable attempt record for audit.
package command
