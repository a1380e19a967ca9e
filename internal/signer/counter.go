package signer

import (
	"context"
	"database/sql"
	"fmt"
)

// counterKey is the signer_state row holding the last issued timestamp.
const counterKey = "last_issued_ts"

// casRetries bounds the compare-and-swap loop under contention.
const casRetries = 5

// TimestampCounter serializes the process-wide monotonic timestamp used
// by time-sync and key-rotation commands.
type TimestampCounter interface {
	// Advance persists and returns max(requested, last). Never fails on
	// a stale request — the counter simply wins.
	Advance(ctx context.Context, requested int64) (int64, error)

	// AdvanceStrict persists ts only if it exceeds the last issued
	// value, returning ErrStaleTimestamp otherwise.
	AdvanceStrict(ctx context.Context, ts int64) error

	// Last returns the last issued timestamp without modifying it.
	Last(ctx context.Context) (int64, error)
}

// SQLiteCounter implements TimestampCounter on the signer_state table
// using compare-and-swap updates, so concurrent issuers in one process
// (or across processes sharing the database) preserve monotonicity.
type SQLiteCounter struct {
	db *sql.DB
}

// NewCounter creates a SQLite-backed timestamp counter.
func NewCounter(db *sql.DB) *SQLiteCounter {
	return &SQLiteCounter{db: db}
}

// Last returns the last issued timestamp.
func (c *SQLiteCounter) Last(ctx context.Context) (int64, error) {
	var last int64
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM signer_state WHERE key = ?`, counterKey,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reading timestamp counter: %w", err)
	}
	return last, nil
}

// Advance returns max(requested, last), persisting the result. A lost
// compare-and-swap race means another issuer advanced the counter; the
// read is retried and the maximum recomputed.
func (c *SQLiteCounter) Advance(ctx context.Context, requested int64) (int64, error) {
	for range casRetries {
		last, err := c.Last(ctx)
		if err != nil {
			return 0, err
		}

		issued := requested
		if last > issued {
			issued = last
		}
		if issued == last {
			// Counter already at or above the request; nothing to write.
			return issued, nil
		}

		ok, err := c.swap(ctx, last, issued)
		if err != nil {
			return 0, err
		}
		if ok {
			return issued, nil
		}
	}
	return 0, fmt.Errorf("advancing timestamp counter: %w", errCASExhausted)
}

// AdvanceStrict persists ts only if it strictly exceeds the last issued
// value. A stale ts is a conflict, not a validation error.
func (c *SQLiteCounter) AdvanceStrict(ctx context.Context, ts int64) error {
	for range casRetries {
		last, err := c.Last(ctx)
		if err != nil {
			return err
		}
		if ts <= last {
			return fmt.Errorf("%w: ts %d <= last issued %d", ErrStaleTimestamp, ts, last)
		}

		ok, err := c.swap(ctx, last, ts)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("advancing timestamp counter: %w", errCASExhausted)
}

// swap performs the compare-and-swap write. Returns false when another
// writer moved the counter first.
func (c *SQLiteCounter) swap(ctx context.Context, old, next int64) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE signer_state SET value = ? WHERE key = ? AND value = ?`,
		next, counterKey, old,
	)
	if err != nil {
		return false, fmt.Errorf("updating timestamp counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating timestamp counter: %w", err)
	}
	return n == 1, nil
}
