package denylist

import "time"

// Optimizer decisions are pure and advisory. The ledger write always
// happens; these functions only decide whether the matching network
// transmission is still worth anything. Returning false everywhere
// must only increase traffic, never change authorization.

// ShouldSkipAdd reports whether a deny-add transmission is pointless:
// the user's most recently issued access credential has already
// expired, so there is nothing left to deny on-device. A zero
// latestExpiry means no credential was ever issued; the transmission
// is sent in that case — skipping is an optimization reserved for the
// provably-lapsed.
func ShouldSkipAdd(latestExpiry time.Time, now time.Time) bool {
	if latestExpiry.IsZero() {
		return false
	}
	return !latestExpiry.After(now)
}

// ShouldSkipRemove reports whether a deny-remove transmission is
// pointless: the entry's own expiry has passed, so the device-side
// deny state has already lapsed logically and only the database row
// needs cleanup. Permanent entries (nil expiry) are always transmitted.
func ShouldSkipRemove(entry Entry, now time.Time) bool {
	if entry.ExpiresAt == nil {
		return false
	}
	return !entry.ExpiresAt.After(now)
}
