// Package denylist maintains per-device, per-user deny state and the
// revocation path that feeds it.
//
// The ledger is the authoritative record: one row per (device, user)
// pair, upserts replacing any prior row, with an expiry tied to the
// route-pass TTL so a deny always outlives the newest credential the
// user could still hold. Revoking an entitlement bulk-upserts rows for
// every device on the unit and, when the optimizer agrees it is worth
// the traffic, pushes a signed deny-add token scoped to exactly those
// devices. Re-granting deletes the rows and pushes a deny-remove for
// whatever is still live on-device.
//
// The optimizer is advisory only. Its skip decisions save network
// round trips for credentials that have already lapsed; disabling it
// changes traffic, never authorization.
//
// The pruner sweeps expired rows once at startup and daily after that.
// It never talks to devices — an expired row is either already
// meaningless on-device or was never transmitted.
package denylist
