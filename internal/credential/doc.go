// Package credential records issued route passes — the short-lived
// signed tokens that let a mobile client unlock a specific device.
//
// The record matters for one thing beyond audit: the revocation
// optimizer asks for a user's most recently issued pass. If that pass
// has already expired, a deny-add transmission is pointless — the user
// holds no credential a device would honour — and only the ledger row
// is kept.
package credential
