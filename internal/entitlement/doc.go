// Package entitlement defines entitlement-change events and the
// in-process bus that fans them out.
//
// The bus is synchronous and best-effort by contract: a publisher's
// business operation (assigning or unassigning a tenant) has already
// committed by the time the event fires, so listener failures are the
// listener's problem — Publish never returns an error and never
// panics outward. Revocation push is a hardening measure layered on
// top of the authoritative entitlement record, not part of it.
package entitlement
