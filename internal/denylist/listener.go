package denylist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyway-access/keyway-core/internal/audit"
	"github.com/keyway-access/keyway-core/internal/credential"
	"github.com/keyway-access/keyway-core/internal/entitlement"
	"github.com/keyway-access/keyway-core/internal/facility"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
	"github.com/keyway-access/keyway-core/internal/signer"
)

// DeviceResolver maps a unit to the devices bound to it.
type DeviceResolver interface {
	DevicesForUnit(ctx context.Context, unitID string) ([]facility.DeviceBinding, error)
}

// PassReader exposes the newest route-pass expiry per user.
type PassReader interface {
	LatestExpiryForUser(ctx context.Context, userID string) (time.Time, error)
}

// TokenBuilder signs deny tokens.
type TokenBuilder interface {
	BuildDenyAdd(entries []signer.DenyEntry, devices []string) (string, error)
	BuildDenyRemove(entries []signer.DenyEntry, devices []string) (string, error)
}

// Transport delivers a token to a facility's live channel, best-effort.
type Transport interface {
	UnicastToFacility(ctx context.Context, facilityID, token string) error
}

// AuditSink records ledger mutations. A nil sink disables recording.
type AuditSink interface {
	Create(ctx context.Context, log *audit.AuditLog) error
}

// Telemetry records token transmissions. Implemented by the InfluxDB
// client; a nil Telemetry disables recording.
type Telemetry interface {
	WriteRevocationPush(facilityID, action string, devices int)
}

// Listener reacts to entitlement changes: it updates the deny ledger
// and pushes device-targeted tokens where the optimizer agrees a
// transmission still matters. It satisfies entitlement.Listener; any
// error it returns is logged and swallowed by the bus, never surfaced
// to the operation that triggered the event.
type Listener struct {
	ledger    Repository
	devices   DeviceResolver
	passes    PassReader
	tokens    TokenBuilder
	transport Transport
	audit     AuditSink
	telemetry Telemetry
	ttl       time.Duration
	logger    *logging.Logger
}

// ListenerOption configures optional listener collaborators.
type ListenerOption func(*Listener)

// WithAudit attaches an audit sink for ledger mutations.
func WithAudit(sink AuditSink) ListenerOption {
	return func(l *Listener) { l.audit = sink }
}

// WithTelemetry attaches a metrics sink for token transmissions.
func WithTelemetry(t Telemetry) ListenerOption {
	return func(l *Listener) { l.telemetry = t }
}

// NewListener creates a revocation listener. ttl is the route-pass
// TTL: deny entries expire that far in the future so they outlive any
// credential already in a user's possession.
func NewListener(ledger Repository, devices DeviceResolver, passes PassReader,
	tokens TokenBuilder, transport Transport, ttl time.Duration, logger *logging.Logger,
	opts ...ListenerOption,
) *Listener {
	l := &Listener{
		ledger:    ledger,
		devices:   devices,
		passes:    passes,
		tokens:    tokens,
		transport: transport,
		ttl:       ttl,
		logger:    logger.With("component", "revocation_listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HandleEntitlement implements entitlement.Listener.
func (l *Listener) HandleEntitlement(ctx context.Context, event entitlement.Event) error {
	switch event.Type {
	case entitlement.EventUnassigned:
		return l.handleUnassigned(ctx, event)
	case entitlement.EventAssigned:
		return l.handleAssigned(ctx, event)
	default:
		return fmt.Errorf("unhandled entitlement event type %q", event.Type)
	}
}

// handleUnassigned records deny state for every device on the unit and
// pushes a deny-add token unless the user's newest credential has
// already lapsed.
func (l *Listener) handleUnassigned(ctx context.Context, event entitlement.Event) error {
	devices, err := l.devices.DevicesForUnit(ctx, event.UnitID)
	if err != nil {
		return fmt.Errorf("resolving devices for unit %s: %w", event.UnitID, err)
	}
	if len(devices) == 0 {
		return nil
	}

	now := time.Now().UTC()
	expiry := now.Add(l.ttl)

	entries := make([]Entry, 0, len(devices))
	deviceIDs := make([]string, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, Entry{
			DeviceID:  d.ID,
			UserID:    event.UserID,
			ExpiresAt: &expiry,
			CreatedBy: event.Metadata.PerformedBy,
			Source:    event.Metadata.Source,
		})
		deviceIDs = append(deviceIDs, d.ID)
	}

	if err := l.ledger.BulkUpsert(ctx, entries); err != nil {
		return fmt.Errorf("recording deny entries: %w", err)
	}
	l.recordAudit(ctx, audit.ActionDenyAdded, event, len(deviceIDs))

	latestExpiry, err := l.passes.LatestExpiryForUser(ctx, event.UserID)
	if err != nil && !errors.Is(err, credential.ErrPassNotFound) {
		return fmt.Errorf("looking up latest route pass: %w", err)
	}
	if ShouldSkipAdd(latestExpiry, now) {
		l.logger.Debug("skipping deny-add transmission, credential already expired",
			"user_id", event.UserID,
			"unit_id", event.UnitID,
			"devices", len(deviceIDs),
		)
		return nil
	}

	token, err := l.tokens.BuildDenyAdd(
		[]signer.DenyEntry{{Subject: event.UserID, Expiry: expiry.Unix()}},
		deviceIDs,
	)
	if err != nil {
		return fmt.Errorf("building deny-add token: %w", err)
	}
	if err := l.transport.UnicastToFacility(ctx, event.FacilityID, token); err != nil {
		return fmt.Errorf("delivering deny-add to facility %s: %w", event.FacilityID, err)
	}
	if l.telemetry != nil {
		l.telemetry.WriteRevocationPush(event.FacilityID, "deny_add", len(deviceIDs))
	}

	l.logger.Info("deny entries pushed",
		"user_id", event.UserID,
		"unit_id", event.UnitID,
		"facility_id", event.FacilityID,
		"devices", len(deviceIDs),
		"source", event.Metadata.Source,
	)
	return nil
}

// handleAssigned clears the user's deny state on the unit's devices
// and pushes a deny-remove for entries still live on-device. Groups by
// facility in case one event somehow spans several.
func (l *Listener) handleAssigned(ctx context.Context, event entitlement.Event) error {
	existing, err := l.ledger.GetForUnitUser(ctx, event.UnitID, event.UserID)
	if err != nil {
		return fmt.Errorf("looking up deny entries for unit %s: %w", event.UnitID, err)
	}
	if len(existing) == 0 {
		return nil
	}

	ids := make([]string, 0, len(existing))
	for _, e := range existing {
		ids = append(ids, e.ID)
	}
	if err := l.ledger.BulkDelete(ctx, ids); err != nil {
		return fmt.Errorf("deleting deny entries: %w", err)
	}
	l.recordAudit(ctx, audit.ActionDenyRemoved, event, len(ids))

	now := time.Now().UTC()
	byFacility := make(map[string][]UnitEntry)
	for _, e := range existing {
		if ShouldSkipRemove(e.Entry, now) {
			continue
		}
		byFacility[e.FacilityID] = append(byFacility[e.FacilityID], e)
	}

	var firstErr error
	for facilityID, group := range byFacility {
		deviceIDs := make([]string, 0, len(group))
		denyEntries := make([]signer.DenyEntry, 0, len(group))
		for _, e := range group {
			deviceIDs = append(deviceIDs, e.DeviceID)
			entry := signer.DenyEntry{Subject: e.UserID}
			if e.ExpiresAt != nil {
				entry.Expiry = e.ExpiresAt.Unix()
			}
			denyEntries = append(denyEntries, entry)
		}

		token, err := l.tokens.BuildDenyRemove(denyEntries, deviceIDs)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("building deny-remove token: %w", err)
			}
			continue
		}
		if err := l.transport.UnicastToFacility(ctx, facilityID, token); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delivering deny-remove to facility %s: %w", facilityID, err)
			}
			continue
		}
		if l.telemetry != nil {
			l.telemetry.WriteRevocationPush(facilityID, "deny_remove", len(deviceIDs))
		}

		l.logger.Info("deny entries cleared",
			"user_id", event.UserID,
			"unit_id", event.UnitID,
			"facility_id", facilityID,
			"devices", len(deviceIDs),
		)
	}
	return firstErr
}

// recordAudit writes one audit row per ledger mutation, best-effort:
// the mutation has already committed, so a failed audit write is
// logged rather than unwinding it.
func (l *Listener) recordAudit(ctx context.Context, action string, event entitlement.Event, devices int) {
	if l.audit == nil {
		return
	}
	err := l.audit.Create(ctx, &audit.AuditLog{
		Action:     action,
		EntityType: audit.EntityDenyEntry,
		EntityID:   event.UnitID,
		UserID:     event.Metadata.PerformedBy,
		Source:     audit.SourceListener,
		Details: map[string]any{
			"user_id":     event.UserID,
			"facility_id": event.FacilityID,
			"devices":     devices,
			"source":      event.Metadata.Source,
		},
	})
	if err != nil {
		l.logger.Error("audit write failed", "action", action, "error", err)
	}
}
