package entitlement

import (
	"context"
	"sync"

	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
)

// EventType distinguishes grant from revocation.
type EventType string

// Entitlement event types.
const (
	EventAssigned   EventType = "assigned"
	EventUnassigned EventType = "unassigned"
)

// Event sources.
const (
	SourceUserDeactivation     = "user_deactivation"
	SourceUnitUnassignment     = "unit_unassignment"
	SourceFMSSync              = "fms_sync"
	SourceKeySharingRevocation = "key_sharing_revocation"
)

// Metadata carries provenance for an entitlement change.
type Metadata struct {
	Source      string `json:"source"`
	PerformedBy string `json:"performed_by,omitempty"`
	SyncLogID   string `json:"sync_log_id,omitempty"`
}

// Event is one entitlement change affecting a (unit, user) pair.
type Event struct {
	Type       EventType `json:"type"`
	UnitID     string    `json:"unit_id"`
	FacilityID string    `json:"facility_id"`
	UserID     string    `json:"user_id"`
	Metadata   Metadata  `json:"metadata"`
}

// Listener consumes entitlement events. Errors are logged by the bus
// and go no further.
type Listener interface {
	HandleEntitlement(ctx context.Context, event Event) error
}

// Bus delivers events to listeners synchronously, in subscription
// order. Subscribe before Publish starts; the listener set is not
// expected to change at runtime.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *logging.Logger
}

// NewBus creates an entitlement event bus.
func NewBus(logger *logging.Logger) *Bus {
	return &Bus{logger: logger.With("component", "entitlement_bus")}
}

// Subscribe registers a listener.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish delivers the event to every listener. Listener errors and
// panics are logged and swallowed: the triggering mutation has already
// committed and must not be unwound by a side effect.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(ctx, l, event)
	}
}

func (b *Bus) deliver(ctx context.Context, l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("entitlement listener panicked",
				"event_type", event.Type,
				"unit_id", event.UnitID,
				"user_id", event.UserID,
				"panic", r,
			)
		}
	}()

	if err := l.HandleEntitlement(ctx, event); err != nil {
		b.logger.Error("entitlement listener failed",
			"event_type", event.Type,
			"unit_id", event.UnitID,
			"user_id", event.UserID,
			"source", event.Metadata.Source,
			"error", err,
		)
	}
}
