package denylist

import "time"

// Sources of a deny entry, matching the entitlement event that raised it.
const (
	SourceUserDeactivation     = "user_deactivation"
	SourceUnitUnassignment     = "unit_unassignment"
	SourceFMSSync              = "fms_sync"
	SourceKeySharingRevocation = "key_sharing_revocation"
)

// Entry is deny state for one (device, user) pair. A nil ExpiresAt
// means the deny is permanent and only an explicit re-grant removes it.
type Entry struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	UserID    string     `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UnitEntry is a ledger row joined with the device's facility, used
// when a remove must be routed to the right facility channel.
type UnitEntry struct {
	Entry
	FacilityID string `json:"facility_id"`
}
