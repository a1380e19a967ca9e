package facility

import "time"

// DeviceBinding locates one lock device in the fleet.
type DeviceBinding struct {
	ID         string    `json:"id"`
	FacilityID string    `json:"facility_id"`
	GatewayID  string    `json:"gateway_id"`
	UnitID     string    `json:"unit_id,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}
