package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteCommandAttempt records one dispatcher execution attempt.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - gatewayID: Gateway the command was executed against
//   - commandType: Command type (ADD_KEY, REVOKE_KEY, ...)
//   - success: Whether the attempt succeeded
//   - latency: Round-trip time of the attempt
func (c *Client) WriteCommandAttempt(gatewayID, commandType string, success bool, latency time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_attempts",
		map[string]string{
			"gateway_id":   gatewayID,
			"command_type": commandType,
			"success":      strconv.FormatBool(success),
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Milliseconds()),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteQueueDepth records the number of due commands observed at a
// dispatcher tick. Useful for spotting delivery backlogs.
func (c *Client) WriteQueueDepth(due int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_queue",
		map[string]string{},
		map[string]interface{}{
			"due": due,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRevocationPush records a deny-list token transmission to a facility.
//
// Parameters:
//   - facilityID: Facility the token was unicast to
//   - action: "deny_add" or "deny_remove"
//   - devices: Number of device targets in the token
func (c *Client) WriteRevocationPush(facilityID, action string, devices int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"revocation_pushes",
		map[string]string{
			"facility_id": facilityID,
			"action":      action,
		},
		map[string]interface{}{
			"devices": devices,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
