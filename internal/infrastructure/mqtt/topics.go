package mqtt

import "fmt"

// Topic prefixes for the Keyway MQTT scheme.
//
// Gateways subscribe to their facility's command channel and their own
// RPC topics; they publish retained presence on their status topic.
const (
	// TopicPrefix is the base for all Keyway topics.
	TopicPrefix = "keyway"

	// TopicPrefixSystem is the base for core system topics.
	TopicPrefixSystem = "keyway/system"
)

// Topics provides builders for Keyway MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.FacilityCommands("fac-042")
//	// Returns: "keyway/facility/fac-042/commands"
type Topics struct{}

// FacilityCommands returns the command channel for one facility.
// Signed command tokens are unicast here; every gateway in the
// facility receives them.
//
// Example: keyway/facility/fac-042/commands
func (Topics) FacilityCommands(facilityID string) string {
	return fmt.Sprintf("%s/facility/%s/commands", TopicPrefix, facilityID)
}

// Broadcast returns the fleet-wide broadcast topic.
//
// Example: keyway/broadcast
func (Topics) Broadcast() string {
	return fmt.Sprintf("%s/broadcast", TopicPrefix)
}

// GatewayRPCRequest returns the request topic for a device RPC to a gateway.
//
// Example: keyway/gateway/gw-7/rpc/req-abc123
func (Topics) GatewayRPCRequest(gatewayID, requestID string) string {
	return fmt.Sprintf("%s/gateway/%s/rpc/%s", TopicPrefix, gatewayID, requestID)
}

// GatewayRPCReply returns the reply topic for a device RPC.
//
// Example: keyway/gateway/gw-7/rpc-reply/req-abc123
func (Topics) GatewayRPCReply(gatewayID, requestID string) string {
	return fmt.Sprintf("%s/gateway/%s/rpc-reply/%s", TopicPrefix, gatewayID, requestID)
}

// GatewayStatus returns the retained presence topic for a gateway.
// Gateways publish {"status":"online"} here with an offline LWT.
//
// Example: keyway/gateway/gw-7/status
func (Topics) GatewayStatus(gatewayID string) string {
	return fmt.Sprintf("%s/gateway/%s/status", TopicPrefix, gatewayID)
}

// SystemStatus returns the core presence topic.
//
// Example: keyway/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllGatewayStatuses returns a pattern matching every gateway presence topic.
//
// Pattern: keyway/gateway/+/status
func (Topics) AllGatewayStatuses() string {
	return fmt.Sprintf("%s/gateway/+/status", TopicPrefix)
}

// AllGatewayRPCReplies returns a pattern matching every RPC reply topic.
//
// Pattern: keyway/gateway/+/rpc-reply/+
func (Topics) AllGatewayRPCReplies() string {
	return fmt.Sprintf("%s/gateway/+/rpc-reply/+", TopicPrefix)
}

// AllTopics returns a pattern matching all Keyway topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: keyway/#
func (Topics) AllTopics() string {
	return "keyway/#"
}
