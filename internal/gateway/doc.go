// Package gateway is the live transport to facility gateways over MQTT.
//
// Three delivery shapes exist:
//
//   - Unicast: signed command tokens published to a facility's command
//     channel, reaching every gateway in that facility.
//   - Broadcast: fleet-wide payloads (key rotation) on the shared
//     broadcast topic.
//   - RPC: request/reply exchanges with one gateway, correlated by
//     request ID on per-request reply topics, used for device
//     operations that return data (the key code a lock assigned).
//
// Gateway presence rides on retained status topics: each gateway
// publishes "online" retained on connect and its broker-side last will
// flips it to "offline". The tracker mirrors those topics so the
// dispatcher can treat an offline gateway as a transient failure
// without waiting out an RPC timeout.
package gateway
