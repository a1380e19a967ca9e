// Package mqtt provides the MQTT client used to reach facility gateways.
//
// Keyway Core talks to facility-local lock controllers ("gateways")
// over an MQTT broker. This package wraps paho.mqtt.golang with:
//
//   - Connection management with automatic reconnection
//   - Subscription tracking and restoration after reconnect
//   - Last Will and Testament for core offline detection
//   - Panic-safe message handlers
//   - Topic builders for the Keyway topic scheme
//
// # Topic Scheme
//
//	keyway/facility/{facility_id}/commands   signed command tokens (unicast)
//	keyway/broadcast                         fleet-wide payloads
//	keyway/gateway/{gw}/rpc/{request_id}     device RPC request
//	keyway/gateway/{gw}/rpc-reply/{request_id} device RPC reply
//	keyway/gateway/{gw}/status               retained gateway presence (LWT)
//	keyway/system/status                     core presence (LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.FacilityCommands("fac-042")
//	err = client.Publish(topic, token, 1, false)
package mqtt
