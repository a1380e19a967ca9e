// Package influxdb provides time-series recording of command delivery
// telemetry for Keyway Core.
//
// Every dispatcher attempt against a gateway is recorded as a point in
// the command_attempts measurement: which gateway, which command type,
// whether it succeeded, and how long the round trip took. Operators use
// this to spot flaky gateways and delivery backlogs.
//
// Writes are non-blocking and batched; a lost point is acceptable
// (the authoritative attempt history lives in SQLite). InfluxDB is
// optional and disabled by default.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteCommandAttempt("gw-7", "ADD_KEY", true, 230*time.Millisecond)
package influxdb
