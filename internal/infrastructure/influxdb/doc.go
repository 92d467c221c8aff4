// Package influxdb writes launcher session telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//   - launcher_phase: one point per supervisor phase transition, tagged by
//     instance and phase, with the time since the session started
//   - launcher_session: one point per finished session with its exit code,
//     reason, duration and whether a login happened
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	observer := influxdb.NewTelemetry(client, cfg.MQTT.InstanceID)
//
// Writes are non-blocking and batched (batch_size, flush_interval); async
// write failures are delivered through SetOnError.
package influxdb
