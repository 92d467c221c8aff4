package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementPhase   = "launcher_phase"
	MeasurementSession = "launcher_session"
)

// WritePhase records a phase transition. elapsed is the time since the
// session started.
func (c *Client) WritePhase(instance, sessionID, phase string, port int, elapsed time.Duration, ts time.Time) {
	c.WritePointWithTime(MeasurementPhase,
		map[string]string{
			"instance": instance,
			"phase":    phase,
		},
		map[string]any{
			"session_id":      sessionID,
			"port":            port,
			"elapsed_seconds": elapsed.Seconds(),
		},
		ts,
	)
}

// WriteSession records a finished session.
func (c *Client) WriteSession(instance, sessionID string, exitCode int, reason string, duration time.Duration, loggedIn bool, ts time.Time) {
	c.WritePointWithTime(MeasurementSession,
		map[string]string{
			"instance": instance,
		},
		map[string]any{
			"session_id":       sessionID,
			"exit_code":        exitCode,
			"reason":           reason,
			"duration_seconds": duration.Seconds(),
			"logged_in":        loggedIn,
		},
		ts,
	)
}

// WritePointWithTime writes a point with an explicit timestamp. Dropped
// silently when the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
