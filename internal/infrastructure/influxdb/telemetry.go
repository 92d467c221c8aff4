package influxdb

import (
	"time"

	"github.com/nerrad567/llbot-cli/internal/supervisor"
	"github.com/nerrad567/llbot-cli/internal/watcher"
)

type telemetryWriter interface {
	WritePhase(instance, sessionID, phase string, port int, elapsed time.Duration, ts time.Time)
	WriteSession(instance, sessionID string, exitCode int, reason string, duration time.Duration, loggedIn bool, ts time.Time)
}

// Telemetry turns supervisor notifications into points. It implements
// supervisor.Observer and is driven from a single goroutine.
type Telemetry struct {
	w        telemetryWriter
	instance string

	started  time.Time
	loggedIn bool
}

// NewTelemetry creates an observer writing through client.
func NewTelemetry(client *Client, instance string) *Telemetry {
	return &Telemetry{w: client, instance: instance}
}

// Observe writes a launcher_phase point per transition and a
// launcher_session point when the session terminates.
func (t *Telemetry) Observe(n supervisor.Notification) {
	ts := n.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	if n.Type == supervisor.NotifyEvent {
		if n.Event != nil && n.Event.Kind == watcher.KindLoggedIn {
			t.loggedIn = true
		}
		return
	}

	if n.Phase == supervisor.PhaseInit || t.started.IsZero() {
		t.started = ts
		t.loggedIn = false
	}
	elapsed := ts.Sub(t.started)

	t.w.WritePhase(t.instance, n.SessionID, string(n.Phase), n.Port, elapsed, ts)
	if n.Phase == supervisor.PhaseTerminated {
		t.w.WriteSession(t.instance, n.SessionID, n.ExitCode, n.Reason, elapsed, t.loggedIn, ts)
	}
}
