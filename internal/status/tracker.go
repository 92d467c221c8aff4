package status

import (
	"sync"
	"time"

	"github.com/nerrad567/llbot-cli/internal/supervisor"
	"github.com/nerrad567/llbot-cli/internal/watcher"
)

// Snapshot is the launcher state served by /api/v1/status.
type Snapshot struct {
	SessionID  string     `json:"session_id,omitempty"`
	Phase      string     `json:"phase"`
	Port       int        `json:"port,omitempty"`
	BackendPID int        `json:"backend_pid,omitempty"`
	SubPID     int        `json:"sub_pid,omitempty"`
	ChildPID   int        `json:"child_pid,omitempty"`
	Account    string     `json:"account,omitempty"`
	Nickname   string     `json:"nickname,omitempty"`
	QRPending  bool       `json:"qr_pending"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

type tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

func newTracker() *tracker {
	return &tracker{snap: Snapshot{Phase: "idle"}}
}

func (t *tracker) apply(n supervisor.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := n.Time
	if n.Phase == supervisor.PhaseInit && n.Type == supervisor.NotifyPhase {
		t.snap = Snapshot{SessionID: n.SessionID, StartedAt: &ts}
	}

	t.snap.SessionID = n.SessionID
	t.snap.Phase = string(n.Phase)
	t.snap.Port = n.Port
	t.snap.BackendPID = n.BackendPID
	t.snap.SubPID = n.SubPID
	t.snap.ChildPID = n.ChildPID
	t.snap.UpdatedAt = &ts

	if ev := n.Event; ev != nil {
		switch ev.Kind {
		case watcher.KindQRCode:
			t.snap.QRPending = true
		case watcher.KindLoggedIn:
			t.snap.QRPending = false
			t.snap.Account = ev.Account
			t.snap.Nickname = ev.Nickname
		}
	}

	if n.Phase == supervisor.PhaseTerminated && n.Type == supervisor.NotifyPhase {
		code := n.ExitCode
		t.snap.ExitCode = &code
		t.snap.Reason = n.Reason
		t.snap.QRPending = false
	}
}

func (t *tracker) snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Observe records n and broadcasts it to websocket clients. Server
// implements supervisor.Observer.
func (s *Server) Observe(n supervisor.Notification) {
	s.state.apply(n)
	s.hub.Broadcast(string(n.Type), n)
}
