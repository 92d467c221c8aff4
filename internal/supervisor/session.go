package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/llbot-cli/internal/portalloc"
	"github.com/nerrad567/llbot-cli/internal/process"
)

// Phase is a state of the supervision state machine.
type Phase string

const (
	PhaseInit              Phase = "init"
	PhasePortAllocated     Phase = "port_allocated"
	PhaseBackendStarting   Phase = "backend_starting"
	PhaseBackendReady      Phase = "backend_ready"
	PhaseSubcommandRunning Phase = "subcommand_running"
	PhaseDraining          Phase = "draining"
	PhaseTerminated        Phase = "terminated"
)

// Ready reports whether the backend has signalled readiness in this phase.
func (p Phase) Ready() bool {
	return p == PhaseBackendReady || p == PhaseSubcommandRunning
}

// Session is the state of one launch. Only the goroutine running
// Supervisor.Run mutates it.
type Session struct {
	ID        string
	StartedAt time.Time
	Phase     Phase
	Lease     portalloc.Lease

	// At most one of each per session.
	Backend *process.Handle
	Sub     *process.Handle

	// ChildPID is the client process the backend reported starting.
	ChildPID int

	lastQR       string
	sawPortInUse bool

	teardownRegistered bool
	teardownOnce       sync.Once
	teardowns          atomic.Int32
}

func newSession() *Session {
	return &Session{
		ID:        "ses-" + uuid.NewString()[:8],
		StartedAt: time.Now().UTC(),
		Phase:     PhaseInit,
	}
}

// teardown stops live children in order: sub-command, reported client, then
// backend. The reported client is only signalled while it is still in the
// backend's process group. It runs at most once per session regardless of how often it is
// called.
func (s *Session) teardown(grace time.Duration, logger Logger) {
	if !s.teardownRegistered {
		return
	}
	s.teardownOnce.Do(func() {
		s.teardowns.Add(1)

		if s.Sub != nil {
			if err := s.Sub.Terminate(grace); err != nil {
				logger.Warn("sub-command did not stop cleanly", "pid", s.Sub.PID(), "error", err)
			}
		}
		switch {
		case s.ChildPID <= 0:
		case s.Backend != nil && !process.InGroup(s.ChildPID, s.Backend.PID()):
			// Gone, or the PID now belongs to something else.
			logger.Info("client process no longer in the backend's group, not signalling it", "pid", s.ChildPID)
		default:
			if err := process.TerminatePID(s.ChildPID, grace); err != nil {
				logger.Warn("client process did not stop cleanly", "pid", s.ChildPID, "error", err)
			}
		}
		if s.Backend != nil {
			if err := s.Backend.Terminate(grace); err != nil {
				logger.Warn("backend did not stop cleanly", "pid", s.Backend.PID(), "error", err)
			}
		}
	})
}

// Teardowns returns how many times teardown actually ran (0 or 1).
func (s *Session) Teardowns() int {
	return int(s.teardowns.Load())
}

func (s *Session) backendPID() int {
	if s.Backend == nil {
		return 0
	}
	return s.Backend.PID()
}

func (s *Session) subPID() int {
	if s.Sub == nil {
		return 0
	}
	return s.Sub.PID()
}
