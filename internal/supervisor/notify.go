package supervisor

import (
	"sync"
	"time"

	"github.com/nerrad567/llbot-cli/internal/watcher"
)

// NotificationType distinguishes phase transitions from backend events.
type NotificationType string

const (
	NotifyPhase NotificationType = "phase"
	NotifyEvent NotificationType = "event"
)

// Notification is what observers see of a running session.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id"`
	Time      time.Time        `json:"time"`
	Phase     Phase            `json:"phase"`

	Port       int `json:"port,omitempty"`
	BackendPID int `json:"backend_pid,omitempty"`
	SubPID     int `json:"sub_pid,omitempty"`
	ChildPID   int `json:"child_pid,omitempty"`

	// Event is set for NotifyEvent.
	Event *watcher.Event `json:"event,omitempty"`

	// ExitCode, Reason and Error are set on the terminated transition.
	ExitCode int    `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Observer receives session notifications. Observe is called from a single
// dispatch goroutine, in order; a slow observer delays the others but never
// the supervisor.
type Observer interface {
	Observe(n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notification)

func (f ObserverFunc) Observe(n Notification) { f(n) }

const (
	notifyBufferSize = 64
	notifyDrainLimit = 3 * time.Second
	phaseSendWait    = time.Second
)

// dispatcher delivers notifications to observers off the supervision loop.
type dispatcher struct {
	observers []Observer
	logger    Logger

	ch   chan Notification
	done chan struct{}
	once sync.Once
}

func newDispatcher(observers []Observer, logger Logger) *dispatcher {
	d := &dispatcher{
		observers: observers,
		logger:    logger,
		ch:        make(chan Notification, notifyBufferSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for n := range d.ch {
		for _, o := range d.observers {
			o.Observe(n)
		}
	}
}

// publish drops event notifications when observers lag. Phase transitions
// are few and wait briefly for room instead.
func (d *dispatcher) publish(n Notification) {
	if len(d.observers) == 0 {
		return
	}
	select {
	case d.ch <- n:
		return
	default:
	}
	if n.Type == NotifyPhase {
		select {
		case d.ch <- n:
			return
		case <-time.After(phaseSendWait):
		}
	}
	d.logger.Warn("observers lagging, notification dropped", "type", n.Type, "phase", n.Phase)
}

// close stops accepting notifications and waits a bounded time for the
// backlog to be delivered.
func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.ch)
		select {
		case <-d.done:
		case <-time.After(notifyDrainLimit):
			d.logger.Warn("observers did not drain before exit")
		}
	})
}
