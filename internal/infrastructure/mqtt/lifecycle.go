package mqtt

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/llbot-cli/internal/infrastructure/config"
	"github.com/nerrad567/llbot-cli/internal/supervisor"
)

// publisher is the part of Client the lifecycle publisher needs.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// StateMessage is the retained payload on the state topic.
type StateMessage struct {
	Status     string `json:"status"`
	SessionID  string `json:"session_id"`
	Phase      string `json:"phase"`
	Port       int    `json:"port,omitempty"`
	BackendPID int    `json:"backend_pid,omitempty"`
	SubPID     int    `json:"sub_pid,omitempty"`
	ChildPID   int    `json:"child_pid,omitempty"`
	Account    string `json:"account,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// EventMessage is the payload on the event topic.
type EventMessage struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	Kind      string `json:"kind"`
	Stream    string `json:"stream"`
	Port      int    `json:"port,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Account   string `json:"account,omitempty"`
	Nickname  string `json:"nickname,omitempty"`

	// QRCode carries the login link so a remote dashboard can show it.
	QRCode    string `json:"qr_code,omitempty"`
	Timestamp string `json:"timestamp"`
}

// LifecyclePublisher publishes supervisor notifications. It implements
// supervisor.Observer.
type LifecyclePublisher struct {
	pub    publisher
	topics Topics
	qos    byte
	logger Logger

	// Only the dispatcher goroutine touches account.
	account string
}

// NewLifecyclePublisher creates a publisher over client.
func NewLifecyclePublisher(client *Client, cfg config.MQTTConfig) *LifecyclePublisher {
	return newLifecyclePublisher(client, cfg)
}

func newLifecyclePublisher(pub publisher, cfg config.MQTTConfig) *LifecyclePublisher {
	return &LifecyclePublisher{
		pub:    pub,
		topics: Topics{Instance: cfg.InstanceID},
		qos:    byte(cfg.QoS),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for publish failures.
func (p *LifecyclePublisher) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Observe publishes n.
func (p *LifecyclePublisher) Observe(n supervisor.Notification) {
	ts := n.Time.UTC().Format(time.RFC3339)
	if n.Time.IsZero() {
		ts = time.Now().UTC().Format(time.RFC3339)
	}

	switch n.Type {
	case supervisor.NotifyPhase:
		if n.Phase == supervisor.PhaseInit {
			p.account = ""
		}
		msg := StateMessage{
			Status:     "online",
			SessionID:  n.SessionID,
			Phase:      string(n.Phase),
			Port:       n.Port,
			BackendPID: n.BackendPID,
			SubPID:     n.SubPID,
			ChildPID:   n.ChildPID,
			Account:    p.account,
			Timestamp:  ts,
		}
		if n.Phase == supervisor.PhaseTerminated {
			code := n.ExitCode
			msg.ExitCode = &code
			msg.Reason = n.Reason
		}
		p.publish(p.topics.State(), msg, true)

	case supervisor.NotifyEvent:
		if n.Event == nil {
			return
		}
		ev := n.Event
		msg := EventMessage{
			SessionID: n.SessionID,
			Phase:     string(n.Phase),
			Kind:      string(ev.Kind),
			Stream:    string(ev.Stream),
			Port:      ev.Port,
			PID:       ev.PID,
			Account:   ev.Account,
			Nickname:  ev.Nickname,
			QRCode:    ev.Payload,
			Timestamp: ts,
		}
		if ev.Account != "" {
			p.account = ev.Account
		}
		p.publish(p.topics.Event(), msg, false)
	}
}

func (p *LifecyclePublisher) publish(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("encoding mqtt message failed", "topic", topic, "error", err)
		return
	}
	if err := p.pub.Publish(topic, payload, p.qos, retained); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
