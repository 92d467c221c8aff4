package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/llbot-cli/internal/infrastructure/config"
	"github.com/nerrad567/llbot-cli/internal/supervisor"
	"github.com/nerrad567/llbot-cli/internal/watcher"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "llbot-test",
		},
		QoS:        1,
		InstanceID: "bench",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, payload, qos, retained})
	return f.err
}

type countingLogger struct{ warnings int }

func (c *countingLogger) Warn(string, ...any) { c.warnings++ }

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", Topics{Instance: "home"}.State(), "llbot/launcher/home/state"},
		{"event", Topics{Instance: "home"}.Event(), "llbot/launcher/home/event"},
		{"default instance", Topics{}.State(), "llbot/launcher/default/state"},
		{"all states", Topics{}.AllStates(), "llbot/launcher/+/state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("topic = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "user"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "llbot-test-bench" {
		t.Errorf("ClientID = %q, want llbot-test-bench", opts.ClientID)
	}
	if opts.Username != "user" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want user/secret", opts.Username, opts.Password)
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want a single initial attempt")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}

	cfg.Broker.TLS = true
	cfg.InstanceID = ""
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig = nil with TLS enabled")
	}
	if opts.ClientID != "llbot-test" {
		t.Errorf("ClientID = %q, want llbot-test", opts.ClientID)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "bench")

	if !opts.WillEnabled || !opts.WillRetained {
		t.Fatal("will not enabled and retained")
	}
	if opts.WillTopic != "llbot/launcher/bench/state" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	var msg statusPayload
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	if msg.Status != "offline" || msg.Reason != "unexpected_disconnect" {
		t.Errorf("will = %+v", msg)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1 // nothing listens here

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestLifecyclePublisher(t *testing.T) {
	fake := &fakePublisher{}
	p := newLifecyclePublisher(fake, testConfig())
	now := time.Date(2026, 10, 3, 8, 0, 0, 0, time.UTC)

	p.Observe(supervisor.Notification{Type: supervisor.NotifyPhase, SessionID: "ses-1", Time: now, Phase: supervisor.PhaseInit})
	p.Observe(supervisor.Notification{Type: supervisor.NotifyEvent, SessionID: "ses-1", Time: now, Phase: supervisor.PhaseBackendStarting,
		Event: &watcher.Event{Kind: watcher.KindQRCode, Stream: watcher.StreamStdout, Payload: "https://qr/1", Image: []byte{1, 2}}})
	p.Observe(supervisor.Notification{Type: supervisor.NotifyEvent, SessionID: "ses-1", Time: now, Phase: supervisor.PhaseBackendReady,
		Event: &watcher.Event{Kind: watcher.KindLoggedIn, Stream: watcher.StreamAPI, Account: "10001"}})
	p.Observe(supervisor.Notification{Type: supervisor.NotifyPhase, SessionID: "ses-1", Time: now, Phase: supervisor.PhaseTerminated,
		Port: 13000, ExitCode: 0, Reason: "backend exited"})
	p.Observe(supervisor.Notification{Type: supervisor.NotifyEvent, SessionID: "ses-1"}) // no event, ignored

	if len(fake.msgs) != 4 {
		t.Fatalf("published %d messages, want 4", len(fake.msgs))
	}

	wantTopics := []string{
		"llbot/launcher/bench/state",
		"llbot/launcher/bench/event",
		"llbot/launcher/bench/event",
		"llbot/launcher/bench/state",
	}
	for i, want := range wantTopics {
		m := fake.msgs[i]
		if m.topic != want {
			t.Errorf("msgs[%d].topic = %q, want %q", i, m.topic, want)
		}
		if m.retained != (want == wantTopics[0]) {
			t.Errorf("msgs[%d].retained = %v", i, m.retained)
		}
		if m.qos != 1 {
			t.Errorf("msgs[%d].qos = %d, want 1", i, m.qos)
		}
	}

	var qr EventMessage
	if err := json.Unmarshal(fake.msgs[1].payload, &qr); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if qr.Kind != "qr_code" || qr.QRCode != "https://qr/1" {
		t.Errorf("qr event = %+v", qr)
	}

	var final StateMessage
	if err := json.Unmarshal(fake.msgs[3].payload, &final); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if final.Phase != "terminated" || final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("final state = %+v, want terminated with exit code 0", final)
	}
	if final.Account != "10001" {
		t.Errorf("final Account = %q, want 10001", final.Account)
	}
	if final.Timestamp != "2026-10-03T08:00:00Z" {
		t.Errorf("Timestamp = %q", final.Timestamp)
	}
}

func TestLifecyclePublisher_LogsFailures(t *testing.T) {
	fake := &fakePublisher{err: ErrNotConnected}
	p := newLifecyclePublisher(fake, testConfig())
	logger := &countingLogger{}
	p.SetLogger(logger)

	p.Observe(supervisor.Notification{Type: supervisor.NotifyPhase, SessionID: "ses-1", Phase: supervisor.PhaseInit})

	if logger.warnings != 1 {
		t.Errorf("warnings = %d, want 1", logger.warnings)
	}
}
