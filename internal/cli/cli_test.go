package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/llbot-cli/internal/bundle"
	"github.com/nerrad567/llbot-cli/internal/instance"
	"github.com/nerrad567/llbot-cli/internal/supervisor"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Args
		wantErr bool
	}{
		{
			name: "empty",
			args: nil,
			want: Args{},
		},
		{
			name: "passthrough keeps order",
			args: []string{"--headless", "--qq", "12345", "--foo=bar"},
			want: Args{Backend: []string{"--headless", "--qq", "12345", "--foo=bar"}},
		},
		{
			name: "sub-cmd consumes the rest",
			args: []string{"--headless", "--sub-cmd", "node", "app.js", "--port", "{port}", "--help"},
			want: Args{
				Backend:    []string{"--headless"},
				SubCommand: []string{"node", "app.js", "--port", "{port}", "--help"},
			},
		},
		{
			name: "sub-cmd workdir both forms",
			args: []string{"--sub-cmd-workdir", "/srv/bot", "--sub-cmd-workdir=/srv/other"},
			want: Args{SubCommandWorkDir: "/srv/other"},
		},
		{
			name: "preferred port",
			args: []string{"--port", "8080", "--headless"},
			want: Args{PreferredPort: 8080, Backend: []string{"--headless"}},
		},
		{
			name: "preferred port inline",
			args: []string{"--port=5230"},
			want: Args{PreferredPort: 5230},
		},
		{
			name: "launcher switches",
			args: []string{"-h", "--version", "--update"},
			want: Args{Help: true, Version: true, Update: true},
		},
		{
			name: "short version",
			args: []string{"-v"},
			want: Args{Version: true},
		},
		{name: "sub-cmd without command", args: []string{"--sub-cmd"}, wantErr: true},
		{name: "workdir without value", args: []string{"--sub-cmd-workdir"}, wantErr: true},
		{name: "port without value", args: []string{"--port"}, wantErr: true},
		{name: "port not a number", args: []string{"--port", "abc"}, wantErr: true},
		{name: "port out of range", args: []string{"--port=70000"}, wantErr: true},
		{name: "port empty inline", args: []string{"--port="}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArgs(tt.args)
			if tt.wantErr {
				if !errors.Is(err, ErrUsage) {
					t.Fatalf("ParseArgs() error = %v, want ErrUsage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArgs() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseArgs() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBackendWorkDir(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"--work-dir", "/data"}, "/data"},
		{[]string{"--headless", "--work-dir=/data/qq"}, "/data/qq"},
		{[]string{"--work-dir"}, ""},
	}
	for _, tt := range tests {
		if got := BackendWorkDir(tt.args); got != tt.want {
			t.Errorf("BackendWorkDir(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

// syncBuffer is written from several goroutines during a launch.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testApp struct {
	*App
	stdout *syncBuffer
	stderr *syncBuffer
}

func newTestApp(t *testing.T, config string) *testApp {
	t.Helper()
	root := t.TempDir()
	cfgPath := filepath.Join(root, "llbot.yaml")
	if config != "" {
		if err := os.WriteFile(cfgPath, []byte(config), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("LLBOT_CONFIG", cfgPath)

	ta := &testApp{stdout: &syncBuffer{}, stderr: &syncBuffer{}}
	ta.App = &App{
		Version: "1.2.3",
		Commit:  "abc123",
		Date:    "2026-01-01",
		Bundle:  bundle.New(root),
		Stdin:   strings.NewReader(""),
		Stdout:  ta.stdout,
		Stderr:  ta.stderr,
	}
	return ta
}

func (ta *testApp) installBackend(t *testing.T, body string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script backends need a POSIX shell")
	}
	if err := os.MkdirAll(ta.Bundle.BackendDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ta.Bundle.BackendBinary(), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func (ta *testApp) run(t *testing.T, args ...string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return ta.Run(ctx, args)
}

func TestRun_HelpWithoutBackend(t *testing.T) {
	ta := newTestApp(t, "")
	if code := ta.run(t, "--help"); code != supervisor.ExitOK {
		t.Fatalf("exit code = %d, want 0; stderr: %s", code, ta.stderr.String())
	}
	if !strings.Contains(ta.stdout.String(), "Usage:") {
		t.Errorf("stdout missing usage:\n%s", ta.stdout.String())
	}
	if strings.Contains(ta.stdout.String(), "Backend flags:") {
		t.Errorf("backend help printed without a backend")
	}
}

func TestRun_HelpIncludesBackend(t *testing.T) {
	ta := newTestApp(t, "")
	ta.installBackend(t, `echo "backend usage: $*"; exit 0`)

	if code := ta.run(t, "--headless", "-h"); code != supervisor.ExitOK {
		t.Fatalf("exit code = %d, want 0; stderr: %s", code, ta.stderr.String())
	}
	out := ta.stdout.String()
	if !strings.Contains(out, "Usage:") {
		t.Errorf("stdout missing launcher usage:\n%s", out)
	}
	if !strings.Contains(out, "backend usage: --headless --help") {
		t.Errorf("stdout missing backend help:\n%s", out)
	}
}

func TestRun_Version(t *testing.T) {
	ta := newTestApp(t, "")
	if code := ta.run(t, "--version"); code != supervisor.ExitOK {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(ta.stdout.String(), "llbot-cli 1.2.3 (commit abc123") {
		t.Errorf("stdout = %q", ta.stdout.String())
	}
}

func TestRun_UsageError(t *testing.T) {
	ta := newTestApp(t, "")
	if code := ta.run(t, "--port", "abc"); code != supervisor.ExitUsage {
		t.Fatalf("exit code = %d, want %d", code, supervisor.ExitUsage)
	}
	if !strings.Contains(ta.stderr.String(), "llbot --help") {
		t.Errorf("stderr missing help hint: %q", ta.stderr.String())
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	ta := newTestApp(t, "qrcode:\n  terminal: sometimes\n")
	if code := ta.run(t); code != supervisor.ExitGeneral {
		t.Fatalf("exit code = %d, want %d", code, supervisor.ExitGeneral)
	}
	if !strings.Contains(ta.stderr.String(), "qrcode.terminal") {
		t.Errorf("stderr = %q, want the validation failure", ta.stderr.String())
	}
}

func TestRun_MissingBackend(t *testing.T) {
	ta := newTestApp(t, "pmhq:\n  enabled: false\nlogging:\n  output: discard\n")
	if code := ta.run(t); code != supervisor.ExitSpawnFailed {
		t.Fatalf("exit code = %d, want %d; stderr: %s", code, supervisor.ExitSpawnFailed, ta.stderr.String())
	}
	if !strings.Contains(ta.stderr.String(), "backend") {
		t.Errorf("stderr = %q, want a backend spawn failure", ta.stderr.String())
	}
}

func TestRun_SecondInstanceRejected(t *testing.T) {
	ta := newTestApp(t, "logging:\n  output: discard\n")
	lock, err := instance.Acquire(ta.Bundle.LockPath())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release() //nolint:errcheck

	if code := ta.run(t); code != supervisor.ExitGeneral {
		t.Fatalf("exit code = %d, want %d", code, supervisor.ExitGeneral)
	}
	if !strings.Contains(ta.stderr.String(), "already running") {
		t.Errorf("stderr = %q", ta.stderr.String())
	}
}

func TestRun_LaunchWithSubcommand(t *testing.T) {
	ta := newTestApp(t, `
launcher:
  subcommand:
    exit_after: true
pmhq:
  enabled: false
qrcode:
  terminal: never
logging:
  output: discard
`)
	ta.installBackend(t, `echo "ready on port $2"; exec sleep 60`)

	code := ta.run(t, "--sub-cmd", "/bin/sh", "-c", "echo sub-port={port}")
	if code != supervisor.ExitOK {
		t.Fatalf("exit code = %d, want 0; stderr: %s", code, ta.stderr.String())
	}

	out := ta.stdout.String()
	m := regexp.MustCompile(`sub-port=(\d+)`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("sub-command output missing:\n%s", out)
	}
	if !strings.Contains(out, "ready on port "+m[1]) {
		t.Errorf("sub-command saw port %s, backend output:\n%s", m[1], out)
	}
	if _, err := os.Stat(ta.Bundle.LockPath()); err != nil {
		t.Errorf("lock file missing: %v", err)
	}
}

func TestRun_LaunchLogsChildProcesses(t *testing.T) {
	ta := newTestApp(t, `
launcher:
  subcommand:
    exit_after: true
pmhq:
  enabled: false
qrcode:
  terminal: never
logging:
  level: info
  output: stderr
`)
	ta.installBackend(t, `echo "ready on port $2"; exec sleep 60`)

	if code := ta.run(t, "--sub-cmd", "/bin/sh", "-c", "exit 0"); code != supervisor.ExitOK {
		t.Fatalf("exit code = %d, want 0; stderr: %s", code, ta.stderr.String())
	}

	logs := ta.stderr.String()
	for _, want := range [][2]string{
		{`msg="process started"`, "name=pmhq"},
		{`msg="process started"`, "name=sub-command"},
		{`msg="process exited"`, "name=sub-command"},
	} {
		if !hasLogLine(logs, want[0], want[1]) {
			t.Errorf("logs missing %s %s:\n%s", want[0], want[1], logs)
		}
	}
}

func hasLogLine(logs string, parts ...string) bool {
	for _, line := range strings.Split(logs, "\n") {
		ok := true
		for _, p := range parts {
			if !strings.Contains(line, p) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func TestPortAnnouncer(t *testing.T) {
	var out syncBuffer
	p := portAnnouncer{out: &out}
	p.Observe(supervisor.Notification{Type: supervisor.NotifyPhase, Phase: supervisor.PhaseInit})
	p.Observe(supervisor.Notification{Type: supervisor.NotifyPhase, Phase: supervisor.PhasePortAllocated, Port: 13001})
	p.Observe(supervisor.Notification{Type: supervisor.NotifyEvent, Port: 9999})

	got := out.String()
	if !strings.Contains(got, "Port:") || !strings.Contains(got, "13001") {
		t.Errorf("output = %q, want the allocated port", got)
	}
	if strings.Contains(got, "9999") {
		t.Errorf("output = %q, only the port_allocated phase is announced", got)
	}
}

// overlapWriter records whether two writes were ever in progress at once.
type overlapWriter struct {
	active  atomic.Int32
	overlap atomic.Bool
	writes  atomic.Int32
}

func (w *overlapWriter) Write(p []byte) (int, error) {
	if w.active.Add(1) > 1 {
		w.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	w.active.Add(-1)
	w.writes.Add(1)
	return len(p), nil
}

func TestConsole_SerialisesWrites(t *testing.T) {
	var sink overlapWriter
	stdout, stderr := newConsole(&sink, &sink)
	announcer := portAnnouncer{out: stdout}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			stdout.Write([]byte("backend line\n")) //nolint:errcheck
		}()
		go func() {
			defer wg.Done()
			stderr.Write([]byte("backend error\n")) //nolint:errcheck
		}()
		go func() {
			defer wg.Done()
			announcer.Observe(supervisor.Notification{Type: supervisor.NotifyPhase, Phase: supervisor.PhasePortAllocated, Port: 13001})
		}()
	}
	wg.Wait()

	if sink.overlap.Load() {
		t.Error("console writes overlapped")
	}
	if got := sink.writes.Load(); got != 24 {
		t.Errorf("writes = %d, want 24 (one per line or announcement)", got)
	}
}
