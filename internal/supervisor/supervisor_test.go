//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/llbot-cli/internal/portalloc"
	"github.com/nerrad567/llbot-cli/internal/process"
	"github.com/nerrad567/llbot-cli/internal/qrcode"
	"github.com/nerrad567/llbot-cli/internal/watcher"
)

// writeScript writes an executable shell script. The supervisor passes
// "--port N" first, so the leased port is available as $2.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Observe(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, n := range r.notes {
		if n.Type == NotifyPhase {
			out = append(out, n.Phase)
		}
	}
	return out
}

func (r *recorder) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, got := range r.phases() {
			if got == p {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("phase %q not reached, saw %v", p, r.phases())
}

func (r *recorder) waitEvent(t *testing.T, kind watcher.Kind) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, n := range r.notes {
			if n.Event != nil && n.Event.Kind == kind {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %q not observed", kind)
}

func indexOf(phases []Phase, p Phase) int {
	for i, got := range phases {
		if got == p {
			return i
		}
	}
	return -1
}

type fakeSink struct {
	mu       sync.Mutex
	payloads []string
	images   [][]byte
	clears   int
}

func (f *fakeSink) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakeSink) Deliver(_ context.Context, payload string, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	f.images = append(f.images, image)
	return nil
}

func (f *fakeSink) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

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

func newAllocator(t *testing.T, opts ...portalloc.Option) *portalloc.Allocator {
	t.Helper()
	a, err := portalloc.New("127.0.0.1", portalloc.DefaultStart, portalloc.DefaultEnd, opts...)
	if err != nil {
		t.Fatalf("portalloc.New() error = %v", err)
	}
	return a
}

type harness struct {
	sv         *Supervisor
	rec        *recorder
	sink       *fakeSink
	stdout     *syncBuffer
	interrupts chan os.Signal
}

func newHarness(t *testing.T, cfg Config, alloc Allocator, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		rec:        &recorder{},
		sink:       &fakeSink{},
		stdout:     &syncBuffer{},
		interrupts: make(chan os.Signal, 1),
	}
	cfg.Stdout = h.stdout
	cfg.Stderr = &syncBuffer{}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	opts = append(opts, WithObserver(h.rec), WithQRSink(h.sink))
	h.sv = New(cfg, alloc, opts...)
	return h
}

type outcome struct {
	res Result
	err error
}

func (h *harness) start() <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := h.sv.Run(context.Background(), h.interrupts)
		out <- outcome{res, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return")
		return outcome{}
	}
}

func TestRun_ReadyThenInterrupt(t *testing.T) {
	backend := writeScript(t, "backend", `echo "ready on port 5230"; exec sleep 60`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Name: "pmhq", Binary: backend}}, newAllocator(t))

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	h.interrupts <- os.Interrupt
	o := wait(t, done)

	if o.err != nil {
		t.Fatalf("Run() error = %v", o.err)
	}
	if o.res.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitOK)
	}
	if o.res.Phase != PhaseTerminated {
		t.Errorf("Phase = %q, want %q", o.res.Phase, PhaseTerminated)
	}
	if o.res.Teardowns != 1 {
		t.Errorf("Teardowns = %d, want 1", o.res.Teardowns)
	}
	if !strings.Contains(h.stdout.String(), "ready on port 5230") {
		t.Errorf("stdout = %q, want the ready line passed through", h.stdout.String())
	}

	want := []Phase{PhaseInit, PhasePortAllocated, PhaseBackendStarting, PhaseBackendReady, PhaseDraining, PhaseTerminated}
	got := h.rec.phases()
	if strings.Join(phaseStrings(got), ",") != strings.Join(phaseStrings(want), ",") {
		t.Errorf("phases = %v, want %v", got, want)
	}
}

func phaseStrings(ps []Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func TestRun_PreferredOccupiedQRDeliveredOnce(t *testing.T) {
	backend := writeScript(t, "backend", `echo "QR:ABC123"; echo "QR:ABC123"; echo "port=$2"; exec sleep 60`)
	alloc := newAllocator(t, portalloc.WithProbe(func(_ string, port int) bool {
		return port != 8080
	}))
	h := newHarness(t, Config{
		Backend:       process.LaunchSpec{Binary: backend},
		PreferredPort: 8080,
	}, alloc)

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	time.Sleep(100 * time.Millisecond)
	h.interrupts <- os.Interrupt
	o := wait(t, done)

	if o.res.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want 0", o.res.ExitCode)
	}
	if o.res.Port == 8080 {
		t.Error("occupied preferred port was leased")
	}
	if got := h.sink.got(); len(got) != 1 || got[0] != "ABC123" {
		t.Errorf("sink payloads = %v, want [ABC123]", got)
	}
	if strings.Contains(h.stdout.String(), "QR:ABC123") {
		t.Error("QR marker line should be rendered, not echoed")
	}
}

func TestRun_SubcommandExitAfter(t *testing.T) {
	backend := writeScript(t, "backend", `echo "ready on port $2"; exec sleep 60`)
	h := newHarness(t, Config{
		Backend:             process.LaunchSpec{Binary: backend},
		Subcommand:          &process.LaunchSpec{Binary: "echo", Args: []string{"hello"}},
		ExitAfterSubcommand: true,
	}, newAllocator(t))

	o := wait(t, h.start())

	if o.err != nil {
		t.Fatalf("Run() error = %v", o.err)
	}
	if o.res.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want 0", o.res.ExitCode)
	}
	if !strings.Contains(h.stdout.String(), "hello") {
		t.Errorf("stdout = %q, want sub-command output", h.stdout.String())
	}
	if o.res.Reason != "sub-command finished" {
		t.Errorf("Reason = %q", o.res.Reason)
	}
}

func TestRun_MissingBackend(t *testing.T) {
	h := newHarness(t, Config{
		Backend: process.LaunchSpec{Binary: "/nonexistent/bin/pmhq/pmhq"},
	}, newAllocator(t))

	o := wait(t, h.start())

	if !errors.Is(o.err, ErrSpawnFailed) {
		t.Fatalf("Run() error = %v, want ErrSpawnFailed", o.err)
	}
	var se *StageError
	if !errors.As(o.err, &se) || se.Stage != StageBackendSpawn {
		t.Errorf("error stage = %v, want %q", o.err, StageBackendSpawn)
	}
	if o.res.ExitCode == 0 || o.res.ExitCode != ExitSpawnFailed {
		t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitSpawnFailed)
	}
	if o.res.Teardowns != 0 {
		t.Errorf("Teardowns = %d, want 0 with no child", o.res.Teardowns)
	}
}

func TestRun_NoPortAvailable(t *testing.T) {
	alloc := newAllocator(t, portalloc.WithProbe(func(string, int) bool { return false }))
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: "/bin/true"}}, alloc)

	o := wait(t, h.start())

	if !errors.Is(o.err, ErrNoPortAvailable) {
		t.Fatalf("Run() error = %v, want ErrNoPortAvailable", o.err)
	}
	if o.res.ExitCode != ExitNoPort {
		t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitNoPort)
	}
}

func TestRun_BackendExitedEarly(t *testing.T) {
	backend := writeScript(t, "backend", `echo booting; exit 3`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t))

	o := wait(t, h.start())

	if !errors.Is(o.err, ErrBackendExitedEarly) {
		t.Fatalf("Run() error = %v, want ErrBackendExitedEarly", o.err)
	}
	if o.res.ExitCode != ExitBackendExitedEarly {
		t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitBackendExitedEarly)
	}
	if !strings.Contains(h.stdout.String(), "booting") {
		t.Errorf("stdout = %q, want output before exit passed through", h.stdout.String())
	}
}

func TestRun_PortRace(t *testing.T) {
	backend := writeScript(t, "backend", `echo "Error: listen EADDRINUSE: address already in use" >&2; exit 1`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t))

	o := wait(t, h.start())

	if !errors.Is(o.err, ErrPortRace) {
		t.Fatalf("Run() error = %v, want ErrPortRace", o.err)
	}
	if errors.Is(o.err, ErrNoPortAvailable) {
		t.Error("port race must stay distinct from no port available")
	}
	if o.res.ExitCode != ExitPortRace {
		t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitPortRace)
	}
}

func TestRun_BackendExitCodePassedThrough(t *testing.T) {
	backend := writeScript(t, "backend", `echo "ready on port $2"; sleep 0.2; exit 5`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t))

	o := wait(t, h.start())

	if o.err != nil {
		t.Fatalf("Run() error = %v", o.err)
	}
	if o.res.ExitCode != 5 {
		t.Errorf("ExitCode = %d, want 5", o.res.ExitCode)
	}
	if o.res.Teardowns != 1 {
		t.Errorf("Teardowns = %d, want 1", o.res.Teardowns)
	}
}

func TestRun_RepeatedInterrupts(t *testing.T) {
	backend := writeScript(t, "backend", `trap "" TERM; echo "ready on port $2"; while :; do sleep 0.1; done`)
	h := newHarness(t, Config{
		Backend:     process.LaunchSpec{Binary: backend},
		GracePeriod: 300 * time.Millisecond,
	}, newAllocator(t))
	h.interrupts = make(chan os.Signal, 4)

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	for i := 0; i < 4; i++ {
		h.interrupts <- os.Interrupt
	}
	o := wait(t, done)

	if o.err != nil {
		t.Fatalf("Run() error = %v", o.err)
	}
	if o.res.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitOK)
	}
	if o.res.Teardowns != 1 {
		t.Errorf("Teardowns = %d, want 1", o.res.Teardowns)
	}
	terminated := 0
	for _, p := range h.rec.phases() {
		if p == PhaseTerminated {
			terminated++
		}
	}
	if terminated != 1 {
		t.Errorf("terminated reached %d times, want 1", terminated)
	}
}

func TestRun_OverlongLineBeforeReady(t *testing.T) {
	backend := writeScript(t, "backend",
		`head -c 1200000 /dev/zero | tr '\000' x; echo; echo "ready on port $2"; exec sleep 60`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t))

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	h.interrupts <- os.Interrupt
	o := wait(t, done)

	if o.res.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitOK)
	}
	if !strings.Contains(h.stdout.String(), "ready on port") {
		t.Error("ready line after the long line was not passed through")
	}
}

func TestRun_SubcommandWaitsForReady(t *testing.T) {
	backend := writeScript(t, "backend", `sleep 0.3; echo "ready on port $2"; exec sleep 60`)
	marker := filepath.Join(t.TempDir(), "sub-ran")
	h := newHarness(t, Config{
		Backend:    process.LaunchSpec{Binary: backend},
		Subcommand: &process.LaunchSpec{Binary: "/bin/sh", Args: []string{"-c", "touch " + marker + "; exec sleep 60"}},
	}, newAllocator(t))

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendStarting)
	if _, err := os.Stat(marker); err == nil {
		t.Error("sub-command ran before the backend was ready")
	}
	h.rec.waitPhase(t, PhaseSubcommandRunning)
	h.interrupts <- os.Interrupt
	o := wait(t, done)

	phases := h.rec.phases()
	if indexOf(phases, PhaseSubcommandRunning) < indexOf(phases, PhaseBackendReady) {
		t.Errorf("phases = %v, sub-command must follow ready", phases)
	}
	if o.res.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want 0", o.res.ExitCode)
	}
}

func TestRun_SubcommandTerminatedBeforeBackend(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "order.log")
	env := []string{"LOG=" + logPath}
	backend := writeScript(t, "backend",
		`trap 'echo backend >> "$LOG"; exit 0' TERM; echo "ready on port $2"; while :; do sleep 0.05; done`)
	sub := writeScript(t, "sub",
		`trap 'echo sub >> "$LOG"; exit 0' TERM; while :; do sleep 0.05; done`)

	h := newHarness(t, Config{
		Backend:    process.LaunchSpec{Binary: backend, Env: env},
		Subcommand: &process.LaunchSpec{Binary: sub, Env: env},
	}, newAllocator(t))

	done := h.start()
	h.rec.waitPhase(t, PhaseSubcommandRunning)
	time.Sleep(100 * time.Millisecond)
	h.interrupts <- os.Interrupt
	wait(t, done)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading order log: %v", err)
	}
	if got := strings.Fields(string(data)); strings.Join(got, ",") != "sub,backend" {
		t.Errorf("termination order = %v, want [sub backend]", got)
	}
}

func TestRun_SubcommandFailure(t *testing.T) {
	backend := writeScript(t, "backend", `echo "ready on port $2"; exec sleep 60`)

	t.Run("fail fast", func(t *testing.T) {
		h := newHarness(t, Config{
			Backend:    process.LaunchSpec{Binary: backend},
			Subcommand: &process.LaunchSpec{Binary: "/bin/sh", Args: []string{"-c", "exit 3"}},
			FailFast:   true,
		}, newAllocator(t))

		o := wait(t, h.start())
		if !errors.Is(o.err, ErrSubcommandFailed) {
			t.Fatalf("Run() error = %v, want ErrSubcommandFailed", o.err)
		}
		if o.res.ExitCode != ExitSubcommandFailed {
			t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitSubcommandFailed)
		}
	})

	t.Run("backend keeps running", func(t *testing.T) {
		h := newHarness(t, Config{
			Backend:    process.LaunchSpec{Binary: backend},
			Subcommand: &process.LaunchSpec{Binary: "/bin/sh", Args: []string{"-c", "exit 3"}},
		}, newAllocator(t))

		done := h.start()
		h.rec.waitPhase(t, PhaseSubcommandRunning)
		time.Sleep(200 * time.Millisecond)
		h.interrupts <- os.Interrupt
		o := wait(t, done)

		if o.err != nil {
			t.Errorf("Run() error = %v, want nil", o.err)
		}
		if o.res.ExitCode != ExitOK {
			t.Errorf("ExitCode = %d, want 0", o.res.ExitCode)
		}
	})
}

func TestRun_SubcommandSpawnFailure(t *testing.T) {
	backend := writeScript(t, "backend", `echo "ready on port $2"; exec sleep 60`)
	missing := &process.LaunchSpec{Binary: "/nonexistent/sub"}

	t.Run("non fatal", func(t *testing.T) {
		h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}, Subcommand: missing}, newAllocator(t))

		done := h.start()
		h.rec.waitPhase(t, PhaseBackendReady)
		time.Sleep(100 * time.Millisecond)
		h.interrupts <- os.Interrupt
		o := wait(t, done)

		if o.err != nil || o.res.ExitCode != ExitOK {
			t.Errorf("Run() = (%d, %v), want (0, nil)", o.res.ExitCode, o.err)
		}
		if indexOf(h.rec.phases(), PhaseSubcommandRunning) != -1 {
			t.Error("sub-command phase entered without a sub-command")
		}
	})

	t.Run("fail fast", func(t *testing.T) {
		h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}, Subcommand: missing, FailFast: true}, newAllocator(t))

		o := wait(t, h.start())
		if !errors.Is(o.err, ErrSpawnFailed) {
			t.Fatalf("Run() error = %v, want ErrSpawnFailed", o.err)
		}
		if o.res.ExitCode != ExitSubcommandFailed {
			t.Errorf("ExitCode = %d, want %d", o.res.ExitCode, ExitSubcommandFailed)
		}
	})
}

func TestRun_InterruptBeforeSpawn(t *testing.T) {
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: "/bin/true"}}, newAllocator(t))
	h.interrupts <- os.Interrupt

	o := wait(t, h.start())

	if o.res.ExitCode != ExitOK || o.err != nil {
		t.Errorf("Run() = (%d, %v), want (0, nil)", o.res.ExitCode, o.err)
	}
	if indexOf(h.rec.phases(), PhaseBackendStarting) != -1 {
		t.Error("backend was started after an interrupt")
	}
}

func TestRun_ChildPIDTracked(t *testing.T) {
	backend := writeScript(t, "backend", `sleep 60 & echo "QQ PID: $!"; echo "ready on port $2"; wait`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t))

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	h.interrupts <- os.Interrupt
	o := wait(t, done)

	if o.res.ChildPID <= 0 {
		t.Errorf("ChildPID = %d, want the reported pid", o.res.ChildPID)
	}
}

func TestRun_ForeignChildPIDNotSignalled(t *testing.T) {
	// A process outside the backend's group standing in for a reused PID.
	other := exec.Command("sleep", "60")
	if err := other.Start(); err != nil {
		t.Fatalf("starting sleep: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		other.Wait() //nolint:errcheck
		close(exited)
	}()
	t.Cleanup(func() {
		other.Process.Kill() //nolint:errcheck
		<-exited
	})

	pid := strconv.Itoa(other.Process.Pid)
	backend := writeScript(t, "backend", `echo "QQ PID: `+pid+`"; echo "ready on port $2"; exec sleep 60`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t))

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	h.interrupts <- os.Interrupt
	o := wait(t, done)

	if o.res.ChildPID != other.Process.Pid {
		t.Fatalf("ChildPID = %d, want %d", o.res.ChildPID, other.Process.Pid)
	}
	select {
	case <-exited:
		t.Error("process outside the backend's group was signalled")
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeMonitor struct {
	events []watcher.Event
}

func (m *fakeMonitor) Monitor(ctx context.Context, _ int, out chan<- watcher.Event) error {
	for _, ev := range m.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_LoginMonitorEvents(t *testing.T) {
	backend := writeScript(t, "backend", `exec sleep 60`)
	mon := &fakeMonitor{events: []watcher.Event{
		{Kind: watcher.KindQRCode, Stream: watcher.StreamAPI, Payload: "https://txz.qq.com/p?k=1", Image: []byte{0x89, 'P', 'N', 'G'}},
		{Kind: watcher.KindLoggedIn, Stream: watcher.StreamAPI, Account: "10001"},
	}}
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t), WithLoginMonitor(mon))

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	time.Sleep(100 * time.Millisecond)
	h.interrupts <- os.Interrupt
	wait(t, done)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.payloads) != 1 || h.sink.payloads[0] != "https://txz.qq.com/p?k=1" {
		t.Fatalf("payloads = %v", h.sink.payloads)
	}
	if len(h.sink.images[0]) != 4 {
		t.Errorf("image = %v, want the PNG bytes from the monitor", h.sink.images[0])
	}
	if h.sink.clears != 1 {
		t.Errorf("sink cleared %d times, want once after login", h.sink.clears)
	}
}

func TestRun_QRNotClearedWithoutLogin(t *testing.T) {
	backend := writeScript(t, "backend", `echo "QR:ABC123"; exec sleep 60`)
	h := newHarness(t, Config{Backend: process.LaunchSpec{Binary: backend}}, newAllocator(t))

	done := h.start()
	h.rec.waitPhase(t, PhaseBackendReady)
	h.interrupts <- os.Interrupt
	wait(t, done)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if h.sink.clears != 0 {
		t.Errorf("sink cleared %d times before any login", h.sink.clears)
	}
}

func TestRun_LoginClearsServedQRCode(t *testing.T) {
	backend := writeScript(t, "backend", `exec sleep 60`)
	mon := &fakeMonitor{events: []watcher.Event{
		{Kind: watcher.KindQRCode, Stream: watcher.StreamAPI, Payload: "https://txz.qq.com/p?k=1"},
		{Kind: watcher.KindLoggedIn, Stream: watcher.StreamAPI, Account: "10001"},
	}}
	sink := qrcode.NewSink(qrcode.Options{Terminal: qrcode.TerminalNever, Out: &syncBuffer{}})
	rec := &recorder{}
	sv := New(Config{
		Backend:     process.LaunchSpec{Binary: backend},
		GracePeriod: 2 * time.Second,
		Stdout:      &syncBuffer{},
		Stderr:      &syncBuffer{},
	}, newAllocator(t), WithQRSink(sink), WithLoginMonitor(mon), WithObserver(rec))

	interrupts := make(chan os.Signal, 1)
	done := make(chan outcome, 1)
	go func() {
		res, err := sv.Run(context.Background(), interrupts)
		done <- outcome{res, err}
	}()

	rec.waitEvent(t, watcher.KindLoggedIn)
	payload, png := sink.Latest()
	interrupts <- os.Interrupt
	wait(t, done)

	if payload != "" || len(png) != 0 {
		t.Errorf("Latest() = %q, %d bytes after login, want nothing", payload, len(png))
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitGeneral},
		{"stage", stageError(StagePortAllocation, ExitNoPort, ErrNoPortAvailable), ExitNoPort},
		{"wrapped stage", errors.Join(errors.New("ctx"), stageError(StageBackendSpawn, ExitSpawnFailed, ErrSpawnFailed)), ExitSpawnFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSubcommandSpec_PortPlaceholder(t *testing.T) {
	sv := New(Config{
		Backend:    process.LaunchSpec{Binary: "pmhq", WorkDir: "/srv/pmhq"},
		Subcommand: &process.LaunchSpec{Binary: "node", Args: []string{"llbot.js", "--pmhq-port={port}"}, Env: []string{"PORT={port}"}},
	}, nil)

	spec := sv.subcommandSpec(13005)
	if spec.Args[1] != "--pmhq-port=13005" {
		t.Errorf("Args[1] = %q, want %q", spec.Args[1], "--pmhq-port=13005")
	}
	if spec.Env[0] != "PORT=13005" {
		t.Errorf("Env[0] = %q, want %q", spec.Env[0], "PORT=13005")
	}
	if spec.WorkDir != "/srv/pmhq" {
		t.Errorf("WorkDir = %q, want backend work dir", spec.WorkDir)
	}

	backend := sv.backendSpec(13005)
	if strings.Join(backend.Args, " ") != "--port 13005" {
		t.Errorf("backend Args = %v, want [--port 13005]", backend.Args)
	}
}
