package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// State is the lifecycle state of a spawned child.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled
}

const (
	// lineBufferSize is the per-stream channel capacity.
	lineBufferSize = 64

	// maxLineSize bounds a single output line. Base64 QR images are long.
	maxLineSize = 1 << 20

	// killWait is how long to wait for the group to die after SIGKILL.
	killWait = 5 * time.Second

	// DefaultGracePeriod is the SIGTERM grace used when the caller passes zero.
	DefaultGracePeriod = 5 * time.Second
)

var (
	// ErrSpawnFailed is returned when the OS refuses to start the child.
	ErrSpawnFailed = errors.New("process: spawn failed")

	// ErrTerminateTimeout is returned when the child survived SIGKILL for
	// longer than the bounded wait.
	ErrTerminateTimeout = errors.New("process: child did not exit after kill")
)

// LaunchSpec describes how to start a child. It is consumed once by Spawn.
type LaunchSpec struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the executable path. Bare names are resolved via PATH.
	Binary string

	// Args are passed to the binary in order.
	Args []string

	// WorkDir is the child's working directory. Empty inherits ours.
	WorkDir string

	// Env holds KEY=value overrides appended to the inherited environment.
	Env []string

	// Stdin is connected to the child's standard input when set.
	Stdin io.Reader
}

// ExitStatus describes how a child ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the child died from a signal.
	Code int `json:"code"`

	// Signal is the terminating signal number, 0 if the child exited normally.
	Signal int `json:"signal,omitempty"`
}

// ShellCode maps the status onto a single exit code the way a POSIX shell
// does: signal deaths become 128+signal.
func (s ExitStatus) ShellCode() int {
	if s.Signal > 0 {
		return 128 + s.Signal
	}
	if s.Code < 0 {
		return 1
	}
	return s.Code
}

// Success reports a zero exit code.
func (s ExitStatus) Success() bool {
	return s.Signal == 0 && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Signal > 0 {
		return fmt.Sprintf("signal %d", s.Signal)
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Logger defines the logging interface for spawned children.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Spawner starts children. The zero value is not usable; use NewSpawner.
type Spawner struct {
	logger Logger
}

// NewSpawner creates a Spawner that logs nowhere.
func NewSpawner() *Spawner {
	return &Spawner{logger: noopLogger{}}
}

// SetLogger sets the logger passed on to every spawned Handle.
func (s *Spawner) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

var defaultSpawner = NewSpawner()

// Spawn starts spec with a Spawner that does not log.
func Spawn(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	return defaultSpawner.Spawn(ctx, spec)
}

// Handle tracks a single spawned child.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Handle struct {
	name   string
	logger Logger
	cmd    *exec.Cmd
	pid    int

	stdout chan string
	stderr chan string
	done   chan struct{}

	mu          sync.RWMutex
	state       State
	status      ExitStatus
	terminating bool

	termOnce sync.Once
	termErr  error
}

// Spawn starts the child described by spec. The child runs in its own
// process group. The returned error wraps ErrSpawnFailed when the OS
// rejected the start.
func (s *Spawner) Spawn(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, spec.Name, err)
	}
	if spec.Binary == "" {
		return nil, fmt.Errorf("%w: %s: empty binary path", ErrSpawnFailed, spec.Name)
	}

	name := spec.Name
	if name == "" {
		name = spec.Binary
	}

	s.logger.Info("starting process",
		"name", name,
		"binary", spec.Binary,
		"args", spec.Args,
		"work_dir", spec.WorkDir,
	)

	cmd := exec.Command(spec.Binary, spec.Args...) //nolint:gosec // launching user-configured binaries is the job
	setProcAttr(cmd)
	if spec.Env != nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
	}

	// os.Pipe rather than StdoutPipe: cmd.Wait must not close the read ends
	// while the line readers are still draining them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: creating stdout pipe: %w", ErrSpawnFailed, name, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("%w: %s: creating stderr pipe: %w", ErrSpawnFailed, name, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, name, err)
	}

	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	h := &Handle{
		name:   name,
		logger: s.logger,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: make(chan string, lineBufferSize),
		stderr: make(chan string, lineBufferSize),
		done:   make(chan struct{}),
		state:  StateRunning,
	}

	go h.readLines("stdout", outR, h.stdout)
	go h.readLines("stderr", errR, h.stderr)
	go h.wait()

	s.logger.Info("process started", "name", name, "pid", h.pid)
	return h, nil
}

// readLines forwards r line by line to out and closes out at EOF. A line
// longer than maxLineSize is cut at the limit and the rest of it skipped, so
// later lines still arrive.
func (h *Handle) readLines(stream string, r *os.File, out chan<- string) {
	defer close(out)
	defer r.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line    []byte
		dropped int
	)
	for {
		chunk, err := br.ReadSlice('\n')
		ended := err == nil
		if ended {
			chunk = chunk[:len(chunk)-1]
		}
		keep := min(len(chunk), maxLineSize-len(line))
		line = append(line, chunk[:keep]...)
		dropped += len(chunk) - keep

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if ended || len(line) > 0 || dropped > 0 {
			if dropped > 0 {
				h.logger.Warn("output line too long, truncated",
					"name", h.name,
					"stream", stream,
					"limit", maxLineSize,
					"dropped_bytes", dropped,
				)
			}
			out <- string(bytes.TrimSuffix(line, []byte{'\r'}))
			line, dropped = line[:0], 0
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.logger.Warn("output stream error",
					"name", h.name,
					"stream", stream,
					"error", err,
				)
			}
			return
		}
	}
}

// wait reaps the child and records its exit status.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	status := exitStatusOf(h.cmd.ProcessState)

	h.mu.Lock()
	h.status = status
	if h.terminating || status.Signal > 0 {
		h.state = StateKilled
	} else {
		h.state = StateExited
	}
	state := h.state
	h.mu.Unlock()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.logger.Warn("process wait failed", "name", h.name, "pid", h.pid, "error", err)
	}
	h.logger.Info("process exited",
		"name", h.name,
		"pid", h.pid,
		"state", state,
		"status", status.String(),
	)
	close(h.done)
}

// PID returns the child's process ID.
func (h *Handle) PID() int {
	return h.pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Stdout returns the child's stdout lines. The channel is closed at EOF.
// It must be drained; an unread channel eventually blocks the child.
func (h *Handle) Stdout() <-chan string {
	return h.stdout
}

// Stderr returns the child's stderr lines. The channel is closed at EOF.
func (h *Handle) Stderr() <-chan string {
	return h.stderr
}

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus returns the exit status and whether the child has ended.
func (h *Handle) ExitStatus() (ExitStatus, bool) {
	select {
	case <-h.done:
	default:
		return ExitStatus{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, true
}

// Wait blocks until the child ends or ctx is cancelled. It returns
// immediately when the child already ended.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		status, _ := h.ExitStatus()
		return status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Terminate stops the child and everything in its process group: a graceful
// signal first, then a forced kill once grace has elapsed. Repeated or
// concurrent calls share the first call's outcome.
func (h *Handle) Terminate(grace time.Duration) error {
	h.termOnce.Do(func() {
		h.termErr = h.terminate(grace)
	})
	return h.termErr
}

func (h *Handle) terminate(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	h.mu.Lock()
	h.terminating = true
	h.mu.Unlock()

	h.logger.Info("stopping process", "name", h.name, "pid", h.pid)

	if err := signalGroup(h.pid); err != nil {
		h.logger.Warn("failed to signal process group", "name", h.name, "error", err)
	}

	select {
	case <-h.done:
		h.logger.Info("process stopped gracefully", "name", h.name)
		return nil
	case <-time.After(grace):
		h.logger.Warn("graceful shutdown timeout, killing",
			"name", h.name,
			"timeout", grace,
		)
	}

	if err := killGroup(h.pid); err != nil {
		h.logger.Warn("failed to kill process group", "name", h.name, "error", err)
	}

	select {
	case <-h.done:
		h.logger.Info("process killed", "name", h.name)
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%w: %s (pid %d)", ErrTerminateTimeout, h.name, h.pid)
	}
}

// TerminatePID stops a process we did not spawn ourselves, such as a client
// the backend started and reported by PID. It follows the same graceful then
// forced sequence as Handle.Terminate but polls for exit since the process
// cannot be reaped from here.
func TerminatePID(pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if !pidAlive(pid) {
		return nil
	}

	if err := signalPID(pid); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	if waitPIDExit(pid, grace) {
		return nil
	}
	if err := killPID(pid); err != nil {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	if waitPIDExit(pid, killWait) {
		return nil
	}
	return fmt.Errorf("%w: pid %d", ErrTerminateTimeout, pid)
}

// InGroup reports whether pid is alive and in the process group led by
// leader. Every spawned child leads its own group, so a PID one of them
// reports can be checked before it is signalled.
func InGroup(pid, leader int) bool {
	if pid <= 0 || leader <= 0 {
		return false
	}
	return inGroup(pid, leader)
}

// waitPIDExit polls until pid is gone or timeout elapses.
func waitPIDExit(pid int, timeout time.Duration) bool {
	const pollInterval = 50 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !pidAlive(pid)
}
