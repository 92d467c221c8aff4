// Package supervisor runs one launch of the backend from port allocation to
// final cleanup.
//
// The sequence is: allocate a port, spawn the backend with that port, wait for
// it to report readiness or print a login QR code, optionally start a
// sub-command, then wait until an interrupt arrives or a child ends. Whatever
// the exit path, every child that was started is terminated before Run
// returns.
//
// Run is a single select loop over the interrupt channel, the backend's
// classified output, the optional login monitor and both children's exit
// notifications. Nothing in the loop blocks on a child, so an interrupt is
// always seen promptly.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/llbot-cli/internal/portalloc"
	"github.com/nerrad567/llbot-cli/internal/process"
	"github.com/nerrad567/llbot-cli/internal/watcher"
)

const (
	// DefaultPortFlag is the flag used to hand the leased port to the backend.
	DefaultPortFlag = "--port"

	// PortPlaceholder is replaced with the leased port in sub-command args.
	PortPlaceholder = "{port}"

	defaultGracePeriod  = 5 * time.Second
	defaultDrainTimeout = 500 * time.Millisecond
	qrDeliverTimeout    = 10 * time.Second
	echoFlushTimeout    = 2 * time.Second
)

// Config describes a launch.
type Config struct {
	// Backend is the backend process. The port flag and leased port are
	// prepended to its Args.
	Backend process.LaunchSpec

	// PortFlag defaults to DefaultPortFlag.
	PortFlag string

	// PreferredPort is tried before scanning. Zero means none.
	PreferredPort int

	// Subcommand is started once the backend is ready. Nil means none.
	// PortPlaceholder in its Args and Env is replaced with the leased port;
	// an empty WorkDir falls back to the backend's.
	Subcommand *process.LaunchSpec

	// ExitAfterSubcommand ends the session when the sub-command exits.
	ExitAfterSubcommand bool

	// FailFast makes a sub-command spawn failure or non-zero exit fatal.
	FailFast bool

	// GracePeriod bounds the wait between SIGTERM and SIGKILL per child.
	GracePeriod time.Duration

	// DrainTimeout bounds how long output is still read after the backend
	// exited, so late markers are not lost.
	DrainTimeout time.Duration

	// Stdout and Stderr receive passed-through child output.
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Config) applyDefaults() {
	if c.PortFlag == "" {
		c.PortFlag = DefaultPortFlag
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
}

// Allocator hands out a port for the backend.
type Allocator interface {
	Allocate(preferred int) (portalloc.Lease, error)
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(ctx context.Context, spec process.LaunchSpec) (*process.Handle, error)
}

// QRSink receives login QR codes. image is an optional PNG rendering
// supplied by the backend.
//
// A sink that also has a Clear() method is cleared once login completes, so
// a used code is not served again.
type QRSink interface {
	Deliver(ctx context.Context, payload string, image []byte) error
}

type qrClearer interface {
	Clear()
}

// LoginMonitor watches the backend's API for login progress once it has been
// spawned. It sends events until ctx is cancelled; sends must select on ctx.
type LoginMonitor interface {
	Monitor(ctx context.Context, port int, events chan<- watcher.Event) error
}

// Logger defines the logging interface for the supervisor.
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

// Result summarises a finished session.
type Result struct {
	SessionID string
	Phase     Phase
	Port      int
	ExitCode  int
	Reason    string
	ChildPID  int
	Teardowns int
}

// Supervisor runs launches. It is not safe to call Run concurrently.
type Supervisor struct {
	cfg        Config
	alloc      Allocator
	spawner    Spawner
	classifier *watcher.Classifier
	sink       QRSink
	monitor    LoginMonitor
	observers  []Observer
	logger     Logger

	consoleMu sync.Mutex
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the default process spawner.
func WithSpawner(s Spawner) Option {
	return func(sv *Supervisor) { sv.spawner = s }
}

// WithClassifier replaces the default output classifier.
func WithClassifier(c *watcher.Classifier) Option {
	return func(sv *Supervisor) { sv.classifier = c }
}

// WithQRSink sets where QR codes go.
func WithQRSink(sink QRSink) Option {
	return func(sv *Supervisor) { sv.sink = sink }
}

// WithLoginMonitor adds an API-based event source.
func WithLoginMonitor(m LoginMonitor) Option {
	return func(sv *Supervisor) { sv.monitor = m }
}

// WithObserver adds a notification observer.
func WithObserver(o Observer) Option {
	return func(sv *Supervisor) { sv.observers = append(sv.observers, o) }
}

// New creates a Supervisor for cfg.
func New(cfg Config, alloc Allocator, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:     cfg,
		alloc:   alloc,
		spawner: process.NewSpawner(),
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.classifier == nil {
		c, _ := watcher.NewClassifier(watcher.DefaultPatterns()) //nolint:errcheck // defaults always compile
		s.classifier = c
	}
	return s
}

// SetLogger sets the logger.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// launch holds the per-launch loop state.
type launch struct {
	sv   *Supervisor
	sess *Session
	d    *dispatcher
	ctx  context.Context

	backendEvents <-chan watcher.Event
	apiEvents     chan watcher.Event
	subStdout     <-chan string
	subStderr     <-chan string
	subDone       <-chan struct{}
	backendGone   bool

	exitCode int
	reason   string
	err      error
}

// Run performs one launch. It returns once every started child has been
// terminated. The error is a *StageError for fatal launch failures; the
// Result's ExitCode is always the code the launcher should exit with.
//
// A value on interrupts, or ctx being cancelled, starts a clean shutdown
// that exits with ExitOK.
func (s *Supervisor) Run(ctx context.Context, interrupts <-chan os.Signal) (Result, error) {
	r := &launch{
		sv:   s,
		sess: newSession(),
		d:    newDispatcher(s.observers, s.logger),
	}
	defer r.d.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.ctx = runCtx

	s.logger.Info("launch starting", "session", r.sess.ID)
	r.transition(PhaseInit)

	if r.pendingInterrupt(ctx, interrupts) {
		return r.finish(ExitOK, "interrupted before start", nil), nil
	}

	lease, err := s.alloc.Allocate(s.cfg.PreferredPort)
	if err != nil {
		se := stageError(StagePortAllocation, ExitNoPort, err)
		return r.finish(se.Code, "no port available", se), se
	}
	r.sess.Lease = lease
	s.logger.Info("port allocated", "port", lease.Port, "requested", lease.Requested)
	r.transition(PhasePortAllocated)

	if r.pendingInterrupt(ctx, interrupts) {
		return r.finish(ExitOK, "interrupted before start", nil), nil
	}

	r.transition(PhaseBackendStarting)
	backend, err := s.spawner.Spawn(runCtx, s.backendSpec(lease.Port))
	if err != nil {
		se := stageError(StageBackendSpawn, ExitSpawnFailed, err)
		return r.finish(se.Code, "backend spawn failed", se), se
	}

	// Register the release of the backend with the session as soon as it exists.
	r.sess.Backend = backend
	r.sess.teardownRegistered = true
	defer r.sess.teardown(s.cfg.GracePeriod, s.logger)

	r.backendEvents = s.classifier.Watch(runCtx, backend.Stdout(), backend.Stderr())
	if s.monitor != nil {
		r.apiEvents = make(chan watcher.Event, notifyBufferSize)
		go func() {
			if err := s.monitor.Monitor(runCtx, lease.Port, r.apiEvents); err != nil && runCtx.Err() == nil {
				s.logger.Warn("login monitor stopped", "error", err)
			}
		}()
	}

	r.loop(ctx, interrupts, backend)

	r.transition(PhaseDraining)
	flushed := r.echoRemaining()
	r.sess.teardown(s.cfg.GracePeriod, s.logger)
	select {
	case <-flushed:
	case <-time.After(echoFlushTimeout):
	}

	return r.finish(r.exitCode, r.reason, r.err), r.err
}

// loop runs until a terminal condition sets exitCode/reason.
func (r *launch) loop(ctx context.Context, interrupts <-chan os.Signal, backend *process.Handle) {
	s := r.sv
	for {
		select {
		case sig := <-interrupts:
			s.logger.Info("interrupt received, shutting down", "signal", fmt.Sprint(sig))
			r.exitCode, r.reason = ExitOK, "interrupted"
			return

		case <-ctx.Done():
			s.logger.Info("context cancelled, shutting down")
			r.exitCode, r.reason = ExitOK, "cancelled"
			return

		case ev, ok := <-r.backendEvents:
			if !ok {
				r.backendEvents = nil
				continue
			}
			if r.handleEvent(ev) {
				return
			}

		case ev := <-r.apiEvents:
			if r.handleEvent(ev) {
				return
			}

		case line, ok := <-r.subStdout:
			if !ok {
				r.subStdout = nil
				continue
			}
			r.echo(watcher.StreamStdout, line)

		case line, ok := <-r.subStderr:
			if !ok {
				r.subStderr = nil
				continue
			}
			r.echo(watcher.StreamStderr, line)

		case <-backend.Done():
			r.backendGone = true
			r.drainBackend()
			r.backendExited(backend)
			return

		case <-r.subDone:
			r.subDone = nil
			if r.subExited() {
				return
			}
		}
	}
}

// handleEvent applies one backend event. It returns true when the session
// must end.
func (r *launch) handleEvent(ev watcher.Event) bool {
	s := r.sv
	switch ev.Kind {
	case watcher.KindQRCode:
		r.deliverQR(ev)
	default:
		r.echo(ev.Stream, ev.Line)
	}

	switch ev.Kind {
	case watcher.KindReady:
		if ev.Port != r.sess.Lease.Port {
			s.logger.Warn("backend reported a different port", "leased", r.sess.Lease.Port, "reported", ev.Port)
		}
	case watcher.KindChildPID:
		r.sess.ChildPID = ev.PID
		s.logger.Info("backend started client process", "pid", ev.PID)
	case watcher.KindPortInUse:
		r.sess.sawPortInUse = true
	case watcher.KindLoggedIn:
		// A later login attempt may legitimately reuse the same payload.
		r.sess.lastQR = ""
		if c, ok := s.sink.(qrClearer); ok {
			c.Clear()
		}
		s.logger.Info("login complete", "account", ev.Account, "nickname", ev.Nickname)
	}

	if ev.Kind != watcher.KindUnrecognized {
		evCopy := ev
		r.notify(Notification{Type: NotifyEvent, Event: &evCopy})
	}

	if ev.ReadyOrQR() && r.sess.Phase == PhaseBackendStarting {
		return r.becomeReady()
	}
	return false
}

// deliverQR forwards a QR payload to the sink, skipping consecutive repeats.
func (r *launch) deliverQR(ev watcher.Event) {
	if ev.Payload == r.sess.lastQR {
		return
	}
	r.sess.lastQR = ev.Payload
	if r.sv.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, qrDeliverTimeout)
	defer cancel()
	if err := r.sv.sink.Deliver(ctx, ev.Payload, ev.Image); err != nil {
		r.sv.logger.Warn("delivering QR code failed", "error", err)
	}
}

// becomeReady moves to BackendReady and starts the sub-command if one was
// requested. It returns true when a fail-fast spawn failure ends the session.
func (r *launch) becomeReady() bool {
	s := r.sv
	s.logger.Info("backend ready", "port", r.sess.Lease.Port)
	r.transition(PhaseBackendReady)

	if s.cfg.Subcommand == nil || r.backendGone {
		return false
	}

	spec := s.subcommandSpec(r.sess.Lease.Port)
	sub, err := s.spawner.Spawn(r.ctx, spec)
	if err != nil {
		if s.cfg.FailFast {
			r.exitCode, r.reason = ExitSubcommandFailed, "sub-command spawn failed"
			r.err = stageError(StageSubcommand, ExitSubcommandFailed, err)
			return true
		}
		s.logger.Error("sub-command failed to start, backend keeps running", "error", err)
		return false
	}

	r.sess.Sub = sub
	r.subStdout = sub.Stdout()
	r.subStderr = sub.Stderr()
	r.subDone = sub.Done()
	r.transition(PhaseSubcommandRunning)
	return false
}

// subExited handles the sub-command ending. It returns true when the session
// must end.
func (r *launch) subExited() bool {
	s := r.sv
	status, _ := r.sess.Sub.ExitStatus()
	s.logger.Info("sub-command exited", "status", status.String())

	if !status.Success() && s.cfg.FailFast {
		r.exitCode, r.reason = ExitSubcommandFailed, "sub-command failed"
		r.err = stageError(StageSubcommand, ExitSubcommandFailed,
			fmt.Errorf("%w: %s", ErrSubcommandFailed, status))
		return true
	}
	if s.cfg.ExitAfterSubcommand {
		r.exitCode, r.reason = status.ShellCode(), "sub-command finished"
		return true
	}
	if r.sess.Phase == PhaseSubcommandRunning {
		r.transition(PhaseBackendReady)
	}
	return false
}

// drainBackend processes output still buffered after the backend exited.
func (r *launch) drainBackend() {
	if r.backendEvents == nil {
		return
	}
	timeout := time.After(r.sv.cfg.DrainTimeout)
	for {
		select {
		case ev, ok := <-r.backendEvents:
			if !ok {
				r.backendEvents = nil
				return
			}
			r.handleEvent(ev)
		case <-timeout:
			return
		}
	}
}

// backendExited derives the outcome once the backend ended on its own.
func (r *launch) backendExited(backend *process.Handle) {
	status, _ := backend.ExitStatus()
	s := r.sv

	if r.sess.Phase.Ready() {
		s.logger.Info("backend exited", "status", status.String())
		r.exitCode, r.reason = status.ShellCode(), "backend exited"
		return
	}

	if r.sess.sawPortInUse {
		r.err = stageError(StageBackendStartup, ExitPortRace,
			fmt.Errorf("%w: port %d (backend %s)", ErrPortRace, r.sess.Lease.Port, status))
		r.exitCode, r.reason = ExitPortRace, "port taken before backend could bind"
		return
	}
	r.err = stageError(StageBackendStartup, ExitBackendExitedEarly,
		fmt.Errorf("%w: %s", ErrBackendExitedEarly, status))
	r.exitCode, r.reason = ExitBackendExitedEarly, "backend exited before ready"
}

// echoRemaining keeps passing child output through while children are being
// terminated. The returned channel closes once all streams hit EOF.
func (r *launch) echoRemaining() <-chan struct{} {
	var wg sync.WaitGroup
	if ch := r.backendEvents; ch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				if ev.Kind != watcher.KindQRCode {
					r.echo(ev.Stream, ev.Line)
				}
			}
		}()
	}
	for stream, ch := range map[watcher.Stream]<-chan string{
		watcher.StreamStdout: r.subStdout,
		watcher.StreamStderr: r.subStderr,
	} {
		if ch == nil {
			continue
		}
		wg.Add(1)
		go func(stream watcher.Stream, ch <-chan string) {
			defer wg.Done()
			for line := range ch {
				r.echo(stream, line)
			}
		}(stream, ch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (r *launch) echo(stream watcher.Stream, line string) {
	var w io.Writer
	switch stream {
	case watcher.StreamStdout:
		w = r.sv.cfg.Stdout
	case watcher.StreamStderr:
		w = r.sv.cfg.Stderr
	default:
		return
	}
	r.sv.consoleMu.Lock()
	fmt.Fprintln(w, line) //nolint:errcheck // console passthrough
	r.sv.consoleMu.Unlock()
}

// pendingInterrupt reports an interrupt that arrived before any child exists.
func (r *launch) pendingInterrupt(ctx context.Context, interrupts <-chan os.Signal) bool {
	select {
	case <-interrupts:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *launch) transition(p Phase) {
	r.sess.Phase = p
	r.notify(Notification{Type: NotifyPhase})
}

func (r *launch) notify(n Notification) {
	n.SessionID = r.sess.ID
	n.Time = time.Now().UTC()
	n.Phase = r.sess.Phase
	n.Port = r.sess.Lease.Port
	n.BackendPID = r.sess.backendPID()
	n.SubPID = r.sess.subPID()
	n.ChildPID = r.sess.ChildPID
	r.d.publish(n)
}

// finish moves to Terminated and builds the Result.
func (r *launch) finish(code int, reason string, err error) Result {
	r.sess.Phase = PhaseTerminated
	n := Notification{Type: NotifyPhase, ExitCode: code, Reason: reason}
	if err != nil {
		n.Error = err.Error()
	}
	r.notify(n)

	r.sv.logger.Info("launch finished",
		"session", r.sess.ID,
		"exit_code", code,
		"reason", reason,
	)

	return Result{
		SessionID: r.sess.ID,
		Phase:     PhaseTerminated,
		Port:      r.sess.Lease.Port,
		ExitCode:  code,
		Reason:    reason,
		ChildPID:  r.sess.ChildPID,
		Teardowns: r.sess.Teardowns(),
	}
}

// backendSpec returns the backend launch spec with the port flag in front of
// the passthrough args.
func (s *Supervisor) backendSpec(port int) process.LaunchSpec {
	spec := s.cfg.Backend
	args := make([]string, 0, len(spec.Args)+2)
	args = append(args, s.cfg.PortFlag, strconv.Itoa(port))
	args = append(args, spec.Args...)
	spec.Args = args
	if spec.Name == "" {
		spec.Name = "backend"
	}
	return spec
}

// subcommandSpec substitutes the leased port into the sub-command.
func (s *Supervisor) subcommandSpec(port int) process.LaunchSpec {
	spec := *s.cfg.Subcommand
	p := strconv.Itoa(port)

	spec.Args = replaceAll(spec.Args, p)
	spec.Env = replaceAll(spec.Env, p)
	if spec.WorkDir == "" {
		spec.WorkDir = s.cfg.Backend.WorkDir
	}
	if spec.Name == "" {
		spec.Name = "sub-command"
	}
	return spec
}

func replaceAll(in []string, port string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ReplaceAll(v, PortPlaceholder, port)
	}
	return out
}
