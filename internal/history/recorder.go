package history

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/llbot-cli/internal/infrastructure/database"
	"github.com/nerrad567/llbot-cli/internal/supervisor"
	"github.com/nerrad567/llbot-cli/internal/watcher"
	"github.com/nerrad567/llbot-cli/migrations"
)

const writeTimeout = 5 * time.Second

// Logger is the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder persists supervisor notifications. It implements
// supervisor.Observer; write failures are logged and never reach the
// supervisor.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for write failures.
func (r *Recorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Observe records n.
func (r *Recorder) Observe(n supervisor.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.record(ctx, n); err != nil {
		r.logger.Warn("recording session history failed",
			"session", n.SessionID,
			"type", n.Type,
			"error", err,
		)
	}
}

func (r *Recorder) record(ctx context.Context, n supervisor.Notification) error {
	sess := &Session{
		ID:         n.SessionID,
		Phase:      string(n.Phase),
		Port:       n.Port,
		BackendPID: n.BackendPID,
		SubPID:     n.SubPID,
		ChildPID:   n.ChildPID,
	}
	if n.Phase == supervisor.PhaseInit {
		sess.StartedAt = n.Time
	}
	if n.Phase == supervisor.PhaseTerminated && n.Type == supervisor.NotifyPhase {
		ended := n.Time
		code := n.ExitCode
		sess.EndedAt = &ended
		sess.ExitCode = &code
		sess.Reason = n.Reason
		sess.Error = n.Error
	}
	if n.Event != nil && n.Event.Kind == watcher.KindLoggedIn {
		sess.Account = n.Event.Account
	}
	if err := r.repo.UpsertSession(ctx, sess); err != nil {
		return err
	}

	ev := &Event{
		SessionID: n.SessionID,
		Type:      string(n.Type),
		Phase:     string(n.Phase),
		CreatedAt: n.Time,
	}
	switch n.Type {
	case supervisor.NotifyPhase:
		ev.Kind = string(n.Phase)
		if n.Phase == supervisor.PhaseTerminated {
			ev.Details = map[string]any{"exit_code": n.ExitCode, "reason": n.Reason}
			if n.Error != "" {
				ev.Details["error"] = n.Error
			}
		}
	case supervisor.NotifyEvent:
		if n.Event == nil {
			return nil
		}
		ev.Kind = string(n.Event.Kind)
		ev.Details = eventDetails(*n.Event)
	}
	return r.repo.AddEvent(ctx, ev)
}

// eventDetails keeps the identifying fields of e. QR payloads are recorded
// by length only since they grant a login.
func eventDetails(e watcher.Event) map[string]any {
	d := map[string]any{"stream": string(e.Stream)}
	switch e.Kind {
	case watcher.KindReady, watcher.KindPortInUse:
		if e.Port != 0 {
			d["port"] = e.Port
		}
	case watcher.KindQRCode:
		d["payload_len"] = len(e.Payload)
	case watcher.KindChildPID:
		d["pid"] = e.PID
	case watcher.KindLoggedIn:
		d["account"] = e.Account
		if e.Nickname != "" {
			d["nickname"] = e.Nickname
		}
	}
	return d
}

// Open opens the history database at cfg.Path, applies the embedded
// schema and returns a repository over it. The caller closes the DB.
func Open(ctx context.Context, cfg database.Config) (*database.DB, *SQLiteRepository, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already returning the migration error
		return nil, nil, fmt.Errorf("migrating history database: %w", err)
	}
	return db, NewSQLiteRepository(db.DB), nil
}
