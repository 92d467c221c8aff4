// Package history records launcher sessions and their notable events in
// SQLite, for answering "what happened last time" after the console is gone.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is one launcher run.
type Session struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Phase      string     `json:"phase"`
	Port       int        `json:"port,omitempty"`
	BackendPID int        `json:"backend_pid,omitempty"`
	SubPID     int        `json:"sub_pid,omitempty"`
	ChildPID   int        `json:"child_pid,omitempty"`
	Account    string     `json:"account,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Event is a phase transition or recognised backend event within a session.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Kind      string         `json:"kind"`
	Phase     string         `json:"phase"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which sessions to return.
type Filter struct {
	Phase  string // optional: sessions last seen in this phase
	Limit  int    // default 20, max 200
	Offset int
}

// ListResult contains a page of sessions.
type ListResult struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

const (
	defaultLimit = 20
	maxLimit     = 200

	// Fixed-width so stored timestamps sort lexically.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Repository defines the session history operations.
type Repository interface {
	UpsertSession(ctx context.Context, s *Session) error
	AddEvent(ctx context.Context, e *Event) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, filter Filter) (*ListResult, error)
	ListEvents(ctx context.Context, sessionID string) ([]Event, error)
}

// SQLiteRepository stores history in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertSession inserts s or updates the stored row. Empty fields never
// overwrite stored values, so callers may pass partial snapshots.
func (r *SQLiteRepository) UpsertSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("upserting session: %w", ErrMissingID)
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}

	var endedAt any
	if s.EndedAt != nil {
		endedAt = s.EndedAt.UTC().Format(timeFormat)
	}
	var exitCode any
	if s.ExitCode != nil {
		exitCode = *s.ExitCode
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, ended_at, phase, port, backend_pid, sub_pid, child_pid, account, exit_code, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			ended_at    = COALESCE(excluded.ended_at, ended_at),
			phase       = excluded.phase,
			port        = COALESCE(excluded.port, port),
			backend_pid = COALESCE(excluded.backend_pid, backend_pid),
			sub_pid     = COALESCE(excluded.sub_pid, sub_pid),
			child_pid   = COALESCE(excluded.child_pid, child_pid),
			account     = COALESCE(excluded.account, account),
			exit_code   = COALESCE(excluded.exit_code, exit_code),
			reason      = COALESCE(excluded.reason, reason),
			error       = COALESCE(excluded.error, error)`,
		s.ID, s.StartedAt.UTC().Format(timeFormat), endedAt, s.Phase,
		nullableInt(s.Port), nullableInt(s.BackendPID), nullableInt(s.SubPID), nullableInt(s.ChildPID),
		nullableString(s.Account), exitCode, nullableString(s.Reason), nullableString(s.Error),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// AddEvent inserts e. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) AddEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details *string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling event details: %w", err)
		}
		s := string(b)
		details = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, type, kind, phase, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Type, e.Kind, e.Phase, details,
		e.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

const sessionColumns = "id, started_at, ended_at, phase, port, backend_pid, sub_pid, child_pid, account, exit_code, reason, error"

// GetSession returns one session or ErrNotFound.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns sessions matching filter, most recent first.
func (r *SQLiteRepository) ListSessions(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Phase != "" {
		conditions = append(conditions, "phase = ?")
		args = append(args, filter.Phase)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions "+where, args...).Scan(&total); err != nil { //nolint:gosec // WHERE built from placeholders
		return nil, fmt.Errorf("counting sessions: %w", err)
	}

	query := "SELECT " + sessionColumns + " FROM sessions " + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?" //nolint:gosec // WHERE built from placeholders
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return &ListResult{
		Sessions: sessions,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// ListEvents returns a session's events in order.
func (r *SQLiteRepository) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, type, kind, phase, details, created_at
		 FROM session_events WHERE session_id = ? ORDER BY created_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var details sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Kind, &e.Phase, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		if details.Valid && details.String != "" {
			if json.Unmarshal([]byte(details.String), &e.Details) != nil {
				e.Details = nil
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var startedAt string
	var endedAt, account, reason, errText sql.NullString
	var port, backendPID, subPID, childPID, exitCode sql.NullInt64

	if err := row.Scan(&s.ID, &startedAt, &endedAt, &s.Phase, &port, &backendPID, &subPID, &childPID,
		&account, &exitCode, &reason, &errText); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	var err error
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	s.Port = int(port.Int64)
	s.BackendPID = int(backendPID.Int64)
	s.SubPID = int(subPID.Int64)
	s.ChildPID = int(childPID.Int64)
	s.Account = account.String
	s.Reason = reason.String
	s.Error = errText.String
	return &s, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableString returns nil for empty strings so nullable TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt returns nil for zero so nullable INTEGER columns stay NULL.
func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
