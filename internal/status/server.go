// Package status serves a loopback HTTP view of the running launcher: the
// current session, the pending login QR code, recent session history and a
// websocket stream of lifecycle notifications.
//
// The server follows the same lifecycle pattern as the other components:
//
//	server, err := status.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/llbot-cli/internal/history"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/config"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds in-flight requests during shutdown.
const gracefulShutdownTimeout = 3 * time.Second

// QRSource provides the QR code currently awaiting a scan.
type QRSource interface {
	Latest() (payload string, png []byte)
}

// HistoryReader reads past sessions.
type HistoryReader interface {
	ListSessions(ctx context.Context, filter history.Filter) (*history.ListResult, error)
	GetSession(ctx context.Context, id string) (*history.Session, error)
	ListEvents(ctx context.Context, sessionID string) ([]history.Event, error)
}

// Deps holds the dependencies of the status server.
type Deps struct {
	Config  config.StatusConfig
	Logger  *logging.Logger
	QR      QRSource      // optional
	History HistoryReader // optional
	Version string
}

// Server is the loopback status server.
type Server struct {
	cfg     config.StatusConfig
	logger  *logging.Logger
	qr      QRSource
	history HistoryReader
	version string
	started time.Time

	hub   *Hub
	state *tracker

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// New creates a status server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	s := &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		qr:      deps.QR,
		history: deps.History,
		version: deps.Version,
		started: time.Now().UTC(),
		state:   newTracker(),
	}
	s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
	return s, nil
}

// Start binds the listener and serves in the background. Binding happens
// before Start returns so a port conflict is reported to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("status server already started")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("binding status server: %w", err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()

	s.logger.Info("status server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, closing websocket clients first.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}
