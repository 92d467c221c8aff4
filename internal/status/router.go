package status

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/llbot-cli/internal/history"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/qrcode.png", s.handleQRCode)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/ws", s.handleWebSocket)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"ws_clients":     s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state.snapshot())
}

// handleQRCode serves the PNG of the QR code awaiting a scan.
func (s *Server) handleQRCode(w http.ResponseWriter, _ *http.Request) {
	if s.qr == nil {
		writeNotFound(w, "no qr code available")
		return
	}
	_, png := s.qr.Latest()
	if len(png) == 0 {
		writeNotFound(w, "no qr code available")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png) //nolint:errcheck,gosec // Best-effort write to response
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session history is disabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{Phase: q.Get("phase")}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, name+" must be an integer")
			return
		}
		*dst = n
	}

	res, err := s.history.ListSessions(r.Context(), filter)
	if err != nil {
		s.logger.Warn("listing sessions failed", "error", err)
		writeInternalError(w, "listing sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSession returns one session together with its event timeline.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	sess, err := s.history.GetSession(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeNotFound(w, "no such session")
		return
	}
	if err != nil {
		s.logger.Warn("loading session failed", "session", id, "error", err)
		writeInternalError(w, "loading session failed")
		return
	}

	events, err := s.history.ListEvents(r.Context(), id)
	if err != nil {
		s.logger.Warn("listing session events failed", "session", id, "error", err)
		writeInternalError(w, "listing session events failed")
		return
	}
	if events == nil {
		events = []history.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"events":  events,
	})
}
