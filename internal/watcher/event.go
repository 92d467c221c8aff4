// Package watcher turns a child's output lines into typed events.
//
// Classification is line-local: each line is matched against a fixed set of
// patterns and yields exactly one Event. Lines matching nothing come back as
// KindUnrecognized carrying the original text, so callers can pass them
// through to the console unchanged.
package watcher

import "fmt"

// Kind identifies what a line (or an API notification) means.
type Kind string

const (
	KindUnrecognized Kind = "unrecognized"
	KindReady        Kind = "ready"
	KindQRCode       Kind = "qr_code"
	KindChildPID     Kind = "child_pid"
	KindPortInUse    Kind = "port_in_use"
	KindLoggedIn     Kind = "logged_in"
)

// Stream names where an event came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"

	// StreamAPI marks events produced by polling the backend's HTTP API
	// rather than by reading its output.
	StreamAPI Stream = "api"
)

// Event is a single classified observation about the backend.
type Event struct {
	Kind   Kind   `json:"kind"`
	Stream Stream `json:"stream"`

	// Line is the raw output line. Empty for API events.
	Line string `json:"line,omitempty"`

	// Port is set for KindReady.
	Port int `json:"port,omitempty"`

	// Payload is the QR content for KindQRCode.
	Payload string `json:"payload,omitempty"`

	// Image is an optional pre-rendered PNG for KindQRCode.
	Image []byte `json:"-"`

	// PID is set for KindChildPID.
	PID int `json:"pid,omitempty"`

	// Account identifies the logged-in user for KindLoggedIn.
	Account  string `json:"account,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case KindReady:
		return fmt.Sprintf("ready on port %d", e.Port)
	case KindQRCode:
		return fmt.Sprintf("qr code (%d bytes)", len(e.Payload))
	case KindChildPID:
		return fmt.Sprintf("child pid %d", e.PID)
	case KindLoggedIn:
		return fmt.Sprintf("logged in as %s", e.Account)
	case KindPortInUse:
		return "port in use"
	default:
		return e.Line
	}
}

// ReadyOrQR reports whether the event marks the backend as ready.
func (e Event) ReadyOrQR() bool {
	return e.Kind == KindReady || e.Kind == KindQRCode
}
