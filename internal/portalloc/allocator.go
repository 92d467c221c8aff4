// Package portalloc finds a free TCP port for the backend to listen on.
//
// A port is checked by binding it on the configured host and releasing the
// listener straight away. The lease handed back is advisory: another process
// may take the port before the backend binds it, in which case the backend
// reports the conflict and the supervisor surfaces ErrPortRace.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Default scan range and host.
const (
	DefaultHost  = "127.0.0.1"
	DefaultStart = 13000
	DefaultEnd   = 14000
)

var (
	// ErrNoPortAvailable is returned when neither the preferred port nor any
	// port in the scan range could be bound.
	ErrNoPortAvailable = errors.New("portalloc: no port available")

	// ErrPortRace is returned when a leased port was taken by another process
	// between the probe and the backend's own bind.
	ErrPortRace = errors.New("portalloc: port taken after probe")

	// ErrInvalidRange is returned by New for an empty or out-of-bounds range.
	ErrInvalidRange = errors.New("portalloc: invalid port range")
)

// Lease is the result of an allocation.
type Lease struct {
	Port int `json:"port"`

	// Requested is true when Port is the caller's preferred port.
	Requested bool `json:"requested"`
}

func (l Lease) String() string {
	return strconv.Itoa(l.Port)
}

// ProbeFunc reports whether port can be bound on host right now.
type ProbeFunc func(host string, port int) bool

// Allocator hands out free ports from a fixed range.
type Allocator struct {
	host  string
	start int
	end   int
	probe ProbeFunc
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithProbe replaces the bind-and-release probe. Used by tests.
func WithProbe(p ProbeFunc) Option {
	return func(a *Allocator) {
		a.probe = p
	}
}

// New creates an Allocator scanning [start, end) on host.
// An empty host means DefaultHost.
func New(host string, start, end int, opts ...Option) (*Allocator, error) {
	if host == "" {
		host = DefaultHost
	}
	if start < 1 || end > 65536 || start >= end {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}

	a := &Allocator{
		host:  host,
		start: start,
		end:   end,
		probe: Probe,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Allocate returns a free port. A positive preferred port is tried first and
// returned with Requested set when it binds; otherwise the range is scanned in
// ascending order, skipping the rejected preferred port.
//
// For a fixed snapshot of bound ports the result is deterministic.
func (a *Allocator) Allocate(preferred int) (Lease, error) {
	if preferred > 0 && preferred <= 65535 {
		if a.probe(a.host, preferred) {
			return Lease{Port: preferred, Requested: true}, nil
		}
	}

	for port := a.start; port < a.end; port++ {
		if port == preferred {
			continue
		}
		if a.probe(a.host, port) {
			return Lease{Port: port}, nil
		}
	}

	if preferred > 0 {
		return Lease{}, fmt.Errorf("%w: preferred %d and range [%d, %d) exhausted",
			ErrNoPortAvailable, preferred, a.start, a.end)
	}
	return Lease{}, fmt.Errorf("%w: range [%d, %d) exhausted", ErrNoPortAvailable, a.start, a.end)
}

// Probe binds host:port with TCP and immediately releases it.
func Probe(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close() //nolint:errcheck // probe listener, nothing was accepted
	return true
}
