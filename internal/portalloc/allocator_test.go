package portalloc

import (
	"errors"
	"net"
	"strconv"
	"testing"
)

// holdPort binds an ephemeral port on loopback and keeps it bound until the
// test ends.
func holdPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestNew_InvalidRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
	}{
		{"empty", 13000, 13000},
		{"reversed", 14000, 13000},
		{"zero start", 0, 100},
		{"beyond max", 65000, 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("", tt.start, tt.end)
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("New(%d, %d) error = %v, want ErrInvalidRange", tt.start, tt.end, err)
			}
		})
	}
}

func TestAllocate_PreferredFree(t *testing.T) {
	port := freePort(t)

	a, err := New("127.0.0.1", DefaultStart, DefaultEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	lease, err := a.Allocate(port)
	if err != nil {
		t.Fatalf("Allocate(%d) error = %v", port, err)
	}
	if lease.Port != port {
		t.Errorf("Port = %d, want %d", lease.Port, port)
	}
	if !lease.Requested {
		t.Error("Requested = false, want true")
	}
}

func TestAllocate_PreferredOccupied(t *testing.T) {
	busy := holdPort(t)

	// Scan a small range that contains the busy port so both the preferred
	// path and the scan path have to skip it.
	a, err := New("127.0.0.1", busy, busy+50)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	lease, err := a.Allocate(busy)
	if err != nil {
		t.Fatalf("Allocate(%d) error = %v", busy, err)
	}
	if lease.Port == busy {
		t.Errorf("Port = %d, occupied port must never be returned", lease.Port)
	}
	if lease.Requested {
		t.Error("Requested = true, want false")
	}
}

func TestAllocate_AscendingScan(t *testing.T) {
	bound := map[int]bool{13000: true, 13001: true, 13003: true}
	probe := func(_ string, port int) bool { return !bound[port] }

	a, err := New("", 13000, 13010, WithProbe(probe))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		lease, err := a.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if lease.Port != 13002 {
			t.Errorf("Port = %d, want 13002", lease.Port)
		}
	}
}

func TestAllocate_SkipsRejectedPreferred(t *testing.T) {
	var probed []int
	probe := func(_ string, port int) bool {
		probed = append(probed, port)
		return port == 13002
	}

	a, err := New("", 13000, 13005, WithProbe(probe))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	lease, err := a.Allocate(13001)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if lease.Port != 13002 {
		t.Errorf("Port = %d, want 13002", lease.Port)
	}

	want := []int{13001, 13000, 13002}
	if len(probed) != len(want) {
		t.Fatalf("probed = %v, want %v", probed, want)
	}
	for i := range want {
		if probed[i] != want[i] {
			t.Errorf("probed[%d] = %d, want %d", i, probed[i], want[i])
		}
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	a, err := New("", 13000, 13003, WithProbe(func(string, int) bool { return false }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = a.Allocate(8080)
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Errorf("Allocate() error = %v, want ErrNoPortAvailable", err)
	}
	if errors.Is(err, ErrPortRace) {
		t.Error("exhaustion must not be reported as a port race")
	}
}

func TestProbe(t *testing.T) {
	busy := holdPort(t)
	if Probe("127.0.0.1", busy) {
		t.Errorf("Probe(%d) = true for a bound port", busy)
	}

	free := freePort(t)
	if !Probe("127.0.0.1", free) {
		t.Errorf("Probe(%d) = false for a free port", free)
	}
}

func TestLease_String(t *testing.T) {
	l := Lease{Port: 13000}
	if got := l.String(); got != strconv.Itoa(13000) {
		t.Errorf("String() = %q, want %q", got, "13000")
	}
}
