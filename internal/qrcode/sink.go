package qrcode

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/term"
)

// Terminal rendering modes.
const (
	TerminalAuto   = "auto"
	TerminalAlways = "always"
	TerminalNever  = "never"
)

// clearScreen moves the cursor home and clears the display.
const clearScreen = "\x1b[2J\x1b[H"

// Options configures a Sink.
type Options struct {
	// Path is where the PNG is written. Empty disables the file.
	Path string

	// Terminal is one of TerminalAuto, TerminalAlways, TerminalNever.
	Terminal string

	// Headless forces terminal rendering in auto mode.
	Headless bool

	// Out receives the rendering and hints. Defaults to os.Stdout.
	Out io.Writer
}

// Logger defines the logging interface for the sink.
type Logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}
func (noopLogger) Info(string, ...any) {}

// Sink shows each delivered QR code on the terminal and stores it as a PNG.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Sink struct {
	path     string
	terminal bool
	tty      bool
	out      io.Writer
	logger   Logger

	mu      sync.Mutex
	payload string
	png     []byte
}

// NewSink creates a Sink from opts.
func NewSink(opts Options) *Sink {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}

	return &Sink{
		path:     opts.Path,
		terminal: ShowInTerminal(opts.Terminal, opts.Headless),
		tty:      tty,
		out:      out,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger.
func (s *Sink) SetLogger(logger Logger) {
	s.logger = logger
}

// ShowInTerminal decides whether to draw QR codes in the console. In auto
// mode the Windows console is skipped unless running headless, since its
// default fonts break the block glyphs.
func ShowInTerminal(mode string, headless bool) bool {
	switch mode {
	case TerminalAlways:
		return true
	case TerminalNever:
		return false
	default:
		return runtime.GOOS != "windows" || headless
	}
}

// Deliver renders payload and writes the PNG. image, when non-empty, is used
// as the PNG verbatim; otherwise one is generated from payload.
func (s *Sink) Deliver(ctx context.Context, payload string, image []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	png := image
	if len(png) == 0 {
		var err error
		if png, err = EncodePNG(payload); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.payload = payload
	s.png = png
	s.mu.Unlock()

	if s.terminal {
		art, err := Render(payload)
		if err != nil {
			s.logger.Warn("rendering qr code failed", "error", err)
		} else {
			if s.tty {
				fmt.Fprint(s.out, clearScreen) //nolint:errcheck // console output
			}
			fmt.Fprint(s.out, "\n"+art+"\n") //nolint:errcheck // console output
		}
	}

	if s.path != "" {
		if err := writeFileAtomic(s.path, png); err != nil {
			return fmt.Errorf("saving qr code: %w", err)
		}
		fmt.Fprintf(s.out, "QR code image: %s\n", s.path) //nolint:errcheck // console output
	}
	fmt.Fprintf(s.out, "QR code link: %s\nScan with mobile QQ to log in\n", WebURL(payload)) //nolint:errcheck // console output

	s.logger.Info("qr code delivered", "path", s.path, "bytes", len(png))
	return nil
}

// Latest returns the most recently delivered payload and PNG.
func (s *Sink) Latest() (payload string, png []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload, s.png
}

// Clear forgets the latest code. The supervisor calls it once login
// completes so the status server stops serving a used code.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.payload = ""
	s.png = nil
	s.mu.Unlock()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".qrcode-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
