package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/nerrad567/llbot-cli/internal/supervisor"
)

const maxBannerWidth = 48

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	ruleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("76")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

const usageText = `Usage:
  llbot [backend flags...] [--port N] [--sub-cmd-workdir DIR] [--sub-cmd CMD ARGS...]
  llbot --update
  llbot --help | --version

Launcher flags:
  --port N               preferred backend port; a free one is picked if taken
  --sub-cmd CMD ARGS...  run CMD once the backend is ready; every later
                         argument belongs to CMD, {port} is replaced with
                         the backend port
  --sub-cmd-workdir DIR  working directory of the sub-command
  --update               check for and install component updates
  -h, --help             show this help and the backend's own flags
  -v, --version          show version information

Any other argument is passed to the backend unchanged.
`

// banner renders the startup header.
func banner(out io.Writer, version string) string {
	width := maxBannerWidth
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 && w < width {
			width = w
		}
	}
	title := titleStyle.Render("LLBot CLI") + " " + labelStyle.Render(version)
	rule := ruleStyle.Render(strings.Repeat("=", min(width, lipgloss.Width(title)+8)))
	return lipgloss.JoinVertical(lipgloss.Left, title, rule)
}

func field(label string, value any) string {
	return labelStyle.Render(label+":") + " " + valueStyle.Render(fmt.Sprint(value))
}

// consoleWriter makes each Write atomic with respect to the other writers
// sharing its lock. The launcher's stdout and stderr share one lock, so a
// line from one goroutine never lands inside a line from another.
type consoleWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (c consoleWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

// newConsole wraps stdout and stderr behind one lock.
func newConsole(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	mu := &sync.Mutex{}
	return consoleWriter{mu: mu, w: stdout}, consoleWriter{mu: mu, w: stderr}
}

// portAnnouncer prints the leased port once per session. It runs on the
// notification goroutine, so the announcement goes out in a single write.
type portAnnouncer struct {
	out io.Writer
}

func (p portAnnouncer) Observe(n supervisor.Notification) {
	if n.Type == supervisor.NotifyPhase && n.Phase == supervisor.PhasePortAllocated {
		fmt.Fprint(p.out, field("Port", n.Port)+"\n\n")
	}
}
