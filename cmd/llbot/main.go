// LLBot CLI launcher.
//
// llbot starts the bundled PMHQ backend on a free port, forwards its output,
// shows the login QR code and runs LLBot once the backend is ready. See
// internal/cli for the command line.
package main

import (
	"os"

	"github.com/nerrad567/llbot-cli/internal/cli"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	os.Exit(cli.Execute(version, commit, date))
}
