// Package bundle describes the on-disk layout of an LLBot distribution.
//
// A bundle root holds the launcher executable and a bin directory:
//
//	llbot[.exe]
//	bin/pmhq/pmhq[.exe]
//	bin/pmhq/pmhq_config.json
//	bin/llbot/node[.exe]
//	bin/llbot/llbot.js
//	bin/llbot/data/
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/nerrad567/llbot-cli/internal/process"
)

// Layout-relative paths.
const (
	PMHQDir        = "bin/pmhq"
	LLBotDir       = "bin/llbot"
	LLBotScript    = "llbot.js"
	PMHQConfigFile = "pmhq_config.json"
	DataDir        = "data"
	LockFile       = "llbot.lock"
	ConfigFile     = "llbot.yaml"
)

// HeadlessFlag is the backend flag that disables its GUI.
const HeadlessFlag = "--headless"

// ErrMissingComponent indicates a required bundle file is absent.
var ErrMissingComponent = errors.New("bundle component missing")

// Bundle is a resolved bundle root.
type Bundle struct {
	Root string
}

// New returns a Bundle rooted at root.
func New(root string) Bundle {
	return Bundle{Root: root}
}

// FromExecutable returns the bundle containing the running executable,
// falling back to the working directory.
func FromExecutable() Bundle {
	exe, err := os.Executable()
	if err != nil {
		return New(".")
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return New(filepath.Dir(exe))
}

// ExeName appends the platform executable suffix to base.
func ExeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// Path joins elems onto the bundle root.
func (b Bundle) Path(elems ...string) string {
	return filepath.Join(append([]string{b.Root}, elems...)...)
}

// BackendBinary is the PMHQ executable.
func (b Bundle) BackendBinary() string {
	return b.Path(filepath.FromSlash(PMHQDir), ExeName("pmhq"))
}

// BackendDir is the PMHQ directory.
func (b Bundle) BackendDir() string {
	return b.Path(filepath.FromSlash(PMHQDir))
}

// LLBotDir is the LLBot directory, used as the sub-command working directory.
func (b Bundle) LLBotDir() string {
	return b.Path(filepath.FromSlash(LLBotDir))
}

// NodeBinary is the bundled Node.js runtime.
func (b Bundle) NodeBinary() string {
	return filepath.Join(b.LLBotDir(), ExeName("node"))
}

// LockPath is the single-instance lock file.
func (b Bundle) LockPath() string {
	return b.Path(LockFile)
}

// ConfigPath is the default launcher configuration file.
func (b Bundle) ConfigPath() string {
	return b.Path(ConfigFile)
}

// CheckBackend reports whether the backend binary exists.
func (b Bundle) CheckBackend() error {
	return requireFile(b.BackendBinary())
}

// CheckLLBot reports whether the Node runtime and LLBot script exist.
func (b Bundle) CheckLLBot() error {
	if err := requireFile(b.NodeBinary()); err != nil {
		return err
	}
	return requireFile(filepath.Join(b.LLBotDir(), LLBotScript))
}

// LLBotCommand returns the default sub-command that runs LLBot against the
// backend. The port placeholder is filled in by the supervisor.
func (b Bundle) LLBotCommand(portPlaceholder string) process.LaunchSpec {
	return process.LaunchSpec{
		Name:    "llbot",
		Binary:  b.NodeBinary(),
		Args:    []string{"--enable-source-maps", LLBotScript, "--pmhq-port=" + portPlaceholder},
		WorkDir: b.LLBotDir(),
	}
}

// Headless reports whether the backend runs without a GUI: always off
// Windows, with --headless among args, or with "headless": true in the
// backend config.
func (b Bundle) Headless(args []string) bool {
	if runtime.GOOS != "windows" {
		return true
	}
	for _, a := range args {
		if a == HeadlessFlag {
			return true
		}
	}
	return b.configHeadless()
}

func (b Bundle) configHeadless() bool {
	data, err := os.ReadFile(filepath.Join(b.BackendDir(), PMHQConfigFile))
	if err != nil {
		return false
	}
	var cfg struct {
		Headless bool `json:"headless"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return false
	}
	return cfg.Headless
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingComponent, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissingComponent, path)
	}
	return nil
}
