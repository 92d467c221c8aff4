package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Launcher flags. Everything else belongs to the backend.
const (
	flagSubCmd        = "--sub-cmd"
	flagSubCmdWorkdir = "--sub-cmd-workdir"
	flagUpdate        = "--update"
	flagHelp          = "--help"
	flagHelpShort     = "-h"
	flagVersion       = "--version"
	flagVersionShort  = "-v"
	flagPort          = "--port"
	flagWorkDir       = "--work-dir"
)

// ErrUsage marks command-line mistakes.
var ErrUsage = errors.New("usage error")

// Args is the parsed command line.
type Args struct {
	// Backend is forwarded to the backend in order.
	Backend []string

	// PreferredPort is the --port value, 0 when absent.
	PreferredPort int

	// SubCommand is the --sub-cmd binary followed by its arguments.
	SubCommand []string

	// SubCommandWorkDir overrides where the sub-command runs.
	SubCommandWorkDir string

	Update  bool
	Help    bool
	Version bool
}

// ParseArgs splits the command line into launcher options and backend
// passthrough. --sub-cmd consumes every argument after it.
func ParseArgs(args []string) (Args, error) {
	var a Args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, inline, hasInline := strings.Cut(arg, "=")
		if !strings.HasPrefix(arg, "--") {
			name, hasInline = arg, false
		}

		switch name {
		case flagSubCmd:
			rest := args[i+1:]
			if hasInline {
				rest = append([]string{inline}, rest...)
			}
			if len(rest) == 0 || rest[0] == "" {
				return Args{}, fmt.Errorf("%w: %s needs a command", ErrUsage, flagSubCmd)
			}
			a.SubCommand = append([]string(nil), rest...)
			return a, nil

		case flagSubCmdWorkdir:
			v, next, err := flagValue(args, i, name, inline, hasInline)
			if err != nil {
				return Args{}, err
			}
			a.SubCommandWorkDir, i = v, next

		case flagPort:
			v, next, err := flagValue(args, i, name, inline, hasInline)
			if err != nil {
				return Args{}, err
			}
			port, err := strconv.Atoi(v)
			if err != nil || port < 1 || port > 65535 {
				return Args{}, fmt.Errorf("%w: %s %q is not a valid port", ErrUsage, flagPort, v)
			}
			a.PreferredPort, i = port, next

		case flagUpdate:
			a.Update = true
		case flagHelp, flagHelpShort:
			a.Help = true
		case flagVersion, flagVersionShort:
			a.Version = true

		default:
			a.Backend = append(a.Backend, arg)
		}
	}
	return a, nil
}

// flagValue returns the value of the flag at args[i], either inline
// (--flag=value) or from the next argument, and the index of the last
// consumed argument.
func flagValue(args []string, i int, name, inline string, hasInline bool) (string, int, error) {
	if hasInline {
		if inline == "" {
			return "", i, fmt.Errorf("%w: %s needs a value", ErrUsage, name)
		}
		return inline, i, nil
	}
	if i+1 >= len(args) || args[i+1] == "" {
		return "", i, fmt.Errorf("%w: %s needs a value", ErrUsage, name)
	}
	return args[i+1], i + 1, nil
}

// BackendWorkDir returns the backend's --work-dir value, or "".
func BackendWorkDir(backend []string) string {
	for i, arg := range backend {
		if v, ok := strings.CutPrefix(arg, flagWorkDir+"="); ok {
			return v
		}
		if arg == flagWorkDir && i+1 < len(backend) {
			return backend[i+1]
		}
	}
	return ""
}
