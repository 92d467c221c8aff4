// Package cli is the llbot command line: argument handling, the wiring of
// the launcher components and the process exit code.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nerrad567/llbot-cli/internal/bundle"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/config"
	"github.com/nerrad567/llbot-cli/internal/supervisor"
	"github.com/nerrad567/llbot-cli/internal/updater"
)

// App carries the build information and process streams of one invocation.
type App struct {
	Version string
	Commit  string
	Date    string

	Bundle bundle.Bundle

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// exitError carries an explicit exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the launcher with the process arguments and returns the exit
// code.
func Execute(version, commit, date string) int {
	app := &App{
		Version: version,
		Commit:  commit,
		Date:    date,
		Bundle:  bundle.FromExecutable(),
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	code := app.Run(context.Background(), os.Args[1:])
	if code != supervisor.ExitOK {
		pauseOnConsole(app.Stdout)
	}
	return code
}

// Run executes one invocation with args and returns the exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	if args == nil {
		// cobra reads os.Args when given nil.
		args = []string{}
	}
	cmd := a.NewRootCommand()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return supervisor.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(a.Stderr, errorStyle.Render("llbot: "+ee.err.Error()))
		}
		return ee.code
	}
	fmt.Fprintln(a.Stderr, errorStyle.Render("llbot: "+err.Error()))
	if errors.Is(err, ErrUsage) {
		fmt.Fprintln(a.Stderr, "Run 'llbot --help' for usage.")
		return supervisor.ExitUsage
	}
	return supervisor.ExitCode(err)
}

// NewRootCommand builds the cobra command. Flag parsing is disabled: the
// launcher forwards unknown flags to the backend verbatim.
func (a *App) NewRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "llbot [backend flags...] [--sub-cmd CMD ARGS...]",
		Short:              "Launch the PMHQ backend and LLBot",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, raw []string) error {
			args, err := ParseArgs(raw)
			if err != nil {
				return err
			}
			return a.dispatch(cmd.Context(), args)
		},
	}
}

func (a *App) dispatch(ctx context.Context, args Args) error {
	switch {
	case args.Help:
		return a.help(ctx, args)
	case args.Version:
		return a.version(ctx)
	case args.Update:
		return a.update(ctx)
	default:
		code, err := a.launch(ctx, args)
		if code == supervisor.ExitOK && err == nil {
			return nil
		}
		return &exitError{code: code, err: err}
	}
}

func (a *App) help(ctx context.Context, args Args) error {
	fmt.Fprint(a.Stdout, usageText)
	backend := a.Bundle.BackendBinary()
	if a.Bundle.CheckBackend() != nil {
		return nil
	}
	fmt.Fprintln(a.Stdout)
	fmt.Fprintln(a.Stdout, "Backend flags:")
	return a.runBackend(ctx, backend, append(append([]string(nil), args.Backend...), flagHelp))
}

func (a *App) version(ctx context.Context) error {
	fmt.Fprintf(a.Stdout, "llbot-cli %s (commit %s, built %s, %s/%s)\n",
		a.Version, a.Commit, a.Date, runtime.GOOS, runtime.GOARCH)
	if a.Bundle.CheckBackend() != nil {
		return nil
	}
	fmt.Fprint(a.Stdout, "pmhq ")
	return a.runBackend(ctx, a.Bundle.BackendBinary(), []string{flagVersion})
}

// runBackend runs the backend in the foreground for informational flags and
// propagates its exit code.
func (a *App) runBackend(ctx context.Context, binary string, args []string) error {
	c := exec.CommandContext(ctx, binary, args...) //nolint:gosec // binary comes from the bundle layout
	c.Stdout = a.Stdout
	c.Stderr = a.Stderr
	err := c.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return &exitError{code: exitErr.ExitCode()}
	default:
		return &exitError{code: supervisor.ExitGeneral, err: fmt.Errorf("running backend: %w", err)}
	}
}

func (a *App) update(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	return updater.Run(ctx, updater.Options{
		Bundle:     a.Bundle,
		CLIVersion: a.Version,
		Config:     cfg.Update,
		In:         a.Stdin,
		Out:        a.Stdout,
	})
}

func (a *App) loadConfig() (*config.Config, error) {
	path := os.Getenv("LLBOT_CONFIG")
	if path == "" {
		path = a.Bundle.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = a.Bundle.Root
	}
	cfg.ResolvePaths(a.Bundle.Root, cwd)
	return cfg, nil
}

// pauseOnConsole keeps a double-clicked Windows console open long enough
// to read the error.
func pauseOnConsole(out io.Writer) {
	if runtime.GOOS != "windows" || !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}
	fmt.Fprintln(out, "\nPress Enter to exit...")
	bufio.NewReader(os.Stdin).ReadString('\n') //nolint:errcheck
}
