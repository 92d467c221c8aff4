// Package updater checks the npm registry for newer LLBot components and
// installs them into the bundle.
//
// Three components are tracked: the launcher itself, the PMHQ backend and
// LLBot. Backend and LLBot tarballs are unpacked in place; the launcher
// cannot replace its own running executable, so only its download URL is
// reported.
package updater

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/llbot-cli/internal/bundle"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/config"
)

// Options configures an update run.
type Options struct {
	Bundle     bundle.Bundle
	CLIVersion string
	Config     config.UpdateConfig
	Platform   Platform

	// In supplies the confirmation answer; Out receives the report.
	In  io.Reader
	Out io.Writer
}

// Check is the result of looking up one component.
type Check struct {
	Component Component
	Package   string
	Current   string
	Latest    string
	Err       error
}

// HasUpdate reports whether the registry offers a newer version.
func (c Check) HasUpdate() bool {
	return c.Err == nil && Newer(c.Current, c.Latest)
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
	updateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	currentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Run checks every component, prints a summary and, after confirmation,
// installs the available updates.
func Run(ctx context.Context, opts Options) error {
	if opts.Platform == (Platform{}) {
		opts.Platform = CurrentPlatform()
	}
	reg := NewRegistry(opts.Config.Registry, opts.Config.Mirrors, opts.Config.Timeout)

	fmt.Fprintln(opts.Out, "Checking for updates...")
	checks := CheckAll(ctx, reg, opts)
	fmt.Fprintln(opts.Out, renderChecks(checks))

	var pending []Check
	for _, c := range checks {
		if c.HasUpdate() {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		fmt.Fprintln(opts.Out, "Everything is up to date.")
		return nil
	}

	if !confirm(opts.In, opts.Out, fmt.Sprintf("Update %d component(s)? [y/N] ", len(pending))) {
		fmt.Fprintln(opts.Out, "Update cancelled.")
		return nil
	}

	var failed int
	for _, c := range pending {
		url := reg.TarballURL(ctx, c.Package, c.Latest)
		dir := InstallDir(c.Component, opts.Bundle)
		if dir == "" {
			fmt.Fprintf(opts.Out, "%s %s is available, download it from:\n  %s\n", c.Component, c.Latest, url)
			continue
		}
		fmt.Fprintf(opts.Out, "Installing %s %s...\n", c.Component, c.Latest)
		n, err := Install(ctx, url, dir)
		if err != nil {
			failed++
			fmt.Fprintln(opts.Out, errorStyle.Render(fmt.Sprintf("  failed: %v", err)))
			continue
		}
		fmt.Fprintf(opts.Out, "  installed (%.1f MiB)\n", float64(n)/(1<<20))
	}
	if failed > 0 {
		return fmt.Errorf("%d component(s) failed to update", failed)
	}
	return nil
}

// CheckAll looks up every component concurrently. Lookup failures are
// recorded per component rather than aborting the others.
func CheckAll(ctx context.Context, reg *Registry, opts Options) []Check {
	components := []Component{ComponentCLI, ComponentPMHQ, ComponentLLBot}
	checks := make([]Check, len(components))

	var g errgroup.Group
	for i, c := range components {
		i := i
		checks[i] = Check{
			Component: c,
			Package:   PackageName(c, opts.Platform),
			Current:   currentVersion(c, opts),
		}
		g.Go(func() error {
			latest, err := reg.Latest(ctx, checks[i].Package)
			checks[i].Latest = latest
			checks[i].Err = err
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-component errors live in checks
	return checks
}

func currentVersion(c Component, opts Options) string {
	if c == ComponentCLI {
		if opts.CLIVersion == "" {
			return "dev"
		}
		return opts.CLIVersion
	}
	return LocalVersion(manifestPath(c, opts.Bundle))
}

func renderChecks(checks []Check) string {
	rows := [][]string{{"COMPONENT", "CURRENT", "LATEST", "STATUS"}}
	for _, c := range checks {
		status := "up to date"
		switch {
		case c.Err != nil:
			status = "check failed"
		case c.HasUpdate():
			status = "update available"
		}
		latest := c.Latest
		if latest == "" {
			latest = "-"
		}
		rows = append(rows, []string{string(c.Component), c.Current, latest, status})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	lines := make([]string, len(rows))
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := cellStyle.Width(widths[i] + 2)
			switch {
			case r == 0:
				style = style.Inherit(headerStyle)
			case i == 3 && cell == "update available":
				style = style.Inherit(updateStyle)
			case i == 3 && cell == "check failed":
				style = style.Inherit(errorStyle)
			case i == 3:
				style = style.Inherit(currentStyle)
			}
			cells[i] = style.Render(cell)
		}
		lines[r] = lipgloss.JoinHorizontal(lipgloss.Top, cells...)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// confirm asks prompt and accepts y or yes, case-insensitively.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	if in == nil {
		return false
	}
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
