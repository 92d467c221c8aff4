package updater

import (
	"path/filepath"
	"runtime"

	"github.com/nerrad567/llbot-cli/internal/bundle"
)

// Component identifies an updatable part of the bundle.
type Component string

const (
	ComponentCLI   Component = "llbot-cli"
	ComponentPMHQ  Component = "pmhq"
	ComponentLLBot Component = "llbot"
)

// Platform names an npm distribution target.
type Platform struct {
	OS   string
	Arch string
}

// CurrentPlatform maps the running GOOS/GOARCH onto npm naming.
func CurrentPlatform() Platform {
	return PlatformFor(runtime.GOOS, runtime.GOARCH)
}

// PlatformFor maps a GOOS/GOARCH pair onto npm naming.
func PlatformFor(goos, goarch string) Platform {
	p := Platform{OS: goos, Arch: goarch}
	if goos == "windows" {
		p.OS = "win"
	}
	if goarch == "amd64" {
		p.Arch = "x64"
	}
	return p
}

// PackageName returns the npm package carrying c for platform p. LLBot is
// platform independent.
func PackageName(c Component, p Platform) string {
	switch c {
	case ComponentCLI:
		return "llbot-cli-" + p.OS + "-" + p.Arch
	case ComponentPMHQ:
		return "pmhq-dist-" + p.OS + "-" + p.Arch
	case ComponentLLBot:
		return "llonebot-dist"
	default:
		return ""
	}
}

// InstallDir returns where c lives inside b. The CLI has none; it is
// replaced by hand.
func InstallDir(c Component, b bundle.Bundle) string {
	switch c {
	case ComponentPMHQ:
		return b.BackendDir()
	case ComponentLLBot:
		return b.LLBotDir()
	default:
		return ""
	}
}

func manifestPath(c Component, b bundle.Bundle) string {
	dir := InstallDir(c, b)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "package.json")
}
