package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Logger defines the logging interface for bundle maintenance.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Migration moves a file or directory from an older layout.
type Migration struct {
	From string
	To   string
}

// Migrations lists the legacy locations, relative to the root.
var Migrations = []Migration{
	{From: DataDir, To: filepath.Join(filepath.FromSlash(LLBotDir), DataDir)},
	{From: PMHQConfigFile, To: filepath.Join(filepath.FromSlash(PMHQDir), PMHQConfigFile)},
}

// Migrate moves legacy files into the current layout. Existing targets are
// replaced. Failures are logged and returned together; a failed item never
// stops the others.
func (b Bundle) Migrate(logger Logger) []error {
	if logger == nil {
		logger = noopLogger{}
	}

	var errs []error
	for _, m := range Migrations {
		from, to := b.Path(m.From), b.Path(m.To)
		if _, err := os.Lstat(from); err != nil {
			continue
		}

		logger.Info("migrating legacy bundle file", "from", m.From, "to", m.To)
		if err := move(from, to); err != nil {
			logger.Warn("migrating legacy bundle file failed", "from", m.From, "error", err)
			errs = append(errs, fmt.Errorf("migrating %s: %w", m.From, err))
		}
	}
	return errs
}

// move renames from to to, copying across filesystems when rename fails.
func move(from, to string) error {
	if err := os.RemoveAll(to); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	if err := copyTree(from, to); err != nil {
		return err
	}
	return os.RemoveAll(from)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
