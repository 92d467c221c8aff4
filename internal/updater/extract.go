package updater

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	downloadTimeout = 5 * time.Minute

	// npm tarballs wrap their content in this directory.
	packagePrefix = "package/"

	stagingDir = "_update_staging"
)

// Install downloads the npm tarball at url and unpacks its package/
// contents into dir, replacing entries that already exist there. Files in
// dir that the tarball does not contain are kept.
func Install(ctx context.Context, url, dir string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("downloading %s: %s", url, resp.Status)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	staging := filepath.Join(dir, stagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return 0, err
	}
	defer os.RemoveAll(staging) //nolint:errcheck // best-effort cleanup

	counter := &countingReader{r: resp.Body}
	if err := extractTarGz(counter, staging); err != nil {
		return counter.n, err
	}
	if err := replaceEntries(staging, dir); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

// extractTarGz unpacks a gzipped tarball into dst, dropping the leading
// package/ directory.
func extractTarGz(r io.Reader, dst string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tarball: %w", err)
		}

		name := strings.TrimPrefix(path.Clean(hdr.Name), packagePrefix)
		if name == "package" || name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("tarball entry %q escapes the target directory", hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			// Links and devices are not part of the distributed packages.
		}
	}
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode&0o600 == 0 {
		mode |= 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil { //nolint:gosec // size bounded by the registry tarball
		f.Close() //nolint:errcheck // already returning the copy error
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return f.Close()
}

// replaceEntries moves each top-level entry of src into dst, removing what
// was there first.
func replaceEntries(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if err := os.RemoveAll(to); err != nil {
			return fmt.Errorf("replacing %s: %w", to, err)
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("replacing %s: %w", to, err)
		}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
