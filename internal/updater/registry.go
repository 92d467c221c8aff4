package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry endpoints used when the config names none.
const (
	DefaultRegistry = "https://registry.npmjs.org"
	defaultTimeout  = 15 * time.Second
)

// DefaultMirrors are raced when the official registry fails.
var DefaultMirrors = []string{
	"https://registry.npmmirror.com",
	"https://mirrors.huaweicloud.com/repository/npm",
	"https://mirrors.cloud.tencent.com/npm",
}

// ErrNoRegistry means neither the registry nor any mirror answered.
var ErrNoRegistry = errors.New("no registry answered")

// Registry queries npm package metadata.
type Registry struct {
	official string
	mirrors  []string
	client   *http.Client
}

// NewRegistry creates a registry client. Empty arguments select the defaults.
func NewRegistry(official string, mirrors []string, timeout time.Duration) *Registry {
	if official == "" {
		official = DefaultRegistry
	}
	if mirrors == nil {
		mirrors = DefaultMirrors
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	trimmed := make([]string, len(mirrors))
	for i, m := range mirrors {
		trimmed[i] = strings.TrimRight(m, "/")
	}
	return &Registry{
		official: strings.TrimRight(official, "/"),
		mirrors:  trimmed,
		client:   &http.Client{Timeout: timeout},
	}
}

type packageInfo struct {
	Version string `json:"version"`
}

// Latest returns the latest published version of pkg. The official
// registry is asked first; on failure the mirrors are raced and the first
// good answer wins.
func (r *Registry) Latest(ctx context.Context, pkg string) (string, error) {
	if v, err := r.latestFrom(ctx, r.official, pkg); err == nil {
		return v, nil
	}
	v, err := race(ctx, r.mirrors, func(ctx context.Context, base string) (string, error) {
		return r.latestFrom(ctx, base, pkg)
	})
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pkg, err)
	}
	return v, nil
}

// TarballURL returns the download URL for pkg@version, preferring the first
// mirror that has the version and falling back to the official registry.
func (r *Registry) TarballURL(ctx context.Context, pkg, version string) string {
	base, err := race(ctx, r.mirrors, func(ctx context.Context, base string) (string, error) {
		if err := r.get(ctx, base+"/"+escape(pkg)+"/"+version, nil); err != nil {
			return "", err
		}
		return base, nil
	})
	if err != nil {
		base = r.official
	}
	short := pkg[strings.LastIndex(pkg, "/")+1:]
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", base, pkg, short, version)
}

func (r *Registry) latestFrom(ctx context.Context, base, pkg string) (string, error) {
	var info packageInfo
	if err := r.get(ctx, base+"/"+escape(pkg)+"/latest", &info); err != nil {
		return "", err
	}
	if info.Version == "" {
		return "", fmt.Errorf("%s: empty version", base)
	}
	return info.Version, nil
}

func (r *Registry) get(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// race runs fn against every base concurrently and returns the first
// success, cancelling the rest.
func race(ctx context.Context, bases []string, fn func(context.Context, string) (string, error)) (string, error) {
	if len(bases) == 0 {
		return "", ErrNoRegistry
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	won := make(chan string, len(bases))
	g, gctx := errgroup.WithContext(ctx)
	for _, base := range bases {
		base := base
		g.Go(func() error {
			v, err := fn(gctx, base)
			if err != nil {
				return nil // a failing mirror must not cancel the others
			}
			won <- v
			cancel()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines never return errors
	close(won)

	if v, ok := <-won; ok {
		return v, nil
	}
	return "", ErrNoRegistry
}

// escape encodes scoped package names the way the registry expects.
func escape(pkg string) string {
	return strings.ReplaceAll(pkg, "/", "%2F")
}
