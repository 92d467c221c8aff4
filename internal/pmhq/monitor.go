package pmhq

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/llbot-cli/internal/watcher"
)

// Monitor defaults.
const (
	DefaultInitialDelay    = 3 * time.Second
	DefaultRefreshInterval = 120 * time.Second
	DefaultReconnectDelay  = 2 * time.Second
	selfInfoTimeout        = 5 * time.Second
)

// MonitorConfig tunes the login monitor. Zero values select the defaults.
type MonitorConfig struct {
	// InitialDelay gives the backend time to bring up its API. Negative
	// means no delay.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// RefreshInterval is how often a new QR code is requested while
	// nobody has logged in. QR codes expire after roughly two minutes.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// ReconnectDelay is the pause before reopening a dropped event stream.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Logger defines the logging interface for the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// LoginMonitor follows the backend's login flow over its API and reports QR
// codes and the final login as watcher events.
type LoginMonitor struct {
	cfg    MonitorConfig
	logger Logger
}

// NewLoginMonitor creates a monitor.
func NewLoginMonitor(cfg MonitorConfig) *LoginMonitor {
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	} else if cfg.InitialDelay == 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &LoginMonitor{cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (m *LoginMonitor) SetLogger(logger Logger) {
	m.logger = logger
}

// Monitor requests QR codes periodically and listens on the event stream
// until login completes or ctx is cancelled. It returns nil in both cases.
func (m *LoginMonitor) Monitor(ctx context.Context, port int, events chan<- watcher.Event) error {
	if !sleep(ctx, m.cfg.InitialDelay) {
		return nil
	}

	client := NewClient(port)
	loginCtx, loggedIn := context.WithCancel(ctx)
	defer loggedIn()

	var done atomic.Bool
	g, gctx := errgroup.WithContext(loginCtx)

	g.Go(func() error {
		for {
			if err := client.RequestQRCode(gctx); err != nil && gctx.Err() == nil {
				m.logger.Debug("qr code request failed", "error", err)
			}
			if !sleep(gctx, m.cfg.RefreshInterval) {
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			err := client.Subscribe(gctx, func(ev watcher.Event) bool {
				if ev.Kind == watcher.KindLoggedIn {
					m.fillAccount(ctx, client, &ev)
					done.Store(true)
				}
				select {
				case events <- ev:
				case <-gctx.Done():
					return false
				}
				return !done.Load()
			})
			if done.Load() {
				loggedIn()
				return nil
			}
			if gctx.Err() != nil {
				return nil
			}
			m.logger.Debug("event stream dropped", "error", err)
			if !sleep(gctx, m.cfg.ReconnectDelay) {
				return nil
			}
		}
	})

	return g.Wait()
}

func (m *LoginMonitor) fillAccount(ctx context.Context, client *Client, ev *watcher.Event) {
	infoCtx, cancel := context.WithTimeout(ctx, selfInfoTimeout)
	defer cancel()

	info, err := client.SelfInfo(infoCtx)
	if err != nil {
		m.logger.Warn("fetching account info failed", "error", err)
		return
	}
	ev.Account = info.UIN
	ev.Nickname = info.Nickname
	m.logger.Info("logged in", "uin", info.UIN, "nickname", info.Nickname)
}

// sleep waits for d or ctx. It reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
