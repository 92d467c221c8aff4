package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/llbot-cli/internal/history"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/config"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/database"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/influxdb"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/logging"
	"github.com/nerrad567/llbot-cli/internal/infrastructure/mqtt"
	"github.com/nerrad567/llbot-cli/internal/instance"
	"github.com/nerrad567/llbot-cli/internal/pmhq"
	"github.com/nerrad567/llbot-cli/internal/portalloc"
	"github.com/nerrad567/llbot-cli/internal/process"
	"github.com/nerrad567/llbot-cli/internal/qrcode"
	"github.com/nerrad567/llbot-cli/internal/status"
	"github.com/nerrad567/llbot-cli/internal/supervisor"
	"github.com/nerrad567/llbot-cli/internal/watcher"
)

// launch runs one supervised session and returns the exit code.
func (a *App) launch(ctx context.Context, args Args) (int, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return supervisor.ExitGeneral, err
	}

	// Launcher logs, child passthrough and the port banner share one console lock.
	stdout, stderr := newConsole(a.Stdout, a.Stderr)

	log := logging.NewWithStreams(cfg.Logging, a.Version, stdout, stderr)
	log.Info("starting llbot launcher",
		"version", a.Version,
		"commit", a.Commit,
		"bundle", a.Bundle.Root,
	)

	if errs := a.Bundle.Migrate(log); len(errs) > 0 {
		log.Warn("legacy bundle files were not migrated", "failures", len(errs))
	}

	if cfg.Launcher.SingleInstance {
		lock, err := instance.Acquire(a.Bundle.LockPath())
		if err != nil {
			return supervisor.ExitGeneral, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn("releasing instance lock failed", "error", err)
			}
		}()
	}

	alloc, err := portalloc.New(cfg.Launcher.Host, cfg.Launcher.PortStart, cfg.Launcher.PortEnd)
	if err != nil {
		return supervisor.ExitGeneral, fmt.Errorf("creating port allocator: %w", err)
	}

	classifier, err := watcher.NewClassifier(watcher.Patterns{
		Ready:     cfg.Watcher.Ready,
		QRCode:    cfg.Watcher.QRCode,
		ChildPID:  cfg.Watcher.ChildPID,
		PortInUse: cfg.Watcher.PortInUse,
	})
	if err != nil {
		return supervisor.ExitGeneral, fmt.Errorf("compiling output patterns: %w", err)
	}

	sink := qrcode.NewSink(qrcode.Options{
		Path:     cfg.QRCode.Path,
		Terminal: cfg.QRCode.Terminal,
		Headless: a.Bundle.Headless(args.Backend),
		Out:      stdout,
	})
	sink.SetLogger(log)

	supCfg, err := a.supervisorConfig(cfg, args, log)
	if err != nil {
		return supervisor.ExitGeneral, err
	}
	supCfg.Stdout, supCfg.Stderr = stdout, stderr

	spawner := process.NewSpawner()
	spawner.SetLogger(log)

	opts := []supervisor.Option{
		supervisor.WithSpawner(spawner),
		supervisor.WithClassifier(classifier),
		supervisor.WithQRSink(sink),
		supervisor.WithObserver(portAnnouncer{out: stdout}),
	}
	if cfg.PMHQ.Enabled {
		monitor := pmhq.NewLoginMonitor(pmhq.MonitorConfig{
			InitialDelay:    cfg.PMHQ.InitialDelay,
			RefreshInterval: cfg.PMHQ.RefreshInterval,
			ReconnectDelay:  cfg.PMHQ.ReconnectDelay,
		})
		monitor.SetLogger(log)
		opts = append(opts, supervisor.WithLoginMonitor(monitor))
	}

	observers, closeObservers := a.startObservers(ctx, cfg, log, sink)
	defer closeObservers()
	for _, o := range observers {
		opts = append(opts, supervisor.WithObserver(o))
	}

	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	fmt.Fprintln(stdout, banner(a.Stdout, a.Version))

	sv := supervisor.New(supCfg, alloc, opts...)
	sv.SetLogger(log)
	res, err := sv.Run(ctx, interrupts)

	log.Info("llbot launcher stopped",
		"session", res.SessionID,
		"exit_code", res.ExitCode,
		"reason", res.Reason,
	)
	return res.ExitCode, err
}

// supervisorConfig maps the configuration and command line onto a launch.
func (a *App) supervisorConfig(cfg *config.Config, args Args, log *logging.Logger) (supervisor.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("resolving working directory: %w", err)
	}

	backend := cfg.Launcher.Backend
	if backend == "" {
		backend = a.Bundle.BackendBinary()
	}

	sc := supervisor.Config{
		Backend: process.LaunchSpec{
			Name:    "pmhq",
			Binary:  backend,
			Args:    args.Backend,
			WorkDir: cwd,
		},
		PortFlag:            cfg.Launcher.PortFlag,
		PreferredPort:       args.PreferredPort,
		ExitAfterSubcommand: cfg.Launcher.Subcommand.ExitAfter,
		FailFast:            cfg.Launcher.Subcommand.FailFast,
		GracePeriod:         cfg.Launcher.GracePeriod,
		DrainTimeout:        cfg.Launcher.DrainTimeout,
	}

	switch {
	case len(args.SubCommand) > 0:
		workDir := args.SubCommandWorkDir
		if workDir == "" {
			workDir = BackendWorkDir(args.Backend)
		}
		if workDir == "" {
			workDir = cwd
		}
		sc.Subcommand = &process.LaunchSpec{
			Name:    "sub-command",
			Binary:  args.SubCommand[0],
			Args:    args.SubCommand[1:],
			WorkDir: workDir,
		}
	case cfg.Launcher.Subcommand.DefaultLLBot:
		if err := a.Bundle.CheckLLBot(); err != nil {
			log.Warn("LLBot not found, running the backend alone", "error", err)
			break
		}
		spec := a.Bundle.LLBotCommand(supervisor.PortPlaceholder)
		if args.SubCommandWorkDir != "" {
			spec.WorkDir = args.SubCommandWorkDir
		}
		sc.Subcommand = &spec
	}

	return sc, nil
}

// startObservers connects the optional reporting surfaces. A surface that
// fails to start is logged and skipped; supervision never depends on one.
func (a *App) startObservers(ctx context.Context, cfg *config.Config, log *logging.Logger, qr status.QRSource) ([]supervisor.Observer, func()) {
	var (
		observers []supervisor.Observer
		closers   []func()
		reader    status.HistoryReader
	)

	if cfg.Database.Enabled {
		db, repo, err := history.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			log.Warn("session history disabled", "error", err)
		} else {
			rec := history.NewRecorder(repo)
			rec.SetLogger(log)
			observers = append(observers, rec)
			reader = repo
			closers = append(closers, func() {
				if err := db.Close(); err != nil {
					log.Warn("closing history database failed", "error", err)
				}
			})
			log.Info("session history enabled", "path", db.Path())
		}
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("MQTT publishing disabled", "error", err)
		} else {
			client.SetLogger(log)
			pub := mqtt.NewLifecyclePublisher(client, cfg.MQTT)
			pub.SetLogger(log)
			observers = append(observers, pub)
			closers = append(closers, func() {
				if err := client.Close(); err != nil {
					log.Warn("closing MQTT failed", "error", err)
				}
			})
			log.Info("MQTT publishing enabled",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"topic", client.Topics().State(),
			)
		}
	}

	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(cfg.InfluxDB)
		switch {
		case errors.Is(err, influxdb.ErrDisabled):
		case err != nil:
			log.Warn("InfluxDB telemetry disabled", "error", err)
		default:
			client.SetOnError(func(err error) {
				log.Warn("InfluxDB write error", "error", err)
			})
			observers = append(observers, influxdb.NewTelemetry(client, cfg.MQTT.InstanceID))
			closers = append(closers, func() {
				if err := client.Close(); err != nil {
					log.Warn("closing InfluxDB failed", "error", err)
				}
			})
			log.Info("InfluxDB telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	if cfg.Status.Enabled {
		srv, err := status.New(status.Deps{
			Config:  cfg.Status,
			Logger:  log,
			QR:      qr,
			History: reader,
			Version: a.Version,
		})
		if err == nil {
			err = srv.Start(ctx)
		}
		if err != nil {
			log.Warn("status server disabled", "error", err)
		} else {
			observers = append(observers, srv)
			closers = append(closers, func() {
				if err := srv.Close(); err != nil {
					log.Warn("closing status server failed", "error", err)
				}
			})
		}
	}

	return observers, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
