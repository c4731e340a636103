package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/bus"
	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/diagnostics"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/ipc"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/notify"
	"github.com/odvcencio/gridrunner/pkg/pool"
	"github.com/odvcencio/gridrunner/pkg/runner"
	"github.com/odvcencio/gridrunner/pkg/storage"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
	"github.com/odvcencio/gridrunner/pkg/terminal"
	"github.com/odvcencio/gridrunner/pkg/testtree"
	"github.com/odvcencio/gridrunner/pkg/worker"
)

type runFlags struct {
	configPath string
	browsers   []string
	files      []string
	install    bool
	noColor    bool
	bind       string
}

func (a *App) runRun(ctx context.Context, args []string) error {
	var f runFlags
	fs := a.flagSet("run")
	fs.StringVar(&f.configPath, "config", "", "config file (default: ~/.gridrunner/config.yaml merged with ./.gridrunner.yaml)")
	fs.Var(&stringListValue{target: &f.browsers}, "browser", "browser id to run (repeatable, accepts comma-separated list)")
	fs.Var(&stringListValue{target: &f.files}, "file", "registered test file to run (repeatable, accepts comma-separated list)")
	fs.BoolVar(&f.install, "install", false, "download the Playwright driver and browsers before launching")
	fs.BoolVar(&f.noColor, "no-color", false, "disable colored output")
	fs.StringVar(&f.bind, "bind", "", "serve the live event stream on this address (overrides ipc.bind)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() > 0 {
		return usageError(fmt.Errorf("unexpected arguments: %v", fs.Args()))
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.bind != "" {
		cfg.IPC.Bind = f.bind
	}
	if f.noColor || os.Getenv("NO_COLOR") != "" {
		terminal.DisableColor()
	}

	res, err := a.execute(ctx, cfg, f)
	if err != nil {
		return err
	}
	switch {
	case res.Cancelled:
		return withExitCode(errors.New("run cancelled"), exitCodeCancelled)
	case res.Stats.Failed > 0:
		return withExitCode(fmt.Errorf("%d of %d tests failed", res.Stats.Failed, res.Stats.Total), exitCodeFailed)
	}
	return nil
}

// execute wires one orchestrator run: sessions come from the driver through
// the pool, tests go to workers over the bus, and every runner event reaches
// the terminal, the results store and the live stream.
func (a *App) execute(ctx context.Context, cfg *config.Config, f runFlags) (runner.Result, error) {
	browsers, err := selectBrowsers(cfg, f.browsers)
	if err != nil {
		return runner.Result{}, err
	}
	if cfg.System.Spawn == config.SpawnExec && cfg.Bus.URL == "" {
		return runner.Result{}, usageError(gerrors.New(gerrors.ErrCodeConfigInvalid,
			"exec spawned workers need bus.url (or GRIDRUNNER_BUS_URL)"))
	}

	runID := ulid.Make().String()
	logger := a.newLogger(cfg, runID)
	defer logger.Close()

	if cfg.Telemetry.Tracing {
		stopTracing, err := startTracing(cfg, runID)
		if err != nil {
			return runner.Result{}, err
		}
		defer stopTracing()
	}

	b, err := bus.Open(bus.Config{URL: cfg.Bus.URL, Name: cfg.Bus.Name, Timeout: cfg.Bus.Timeout})
	if err != nil {
		return runner.Result{}, gerrors.Wrap(err, gerrors.ErrCodeDispatch, "failed to open message bus")
	}
	defer b.Close()

	var store *storage.Store
	if cfg.System.ResultsDB != "" {
		store, err = storage.New(cfg.System.ResultsDB)
		if err != nil {
			return runner.Result{}, err
		}
		defer store.Close()
	}

	hub := telemetry.NewHub()
	defer hub.Close()
	diag := diagnostics.NewCollector()
	diag.Subscribe(hub)
	defer diag.Close()

	driver := a.NewDriver(f.install)
	defer driver.Close()
	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(hub, runID)
	sessions := browser.NewManager(driver, metrics)
	defer sessions.Close(context.WithoutCancel(ctx))

	poolEmitter := events.NewEmitter()
	browsersPool := pool.New(ctx, cfg, sessions, poolEmitter,
		pool.WithLogger(logger),
		pool.WithCalibrator(browser.ScriptCalibrator{}),
	)
	defer browsersPool.Close()
	defer browsersPool.Cancel()

	spawner, err := a.spawner(cfg, f, b, sessions, logger)
	if err != nil {
		return runner.Result{}, err
	}
	supervisor := worker.NewSupervisor(spawner, cfg.System.Workers, logger)
	supervisor.EnableTelemetry(hub, runID)
	if err := supervisor.Start(ctx); err != nil {
		return runner.Result{}, err
	}
	workers := worker.NewWorkers(worker.NewClient(b, cfg.System.DispatchTimeout).WithLogger(logger), supervisor)

	mr := runner.NewMainRunner(cfg, browsersPool, workers, runner.WithLogger(logger))
	em := mr.Emitter()
	defer events.Passthrough(poolEmitter, em, []events.Event{events.SessionStart, events.SessionEnd}, nil)()

	collection, err := testtree.NewReader(cfg, a.Registry, em).Read(ctx, f.files, browsers)
	if err != nil {
		_ = supervisor.Stop(context.WithoutCancel(ctx))
		return runner.Result{}, err
	}

	defer ipc.PublishRunnerEvents(em, hub, runID)()
	if store != nil {
		defer storage.NewRecorder(store, runID, logger).Attach(em)()
	}
	if cfg.Notify.Enabled() {
		notifier, err := newNotifier(cfg, b)
		if err != nil {
			_ = supervisor.Stop(context.WithoutCancel(ctx))
			return runner.Result{}, err
		}
		defer notifier.Close()
		defer notifier.Attach(em, runID)()
	}
	out := terminal.NewWithOutput(a.Stdout)
	defer terminal.NewReporter(out).Attach(em)()

	if cfg.IPC.Bind != "" {
		stopServer, err := a.startServer(ctx, cfg, store, hub, mr.Stats, b, logger)
		if err != nil {
			_ = supervisor.Stop(context.WithoutCancel(ctx))
			return runner.Result{}, err
		}
		defer stopServer()
	}

	logger.Info(logging.CategoryRunner, "run_started", "run started", map[string]any{
		"tests":    collection.Len(),
		"browsers": collection.Browsers(),
		"workers":  cfg.System.Workers,
		"spawn":    cfg.System.Spawn,
	})

	res, err := mr.Run(ctx, collection)
	browsersPool.Cancel()
	if err != nil {
		return res, err
	}
	out.Summary(res)
	if res.Cancelled || res.Stats.Failed > 0 {
		a.writeDiagnostics(cfg, runID, diag, logger)
	}
	return res, nil
}

func newNotifier(cfg *config.Config, b bus.MessageBus) (*notify.Manager, error) {
	var adapters []notify.Adapter
	if cfg.Notify.SlackWebhook != "" {
		slack, err := notify.NewSlackAdapter(notify.SlackConfig{
			WebhookURL: cfg.Notify.SlackWebhook,
			Channel:    cfg.Notify.SlackChannel,
		})
		if err != nil {
			return nil, usageError(err)
		}
		adapters = append(adapters, slack)
	}
	if cfg.Notify.BusSubject != "" {
		busAdapter, err := notify.NewBusAdapter(b, cfg.Notify.BusSubject)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, busAdapter)
	}
	return notify.NewManager(adapters, notify.OnlyFailures(cfg.Notify.OnlyFailures)), nil
}

// writeDiagnostics dumps the run's telemetry next to its log.
func (a *App) writeDiagnostics(cfg *config.Config, runID string, diag *diagnostics.Collector, logger *logging.Logger) {
	diag.Close()
	path := filepath.Join(cfg.System.LogDir, "diagnostics", runID+".txt")
	if err := diag.WriteFile(path); err != nil {
		logger.Warn(logging.CategoryRunner, "diagnostics_failed", err.Error(), nil)
		return
	}
	fmt.Fprintf(a.Stderr, "diagnostics written to %s\n", path)
}

func (a *App) spawner(cfg *config.Config, f runFlags, b bus.MessageBus, attacher browser.Attacher, logger *logging.Logger) (worker.Spawner, error) {
	if cfg.System.Spawn == config.SpawnExec {
		path := a.Executable
		if path == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate worker binary: %w", err)
			}
			path = exe
		}
		args := []string{"worker"}
		if f.configPath != "" {
			args = append(args, "-config", f.configPath)
		}
		if f.install {
			args = append(args, "-install")
		}
		return worker.ExecSpawner{Path: path, Args: args}, nil
	}
	return worker.InProcessSpawner{New: func() *worker.Server {
		return worker.NewServer(worker.ServerOptions{
			Config:   cfg,
			Bus:      b,
			Attacher: attacher,
			Registry: a.Registry,
			Logger:   logger,
		})
	}}, nil
}

// startServer serves the live stream of this run until the returned func
// is called. The stream is also mirrored onto the bus when it spans
// processes.
func (a *App) startServer(ctx context.Context, cfg *config.Config, store *storage.Store, hub *telemetry.Hub,
	stats ipc.StatsSource, b bus.MessageBus, logger *logging.Logger) (func(), error) {
	srv := ipc.NewServer(ipc.Config{BindAddress: cfg.IPC.Bind}, store, hub, stats, logger)

	bridge := ipc.NewBusBridge(b, srv.Hub())
	if err := bridge.Start(ctx); err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeDispatch, "failed to bridge worker signals")
	}
	if cfg.Bus.URL != "" {
		srv.Hub().AddForwarder(ipc.NewBusForwarder(context.WithoutCancel(ctx), b))
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- srv.Start(serveCtx) }()
	fmt.Fprintf(a.Stderr, "streaming events on ws://%s/ws/events\n", cfg.IPC.Bind)

	return func() {
		cancel()
		if err := <-done; err != nil {
			logger.Warn(logging.CategoryIPC, "server_failed", err.Error(), nil)
		}
		bridge.Stop()
	}, nil
}

// startTracing exports the spans of runID to <logDir>/traces/<runID>.json.
func startTracing(cfg *config.Config, runID string) (func(), error) {
	dir := filepath.Join(cfg.System.LogDir, "traces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	file, err := os.Create(filepath.Join(dir, runID+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	tp, err := telemetry.NewTracerProvider("gridrunner", Version, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return func() {
		_ = tp.Shutdown(context.Background())
		_ = file.Close()
	}, nil
}
