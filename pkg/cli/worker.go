package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/gridrunner/pkg/bus"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/worker"
)

// runWorker serves tests from the shared queue until the worker recycles
// itself or the process is interrupted. Sessions are attached over the
// endpoints the orchestrator's driver published.
func (a *App) runWorker(ctx context.Context, args []string) error {
	fs := a.flagSet("worker")
	configPath := fs.String("config", "", "config file (default: ~/.gridrunner/config.yaml merged with ./.gridrunner.yaml)")
	install := fs.Bool("install", false, "download the Playwright driver before attaching")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Bus.URL == "" {
		return usageError(errors.New("worker needs bus.url (or GRIDRUNNER_BUS_URL) to reach the orchestrator"))
	}

	slot := os.Getenv("GRIDRUNNER_WORKER_SLOT")
	logger := a.newLogger(cfg, fmt.Sprintf("worker-%s-%s", slot, ulid.Make()))
	defer logger.Close()

	b, err := bus.Open(bus.Config{URL: cfg.Bus.URL, Name: cfg.Bus.Name + "-worker", Timeout: cfg.Bus.Timeout})
	if err != nil {
		return gerrors.Wrap(err, gerrors.ErrCodeDispatch, "failed to open message bus")
	}
	defer b.Close()

	driver := a.NewDriver(*install)
	defer driver.Close()

	srv := worker.NewServer(worker.ServerOptions{
		Config:   cfg,
		Bus:      b,
		Attacher: driver,
		Registry: a.Registry,
		Logger:   logger,
	})
	logger.Info(logging.CategoryWorker, "worker_process_started", "worker process started", map[string]any{
		"slot":   slot,
		"worker": srv.ID(),
		"files":  len(a.Registry.Files()),
	})
	return srv.Run(ctx)
}
