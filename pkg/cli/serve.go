package cli

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/gridrunner/pkg/ipc"
)

// runServe exposes stored results, metrics and an idle event stream
// without running tests.
func (a *App) runServe(ctx context.Context, args []string) error {
	fs := a.flagSet("serve")
	configPath := fs.String("config", "", "config file (default: ~/.gridrunner/config.yaml merged with ./.gridrunner.yaml)")
	bind := fs.String("bind", "", "address to bind (default: ipc.bind or 127.0.0.1:4790)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	addr := *bind
	if addr == "" {
		addr = cfg.IPC.Bind
	}
	if addr == "" {
		addr = "127.0.0.1:4790"
	}

	store, err := openResults(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := a.newLogger(cfg, "serve-"+ulid.Make().String())
	defer logger.Close()

	srv := ipc.NewServer(ipc.Config{BindAddress: addr}, store, nil, nil, logger)
	fmt.Fprintf(a.Stderr, "serving results on http://%s\n", addr)
	return srv.Start(ctx)
}
