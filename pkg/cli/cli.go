// Package cli implements the gridrunner command line. A binary that bundles
// its own test files imports the packages registering them and calls Main
// from its main function; exec spawned workers re-run that same binary.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/browser/playwright"
	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// Version information - set via ldflags during build
var (
	Version   = "0.1.0-dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Driver launches sessions for the orchestrator and attaches workers to them.
type Driver interface {
	browser.Launcher
	browser.Attacher
	Close() error
}

// App is the command line bound to its surroundings. The zero value uses
// the default registry, the process streams and Playwright.
type App struct {
	Registry *testtree.Registry
	Stdout   io.Writer
	Stderr   io.Writer
	// NewDriver builds the session driver. install asks for the driver and
	// browsers to be downloaded first.
	NewDriver func(install bool) Driver
	// Executable is started for exec spawned workers. Empty means the
	// running binary.
	Executable string
}

// Main runs the command line with the default App.
func Main(args []string) int {
	return (&App{}).Main(args)
}

// Main dispatches args to a subcommand and returns the process exit code.
func (a *App) Main(args []string) int {
	a.init()
	if len(args) == 0 {
		a.printHelp()
		return exitCodeUsage
	}
	switch args[0] {
	case "--version", "-v", "version":
		a.printVersion()
		return 0
	case "--help", "-h", "help":
		a.printHelp()
		return 0
	case "run":
		return a.runCommand(a.runRun, args[1:])
	case "worker":
		return a.runCommand(a.runWorker, args[1:])
	case "list":
		return a.runCommand(a.runList, args[1:])
	case "runs":
		return a.runCommand(a.runRuns, args[1:])
	case "serve":
		return a.runCommand(a.runServe, args[1:])
	default:
		fmt.Fprintf(a.Stderr, "Error: unknown command %q\n\n", args[0])
		a.printHelp()
		return exitCodeUsage
	}
}

func (a *App) init() {
	if a.Registry == nil {
		a.Registry = testtree.Default
	}
	if a.Stdout == nil {
		a.Stdout = os.Stdout
	}
	if a.Stderr == nil {
		a.Stderr = os.Stderr
	}
	if a.NewDriver == nil {
		a.NewDriver = a.playwrightDriver
	}
}

func (a *App) playwrightDriver(install bool) Driver {
	return playwright.New(playwright.Options{
		Install: install,
		Verbose: install,
		Stdout:  a.Stdout,
		Stderr:  a.Stderr,
	})
}

func (a *App) runCommand(handler func(context.Context, []string) error, args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := handler(ctx, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(a.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func (a *App) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	return fs
}

func (a *App) printVersion() {
	fmt.Fprintf(a.Stdout, "gridrunner %s\n", Version)
	if Commit != "unknown" {
		fmt.Fprintf(a.Stdout, "  Commit:     %s\n", Commit)
	}
	if BuildDate != "unknown" {
		fmt.Fprintf(a.Stdout, "  Built:      %s\n", BuildDate)
	}
	fmt.Fprintf(a.Stdout, "  Go version: %s\n", runtime.Version())
}

func (a *App) printHelp() {
	fmt.Fprint(a.Stdout, `gridrunner runs registered browser tests across a pool of sessions.

Usage:
  gridrunner <command> [flags]

Commands:
  run       Run the registered tests in every configured browser
  list      Print the tests a run would execute
  runs      Show stored runs and their results
  serve     Serve stored results, metrics and the event stream over HTTP
  worker    Serve tests from the message bus (started by exec spawned runs)
  version   Show version information

Run "gridrunner <command> -h" for the flags of a command.
`)
}

// loadConfig reads path, or the user and project files when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Load()
	}
	return config.LoadFromPath(path)
}

// newLogger opens the JSONL log of runID. The run continues without file
// logs when the directory is not writable.
func (a *App) newLogger(cfg *config.Config, runID string) *logging.Logger {
	logger, err := logging.NewLogger(cfg.System.LogDir, runID)
	if err != nil {
		fmt.Fprintf(a.Stderr, "warning: file logging disabled: %v\n", err)
		return nil
	}
	logger.SetMinLevel(logging.ParseLevel(cfg.System.LogLevel))
	return logger
}

// selectBrowsers checks that every requested browser is configured.
func selectBrowsers(cfg *config.Config, requested []string) ([]string, error) {
	if len(cfg.Browsers) == 0 {
		return nil, usageError(errors.New("no browsers configured"))
	}
	for _, id := range requested {
		if _, ok := cfg.ForBrowser(id); !ok {
			return nil, usageError(fmt.Errorf("browser %q is not configured (configured: %s)",
				id, strings.Join(cfg.BrowserIDs(), ", ")))
		}
	}
	return requested, nil
}

type stringListValue struct {
	target *[]string
}

func (s *stringListValue) String() string {
	if s == nil || s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s *stringListValue) Set(value string) error {
	if s.target == nil {
		return fmt.Errorf("no target slice configured")
	}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		*s.target = append(*s.target, trimmed)
	}
	return nil
}
