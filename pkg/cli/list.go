package cli

import (
	"context"
	"fmt"

	"github.com/odvcencio/gridrunner/pkg/terminal"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

func (a *App) runList(ctx context.Context, args []string) error {
	var browsers, files []string
	fs := a.flagSet("list")
	configPath := fs.String("config", "", "config file (default: ~/.gridrunner/config.yaml merged with ./.gridrunner.yaml)")
	fs.Var(&stringListValue{target: &browsers}, "browser", "browser id to list (repeatable, accepts comma-separated list)")
	fs.Var(&stringListValue{target: &files}, "file", "registered test file to list (repeatable, accepts comma-separated list)")
	noColor := fs.Bool("no-color", false, "disable colored output")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *noColor {
		terminal.DisableColor()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	browsers, err = selectBrowsers(cfg, browsers)
	if err != nil {
		return err
	}

	collection, err := testtree.NewReader(cfg, a.Registry, nil).Read(ctx, files, browsers)
	if err != nil {
		return err
	}

	out := terminal.NewWithOutput(a.Stdout)
	for _, id := range collection.Browsers() {
		tests := collection.Tests(id)
		out.Header(fmt.Sprintf("%s (%d)", id, len(tests)))
		for _, t := range tests {
			switch {
			case t.Disabled:
				out.Dim("  %s [disabled]", t.FullTitle())
			case t.Pending:
				reason := t.SkipReason
				if reason == "" {
					reason = "pending"
				}
				out.Dim("  %s [%s]", t.FullTitle(), reason)
			default:
				out.Println("  %s", t.FullTitle())
			}
		}
	}
	return nil
}
