package testtree

import (
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/odvcencio/gridrunner/pkg/config"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

// SkipBrowsersEnv lists browsers whose tests are all skipped.
const SkipBrowsersEnv = "GRIDRUNNER_SKIP_BROWSERS"

// Trap adjusts a suite or test right after its file was parsed.
type Trap func(r *Runnable)

var osGetenv = os.Getenv

var commaSep = regexp.MustCompile(`, *`)

// ParseCommaSeparated splits the value of env var name on commas.
func ParseCommaSeparated(getenv func(string) string, name string) []string {
	v := getenv(name)
	if v == "" {
		return nil
	}
	return commaSep.Split(v, -1)
}

// Instructions builds the traps of one browser from cfg.
func Instructions(cfg *config.Config, browserID string) ([]Trap, error) {
	return instructions(cfg, browserID, osGetenv)
}

func instructions(cfg *config.Config, browserID string, getenv func(string) string) ([]Trap, error) {
	bc, ok := cfg.ForBrowser(browserID)
	if !ok {
		return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, "unknown browser").
			WithContext("browser", browserID)
	}

	skip := ParseCommaSeparated(getenv, SkipBrowsersEnv)
	known := cfg.BrowserIDs()
	var unknown []string
	for _, id := range skip {
		if !slices.Contains(known, id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, "unknown browsers in "+SkipBrowsersEnv).
			WithContext("unknown", strings.Join(unknown, ", ")).
			WithContext("known", strings.Join(known, ", "))
	}

	version := bc.Version()
	traps := []Trap{
		func(r *Runnable) {
			r.BrowserID = browserID
			r.BrowserVersion = version
		},
	}
	if bc.TestTimeout > 0 {
		traps = append(traps, func(r *Runnable) {
			if r.Timeout == 0 {
				r.Timeout = bc.TestTimeout
			}
		})
	}
	if slices.Contains(skip, browserID) {
		traps = append(traps, func(r *Runnable) {
			r.Skip("The test was skipped by environment variable " + SkipBrowsersEnv)
		})
	}
	return traps, nil
}
