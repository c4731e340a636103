// Package testtree models browser tests as suites of hooks and tests.
//
// Test files register their tree with Register from an init function. The
// orchestrator and the workers parse the same registry, so a test is found
// on either side by its file and full title.
package testtree

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/history"
)

// Fn is a test body or a hook.
type Fn func(ctx context.Context, t *T) error

// Runnable holds what suites and tests share.
type Runnable struct {
	Title          string
	File           string
	BrowserID      string
	BrowserVersion string
	Pending        bool
	SkipReason     string
	Timeout        time.Duration

	skipIn []skipRule
}

type skipRule struct {
	browsers []string
	reason   string
}

// Skip marks the runnable pending with reason.
func (r *Runnable) Skip(reason string) {
	r.Pending = true
	r.SkipReason = reason
}

// SkipIn skips the runnable in the listed browsers.
func (r *Runnable) SkipIn(reason string, browsers ...string) {
	r.skipIn = append(r.skipIn, skipRule{browsers: browsers, reason: reason})
}

func (r *Runnable) applySkipRules() {
	for _, rule := range r.skipIn {
		if slices.Contains(rule.browsers, r.BrowserID) {
			r.Skip(rule.reason)
			return
		}
	}
}

// Hook kinds.
const (
	BeforeAll  = gerrors.HookBeforeAll
	BeforeEach = gerrors.HookBeforeEach
	AfterEach  = gerrors.HookAfterEach
	AfterAll   = gerrors.HookAfterAll
)

// Hook runs around the tests of its suite.
type Hook struct {
	Kind   string
	Fn     Fn
	Parent *Suite
}

// Suite groups tests and nested suites under a title. The root suite of a
// file has an empty title.
type Suite struct {
	Runnable
	Parent *Suite
	Suites []*Suite
	Tests  []*Test

	BeforeAllHooks  []*Hook
	BeforeEachHooks []*Hook
	AfterEachHooks  []*Hook
	AfterAllHooks   []*Hook
}

func newRoot(file string) *Suite {
	return &Suite{Runnable: Runnable{File: file}}
}

// IsRoot reports whether s is the root suite of a file.
func (s *Suite) IsRoot() bool {
	return s.Parent == nil
}

// FullTitle joins the titles from the root down to s.
func (s *Suite) FullTitle() string {
	if s.Parent == nil {
		return s.Title
	}
	return joinTitle(s.Parent.FullTitle(), s.Title)
}

func joinTitle(parent, title string) string {
	return strings.TrimSpace(parent + " " + title)
}

// Describe adds a nested suite built by fn.
func (s *Suite) Describe(title string, fn func(*Suite)) *Suite {
	child := &Suite{Runnable: Runnable{Title: title, File: s.File}, Parent: s}
	s.Suites = append(s.Suites, child)
	if fn != nil {
		fn(child)
	}
	return child
}

// XDescribe adds a nested suite whose tests are all pending.
func (s *Suite) XDescribe(title string, fn func(*Suite)) *Suite {
	child := s.Describe(title, fn)
	child.Pending = true
	return child
}

// It adds a test.
func (s *Suite) It(title string, fn Fn) *Test {
	t := &Test{Runnable: Runnable{Title: title, File: s.File}, Parent: s, Fn: fn}
	s.Tests = append(s.Tests, t)
	return t
}

// XIt adds a pending test.
func (s *Suite) XIt(title string, fn Fn) *Test {
	t := s.It(title, fn)
	t.Pending = true
	return t
}

func (s *Suite) BeforeAll(fn Fn)  { s.BeforeAllHooks = append(s.BeforeAllHooks, s.hook(BeforeAll, fn)) }
func (s *Suite) BeforeEach(fn Fn) { s.BeforeEachHooks = append(s.BeforeEachHooks, s.hook(BeforeEach, fn)) }
func (s *Suite) AfterEach(fn Fn)  { s.AfterEachHooks = append(s.AfterEachHooks, s.hook(AfterEach, fn)) }
func (s *Suite) AfterAll(fn Fn)   { s.AfterAllHooks = append(s.AfterAllHooks, s.hook(AfterAll, fn)) }

func (s *Suite) hook(kind string, fn Fn) *Hook {
	return &Hook{Kind: kind, Fn: fn, Parent: s}
}

// AllTests returns every test under s in declaration order, tests of a
// suite before its nested suites.
func (s *Suite) AllTests() []*Test {
	var out []*Test
	s.walk(nil, func(t *Test) { out = append(out, t) })
	return out
}

// Ancestors returns the suites from s up to the root.
func (s *Suite) Ancestors() []*Suite {
	var out []*Suite
	for cur := s; cur != nil; cur = cur.Parent {
		out = append(out, cur)
	}
	return out
}

func (s *Suite) walk(onSuite func(*Suite), onTest func(*Test)) {
	if onSuite != nil {
		onSuite(s)
	}
	if onTest != nil {
		for _, t := range s.Tests {
			onTest(t)
		}
	}
	for _, child := range s.Suites {
		child.walk(onSuite, onTest)
	}
}

// inheritPending propagates pending suites down to their tests.
func (s *Suite) inheritPending() {
	s.walk(func(suite *Suite) {
		if suite.Parent != nil && suite.Parent.Pending && !suite.Pending {
			suite.Skip(suite.Parent.SkipReason)
		}
		for _, t := range suite.Tests {
			if suite.Pending && !t.Pending {
				t.Skip(suite.SkipReason)
			}
		}
	}, nil)
}

// AssertViewResult records one visual assertion.
type AssertViewResult struct {
	StateName string `json:"stateName"`
	Equal     bool   `json:"equal"`
	ImageSize int    `json:"imageSize,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Test is one test of one browser. The orchestrator runs clones of it, one
// per attempt.
type Test struct {
	Runnable
	Parent *Suite
	Fn     Fn

	// Disabled tests are neither run nor reported.
	Disabled    bool
	RetriesLeft int

	SessionID         string
	Meta              map[string]any
	History           []*history.Node
	AssertViewResults []AssertViewResult
	StartTime         time.Time
	Duration          time.Duration
	Err               error
}

// FullTitle joins the suite titles and the test title.
func (t *Test) FullTitle() string {
	if t.Parent == nil {
		return t.Title
	}
	return joinTitle(t.Parent.FullTitle(), t.Title)
}

// IsSkipped reports whether the test must not run.
func (t *Test) IsSkipped() bool {
	return t.Pending || t.Disabled
}

// Clone returns a fresh attempt of t. Static fields and meta are copied,
// results of previous attempts are not.
func (t *Test) Clone() *Test {
	return &Test{
		Runnable:    t.Runnable,
		Parent:      t.Parent,
		Fn:          t.Fn,
		Disabled:    t.Disabled,
		RetriesLeft: t.RetriesLeft,
		Meta:        maps.Clone(t.Meta),
	}
}

// SetMeta sets a meta key on the test.
func (t *Test) SetMeta(key string, value any) {
	if t.Meta == nil {
		t.Meta = make(map[string]any)
	}
	t.Meta[key] = value
}
