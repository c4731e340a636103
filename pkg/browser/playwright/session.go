package playwright

import (
	"context"
	"sync"

	pw "github.com/playwright-community/playwright-go"

	"github.com/odvcencio/gridrunner/pkg/browser"
)

type session struct {
	id      string
	browser pw.Browser
	page    pw.Page
	caps    map[string]any
	opts    map[string]any

	closeOnce sync.Once
	closeErr  error
}

func (s *session) ID() string                   { return s.id }
func (s *session) Capabilities() map[string]any { return s.caps }
func (s *session) Options() map[string]any      { return s.opts }

// Page exposes the Playwright page for tests that need the full API.
func (s *session) Page() pw.Page { return s.page }

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url)
	return err
}

func (s *session) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if arg == nil {
		return s.page.Evaluate(script)
	}
	return s.page.Evaluate(script, arg)
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.page.Screenshot()
}

// Quit closes the browser. For CDP-attached sessions this only disconnects.
func (s *session) Quit(context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.browser.Close()
	})
	return s.closeErr
}

// PageOf returns the Playwright page behind a session, if it has one.
func PageOf(s browser.Session) (pw.Page, bool) {
	type pager interface{ Page() pw.Page }
	for s != nil {
		if p, ok := s.(pager); ok {
			return p.Page(), true
		}
		u, ok := s.(interface{ Unwrap() browser.Session })
		if !ok {
			return nil, false
		}
		s = u.Unwrap()
	}
	return nil, false
}
