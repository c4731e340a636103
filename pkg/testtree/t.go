package testtree

import (
	"context"
	"maps"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/history"
)

// Comparator checks a screenshot against the reference of a state.
type Comparator interface {
	Compare(ctx context.Context, browserID, state string, image []byte) (bool, error)
}

// T is handed to hooks and test bodies. It exposes the session of the
// current attempt and collects meta, history and visual assertions.
type T struct {
	Browser *browser.Browser
	Test    *Test

	history     *history.Callstack
	comparator  Comparator
	meta        map[string]any
	assertViews []AssertViewResult
}

// NewT creates the context of one attempt of test on b. cmp may be nil, in
// which case every assertView passes once the screenshot is taken.
func NewT(b *browser.Browser, test *Test, cmp Comparator) *T {
	return &T{
		Browser:    b,
		Test:       test,
		history:    history.NewCallstack(),
		comparator: cmp,
		meta:       maps.Clone(test.Meta),
	}
}

// Session returns the automation handle of the attempt.
func (t *T) Session() browser.Session {
	return t.Browser.Driver
}

// SetMeta records a meta key reported with the result.
func (t *T) SetMeta(key string, value any) {
	if t.meta == nil {
		t.meta = make(map[string]any)
	}
	t.meta[key] = value
}

// GetMeta returns a meta key.
func (t *T) GetMeta(key string) any {
	return t.meta[key]
}

// Step runs fn as a named entry of the command history.
func (t *T) Step(name string, fn func() error, args ...any) error {
	h := t.history.Enter(name, args...)
	defer t.history.Leave(h)
	if err := fn(); err != nil {
		t.history.Fail(h)
		return err
	}
	return nil
}

// Navigate opens url in the session.
func (t *T) Navigate(ctx context.Context, url string) error {
	return t.Step("url", func() error {
		return t.Session().Navigate(ctx, url)
	}, url)
}

// Evaluate runs script in the page.
func (t *T) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	var out any
	err := t.Step("execute", func() error {
		var err error
		out, err = t.Session().Evaluate(ctx, script, arg)
		return err
	})
	return out, err
}

// AssertView screenshots the page as state. The comparison outcome is
// recorded; only a failure to take or compare the screenshot is returned.
func (t *T) AssertView(ctx context.Context, state string) error {
	return t.Step("assertView", func() error {
		img, err := t.Session().Screenshot(ctx)
		if err != nil {
			t.assertViews = append(t.assertViews, AssertViewResult{StateName: state, Error: err.Error()})
			return err
		}
		res := AssertViewResult{StateName: state, Equal: true, ImageSize: len(img)}
		if t.comparator != nil {
			equal, err := t.comparator.Compare(ctx, t.Browser.ID, state, img)
			if err != nil {
				res.Equal = false
				res.Error = err.Error()
				t.assertViews = append(t.assertViews, res)
				return err
			}
			res.Equal = equal
		}
		t.assertViews = append(t.assertViews, res)
		return nil
	}, state)
}

// MarkBroken keeps the session from being reused after this attempt.
func (t *T) MarkBroken() {
	t.Browser.ApplyState(browser.State{IsBroken: true})
}

// Meta returns the meta collected so far.
func (t *T) Meta() map[string]any {
	return t.meta
}

// History flushes the recorded command history.
func (t *T) History() []*history.Node {
	return t.history.Flush()
}

// AssertViewResults returns the visual assertions made so far.
func (t *T) AssertViewResults() []AssertViewResult {
	return t.assertViews
}
