package runner

import (
	"sync"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// HookFailures remembers suites whose beforeAll hook failed terminally so
// their remaining tests fail without a session. A nil *HookFailures records
// nothing.
type HookFailures struct {
	mu      sync.RWMutex
	bySuite map[*testtree.Suite]error
}

// NewHookFailures creates an empty registry.
func NewHookFailures() *HookFailures {
	return &HookFailures{bySuite: make(map[*testtree.Suite]error)}
}

// Record stores err for the suite it names when err is a beforeAll failure
// of one of test's ancestors. It reports whether anything was recorded.
func (h *HookFailures) Record(test *testtree.Test, err error) bool {
	if h == nil || test == nil || test.Parent == nil {
		return false
	}
	e, ok := gerrors.As(err)
	if !ok || e.Code != gerrors.ErrCodeHook || e.ContextString("hook") != gerrors.HookBeforeAll {
		return false
	}
	title := e.ContextString("suite")
	for _, s := range test.Parent.Ancestors() {
		if s.FullTitle() != title {
			continue
		}
		h.mu.Lock()
		if _, seen := h.bySuite[s]; !seen {
			h.bySuite[s] = err
		}
		h.mu.Unlock()
		return true
	}
	return false
}

// Lookup returns the recorded failure of the closest failed ancestor.
func (h *HookFailures) Lookup(test *testtree.Test) error {
	if h == nil || test == nil || test.Parent == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range test.Parent.Ancestors() {
		if err, ok := h.bySuite[s]; ok {
			return err
		}
	}
	return nil
}
