package runner

import (
	"context"
	"sync"

	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// SuiteMonitor derives suite begin and end events from test events. A suite
// begins before its first test begins and ends after its last test ended,
// counting retried tests as still running.
type SuiteMonitor struct {
	emitter *events.Emitter

	mu       sync.Mutex
	running  map[*testtree.Suite]int
	retrying map[testKey]int
}

// testKey identifies a test across its attempts, which are separate clones.
type testKey struct {
	suite *testtree.Suite
	title string
}

func keyOf(t *testtree.Test) testKey {
	return testKey{suite: t.Parent, title: t.Title}
}

// NewSuiteMonitor creates a monitor emitting on emitter.
func NewSuiteMonitor(emitter *events.Emitter) *SuiteMonitor {
	return &SuiteMonitor{
		emitter:  emitter,
		running:  make(map[*testtree.Suite]int),
		retrying: make(map[testKey]int),
	}
}

// TestBegin must be called before the test's TestBegin is emitted.
func (m *SuiteMonitor) TestBegin(ctx context.Context, t *testtree.Test) error {
	if t == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if key := keyOf(t); m.retrying[key] > 0 {
		m.retrying[key]--
		if m.retrying[key] == 0 {
			delete(m.retrying, key)
		}
		return nil
	}
	return m.add(ctx, t.Parent)
}

// TestRetry keeps the test's suites open for the next attempt.
func (m *SuiteMonitor) TestRetry(ctx context.Context, t *testtree.Test) error {
	if t == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrying[keyOf(t)]++
	return m.add(ctx, t.Parent)
}

// TestFail closes what a retry kept open when the retry never began. It must
// be called after the test's TestFail was emitted.
func (m *SuiteMonitor) TestFail(ctx context.Context, t *testtree.Test) error {
	if t == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyOf(t)
	if m.retrying[key] == 0 {
		return nil
	}
	m.retrying[key]--
	if m.retrying[key] == 0 {
		delete(m.retrying, key)
	}
	return m.remove(ctx, t.Parent)
}

// TestEnd must be called after the test's TestEnd was emitted.
func (m *SuiteMonitor) TestEnd(ctx context.Context, t *testtree.Test) error {
	if t == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(ctx, t.Parent)
}

func (m *SuiteMonitor) add(ctx context.Context, s *testtree.Suite) error {
	if s == nil {
		return nil
	}
	if _, ok := m.running[s]; !ok {
		if err := m.add(ctx, s.Parent); err != nil {
			return err
		}
		if !s.IsRoot() {
			if err := m.emitter.Emit(ctx, events.SuiteBegin, s); err != nil {
				return err
			}
		}
	}
	m.running[s]++
	return nil
}

func (m *SuiteMonitor) remove(ctx context.Context, s *testtree.Suite) error {
	if s == nil {
		return nil
	}
	n, ok := m.running[s]
	if !ok {
		return nil
	}
	if n > 1 {
		m.running[s] = n - 1
		return nil
	}
	delete(m.running, s)
	if !s.IsRoot() {
		if err := m.emitter.Emit(ctx, events.SuiteEnd, s); err != nil {
			return err
		}
	}
	return m.remove(ctx, s.Parent)
}
