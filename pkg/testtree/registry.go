package testtree

import (
	"slices"
	"sort"
	"sync"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

// Builder declares the tree of one file on its root suite.
type Builder func(root *Suite)

// Registry maps test files to the builders that declare their trees.
type Registry struct {
	mu    sync.RWMutex
	files map[string][]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{files: make(map[string][]Builder)}
}

// Default is the registry Register adds to.
var Default = NewRegistry()

// Register adds a builder for file to the default registry. Call it from an
// init function of the test package.
func Register(file string, b Builder) {
	Default.Register(file, b)
}

// Register adds a builder for file. Several builders of one file extend the
// same root suite in registration order.
func (r *Registry) Register(file string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[file] = append(r.files[file], b)
}

// Files returns the registered files in sorted order.
func (r *Registry) Files() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.files))
	for f := range r.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Has reports whether file is registered.
func (r *Registry) Has(file string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.files[file]
	return ok
}

// Parse builds a fresh tree of file and applies traps to every suite and
// test in it. Skip rules declared with SkipIn are resolved afterwards, so
// they see the browser a trap assigned.
func (r *Registry) Parse(file string, traps ...Trap) (root *Suite, err error) {
	r.mu.RLock()
	builders := slices.Clone(r.files[file])
	r.mu.RUnlock()
	if builders == nil {
		return nil, gerrors.New(gerrors.ErrCodeTestMissing, "test file is not registered").
			WithContext("file", file)
	}

	defer func() {
		if rec := recover(); rec != nil {
			root = nil
			err = gerrors.Newf(gerrors.ErrCodeTestParse, "building tests panicked: %v", rec).
				WithContext("file", file)
		}
	}()

	root = newRoot(file)
	for _, b := range builders {
		b(root)
	}

	root.walk(func(s *Suite) {
		for _, trap := range traps {
			trap(&s.Runnable)
		}
		s.applySkipRules()
	}, func(t *Test) {
		for _, trap := range traps {
			trap(&t.Runnable)
		}
		t.applySkipRules()
	})
	root.inheritPending()
	return root, nil
}
