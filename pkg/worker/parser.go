package worker

import (
	"context"
	"sync"

	"github.com/odvcencio/gridrunner/pkg/config"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// CachingTestParser parses each (browser, file) pair once per worker.
// Concurrent callers share the parse in flight, and a failed parse is
// remembered like a successful one.
type CachingTestParser struct {
	cfg     *config.Config
	reader  *testtree.Reader
	emitter *events.Emitter

	mu    sync.Mutex
	cache map[string]map[string]*parseEntry
}

type parseEntry struct {
	done  chan struct{}
	tests []*testtree.Test
	err   error
}

// NewCachingTestParser parses from registry. File read events and
// afterTestsRead are emitted on emitter.
func NewCachingTestParser(cfg *config.Config, registry *testtree.Registry, emitter *events.Emitter) *CachingTestParser {
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &CachingTestParser{
		cfg:     cfg,
		reader:  testtree.NewReader(cfg, registry, emitter),
		emitter: emitter,
		cache:   make(map[string]map[string]*parseEntry),
	}
}

// Parse returns the tests of file for browserID.
func (p *CachingTestParser) Parse(ctx context.Context, file, browserID string) ([]*testtree.Test, error) {
	p.mu.Lock()
	byFile, ok := p.cache[browserID]
	if !ok {
		byFile = make(map[string]*parseEntry)
		p.cache[browserID] = byFile
	}
	entry, ok := byFile[file]
	if !ok {
		entry = &parseEntry{done: make(chan struct{})}
		byFile[file] = entry
	}
	p.mu.Unlock()

	if ok {
		select {
		case <-entry.done:
			return entry.tests, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Joined callers share the result, so it must not depend on this caller's ctx.
	entry.tests, entry.err = p.parse(context.WithoutCancel(ctx), file, browserID)
	close(entry.done)
	return entry.tests, entry.err
}

func (p *CachingTestParser) parse(ctx context.Context, file, browserID string) ([]*testtree.Test, error) {
	traps, err := testtree.Instructions(p.cfg, browserID)
	if err != nil {
		return nil, err
	}
	root, err := p.reader.ReadFile(ctx, file, browserID, traps)
	if err != nil {
		return nil, err
	}

	c := testtree.NewCollection()
	c.Add(browserID, root)
	if err := p.emitter.Emit(ctx, events.AfterTestsRead, c); err != nil {
		return nil, err
	}
	return root.AllTests(), nil
}

// Find returns the test of file for browserID with fullTitle.
func (p *CachingTestParser) Find(ctx context.Context, file, browserID, fullTitle string) (*testtree.Test, error) {
	tests, err := p.Parse(ctx, file, browserID)
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		if t.FullTitle() == fullTitle {
			return t, nil
		}
	}
	return nil, gerrors.New(gerrors.ErrCodeTestMissing, "test not found").
		WithContext("file", file).
		WithContext("browser", browserID).
		WithContext("test", fullTitle)
}
