package testtree

import (
	"context"

	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/events"
)

// FileRead is the payload of beforeFileRead and afterFileRead.
type FileRead struct {
	File      string
	BrowserID string
	// Root is set on afterFileRead.
	Root *Suite
}

// Reader parses the configured files for every browser.
type Reader struct {
	cfg      *config.Config
	registry *Registry
	emitter  *events.Emitter
	getenv   func(string) string
}

// NewReader creates a reader over registry announcing reads on emitter.
func NewReader(cfg *config.Config, registry *Registry, emitter *events.Emitter) *Reader {
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Reader{cfg: cfg, registry: registry, emitter: emitter, getenv: osGetenv}
}

// Read parses files for browsers. Empty files read every registered file;
// empty browsers read for every configured browser. afterTestsRead carries
// the resulting collection.
func (r *Reader) Read(ctx context.Context, files, browsers []string) (*Collection, error) {
	if len(files) == 0 {
		files = r.registry.Files()
	}
	if len(browsers) == 0 {
		browsers = r.cfg.BrowserIDs()
	}

	c := NewCollection()
	for _, id := range browsers {
		traps, err := instructions(r.cfg, id, r.getenv)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			root, err := r.ReadFile(ctx, file, id, traps)
			if err != nil {
				return nil, err
			}
			c.Add(id, root)
		}
	}

	if err := r.emitter.Emit(ctx, events.AfterTestsRead, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadFile parses one file for one browser between beforeFileRead and
// afterFileRead.
func (r *Reader) ReadFile(ctx context.Context, file, browserID string, traps []Trap) (*Suite, error) {
	if err := r.emitter.Emit(ctx, events.BeforeFileRead, FileRead{File: file, BrowserID: browserID}); err != nil {
		return nil, err
	}
	root, err := r.registry.Parse(file, traps...)
	if err != nil {
		return nil, err
	}
	if err := r.emitter.Emit(ctx, events.AfterFileRead, FileRead{File: file, BrowserID: browserID, Root: root}); err != nil {
		return nil, err
	}
	return root, nil
}
