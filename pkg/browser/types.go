package browser

import (
	"context"
	"maps"
)

// State is the mutable health of a session reported back by whoever used it.
type State struct {
	IsBroken bool `json:"isBroken"`
}

// Browser is one live session of a configured browser type. It is owned by
// exactly one component at a time: a pool while idle, a test unit while
// checked out.
type Browser struct {
	ID           string
	Version      string
	SessionID    string
	Capabilities map[string]any
	// Options are what a worker needs to attach to the same session.
	Options     map[string]any
	Calibration *Calibration
	State       State
	// UseCount counts how many times a pool handed this session out.
	UseCount int
	Driver   Session
}

// New builds a Browser around a launched session.
func New(id, version string, s Session) *Browser {
	b := &Browser{ID: id, Version: version, Driver: s}
	if s != nil {
		b.SessionID = s.ID()
		b.Capabilities = maps.Clone(s.Capabilities())
		b.Options = maps.Clone(s.Options())
	}
	return b
}

// ApplyState replaces the session state wholesale.
func (b *Browser) ApplyState(s State) {
	b.State = s
}

// IsBroken reports whether the session must not be reused.
func (b *Browser) IsBroken() bool {
	return b != nil && b.State.IsBroken
}

// Quit ends the underlying session.
func (b *Browser) Quit(ctx context.Context) error {
	if b == nil || b.Driver == nil {
		return nil
	}
	return b.Driver.Quit(ctx)
}

// Session is the automation handle behind a Browser. Adapters implement it.
type Session interface {
	ID() string
	Capabilities() map[string]any
	Options() map[string]any
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, script string, arg any) (any, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Quit(ctx context.Context) error
}

// LaunchRequest describes a session to start.
type LaunchRequest struct {
	BrowserID           string
	Version             string
	Engine              string
	GridURL             string
	Headless            bool
	DesiredCapabilities map[string]any
}

// Launcher starts new sessions.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Session, error)
}

// AttachRequest identifies an existing session a worker wants to drive.
type AttachRequest struct {
	BrowserID    string
	Version      string
	SessionID    string
	Capabilities map[string]any
	Options      map[string]any
}

// Attacher connects to sessions launched elsewhere.
type Attacher interface {
	Attach(ctx context.Context, req AttachRequest) (Session, error)
}
