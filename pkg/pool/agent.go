package pool

import (
	"context"

	"github.com/odvcencio/gridrunner/pkg/browser"
)

// SessionRequest identifies the session a worker should attach to. The
// orchestrator leaves it empty to get any session.
type SessionRequest struct {
	SessionID   string
	SessionCaps map[string]any
	SessionOpts map[string]any
}

// Agent narrows a Provider to one browser id and version.
type Agent struct {
	BrowserID      string
	BrowserVersion string

	provider Provider
}

// NewAgent creates an agent for browserID over provider.
func NewAgent(browserID, browserVersion string, provider Provider) *Agent {
	return &Agent{BrowserID: browserID, BrowserVersion: browserVersion, provider: provider}
}

// GetBrowser acquires a session of the agent's browser.
func (a *Agent) GetBrowser(ctx context.Context, req SessionRequest) (*browser.Browser, error) {
	return a.provider.GetBrowser(ctx, a.BrowserID, GetOptions{
		Version:     a.BrowserVersion,
		SessionID:   req.SessionID,
		SessionCaps: req.SessionCaps,
		SessionOpts: req.SessionOpts,
	})
}

// FreeBrowser releases a session acquired through the agent.
func (a *Agent) FreeBrowser(ctx context.Context, b *browser.Browser) error {
	return a.provider.FreeBrowser(ctx, b, FreeOptions{})
}
