package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Manager tracks the sessions launched in this process. It decorates a
// Launcher so every launched session is registered, and implements Attacher
// for in-process workers by handing out the registered session.
type Manager struct {
	launcher Launcher
	metrics  *Metrics
	sessions map[string]*managedSession
	mu       sync.Mutex
}

// NewManager creates a Manager backed by the provided launcher.
func NewManager(launcher Launcher, metrics *Metrics) *Manager {
	return &Manager{
		launcher: launcher,
		metrics:  metrics,
		sessions: make(map[string]*managedSession),
	}
}

// Launch starts a session and registers it until it is quit.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (Session, error) {
	if m == nil || m.launcher == nil {
		return nil, ErrUnavailable
	}

	start := time.Now()
	sess, err := m.launcher.Launch(ctx, req)
	if err != nil {
		m.metrics.RecordLaunchFailed(req.BrowserID, err)
		return nil, &LaunchError{BrowserID: req.BrowserID, Err: err}
	}
	if sess.ID() == "" {
		_ = sess.Quit(ctx)
		return nil, &LaunchError{BrowserID: req.BrowserID, Err: fmt.Errorf("session id is required")}
	}

	ms := &managedSession{Session: sess, browserID: req.BrowserID, manager: m}

	m.mu.Lock()
	if _, exists := m.sessions[sess.ID()]; exists {
		m.mu.Unlock()
		_ = sess.Quit(ctx)
		return nil, &LaunchError{BrowserID: req.BrowserID, Err: fmt.Errorf("session already exists: %s", sess.ID())}
	}
	m.sessions[sess.ID()] = ms
	m.mu.Unlock()

	m.metrics.RecordSessionCreated(req.BrowserID, sess.ID(), time.Since(start))
	return ms, nil
}

// Attach returns the registered session with the requested id. The returned
// handle does not end the session when quit; only the launching side does.
func (m *Manager) Attach(ctx context.Context, req AttachRequest) (Session, error) {
	sess, ok := m.Get(req.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
	}
	return attachedSession{Session: sess}, nil
}

// Get returns a session by ID.
func (m *Manager) Get(sessionID string) (Session, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess, true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) forget(s *managedSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID()]; ok && cur == s {
		delete(m.sessions, s.ID())
		return true
	}
	return false
}

// Close quits every live session.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]*managedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var lastErr error
	for _, sess := range sessions {
		if err := sess.Quit(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

type managedSession struct {
	Session
	browserID string
	manager   *Manager
}

func (s *managedSession) Quit(ctx context.Context) error {
	if !s.manager.forget(s) {
		return ErrSessionClosed
	}
	err := s.Session.Quit(ctx)
	s.manager.metrics.RecordSessionClosed(s.browserID, s.ID())
	return err
}

// Unwrap returns the launcher's session.
func (s *managedSession) Unwrap() Session {
	return s.Session
}

type attachedSession struct {
	Session
}

func (s attachedSession) Unwrap() Session {
	return s.Session
}

func (attachedSession) Quit(context.Context) error {
	return nil
}
