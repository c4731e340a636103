package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id      string
	caps    map[string]any
	opts    map[string]any
	eval    any
	evalErr error
	quits   atomic.Int32
	visited []string
	quitErr error
}

func (s *fakeSession) ID() string                                 { return s.id }
func (s *fakeSession) Capabilities() map[string]any               { return s.caps }
func (s *fakeSession) Options() map[string]any                    { return s.opts }
func (s *fakeSession) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.visited = append(s.visited, url)
	return nil
}

func (s *fakeSession) Evaluate(context.Context, string, any) (any, error) {
	return s.eval, s.evalErr
}

func (s *fakeSession) Quit(context.Context) error {
	s.quits.Add(1)
	return s.quitErr
}

type fakeLauncher struct {
	next []*fakeSession
	err  error
}

func (l *fakeLauncher) Launch(ctx context.Context, req LaunchRequest) (Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	s := l.next[0]
	l.next = l.next[1:]
	return s, nil
}

func TestNewBrowserCopiesSessionData(t *testing.T) {
	s := &fakeSession{
		id:   "s-1",
		caps: map[string]any{"browserName": "chromium"},
		opts: map[string]any{"cdpEndpoint": "http://127.0.0.1:9222"},
	}
	b := New("chrome", "120", s)

	assert.Equal(t, "s-1", b.SessionID)
	assert.Equal(t, "chromium", b.Capabilities["browserName"])
	b.Options["mutated"] = true
	assert.NotContains(t, s.opts, "mutated", "options are copied")

	assert.False(t, b.IsBroken())
	b.ApplyState(State{IsBroken: true})
	assert.True(t, b.IsBroken())
	b.ApplyState(State{})
	assert.False(t, b.IsBroken(), "state is replaced wholesale")

	require.NoError(t, b.Quit(context.Background()))
	assert.Equal(t, int32(1), s.quits.Load())

	var nilBrowser *Browser
	assert.False(t, nilBrowser.IsBroken())
	assert.NoError(t, nilBrowser.Quit(context.Background()))
}

func TestManagerRegistersAndForgets(t *testing.T) {
	ctx := context.Background()
	s1 := &fakeSession{id: "s-1"}
	s2 := &fakeSession{id: "s-2"}
	metrics := NewMetrics()
	m := NewManager(&fakeLauncher{next: []*fakeSession{s1, s2}}, metrics)

	a, err := m.Launch(ctx, LaunchRequest{BrowserID: "chrome"})
	require.NoError(t, err)
	_, err = m.Launch(ctx, LaunchRequest{BrowserID: "chrome"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	attached, err := m.Attach(ctx, AttachRequest{SessionID: "s-1"})
	require.NoError(t, err)
	require.NoError(t, attached.Quit(ctx))
	assert.Equal(t, int32(0), s1.quits.Load(), "attached handles never end the session")
	assert.Equal(t, 2, m.Len())

	require.NoError(t, a.Quit(ctx))
	assert.Equal(t, int32(1), s1.quits.Load())
	assert.ErrorIs(t, a.Quit(ctx), ErrSessionClosed)
	assert.Equal(t, int32(1), s1.quits.Load(), "double quit does not reach the driver")

	_, err = m.Attach(ctx, AttachRequest{SessionID: "s-1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, IsSessionGone(err))

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, int32(1), s2.quits.Load())
	assert.Equal(t, 0, m.Len())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.SessionsCreated)
	assert.Equal(t, int64(2), snap.SessionsClosed)
	assert.Equal(t, int64(0), snap.ActiveSessions)
}

func TestManagerLaunchFailure(t *testing.T) {
	boom := errors.New("grid down")
	metrics := NewMetrics()
	m := NewManager(&fakeLauncher{err: boom}, metrics)

	_, err := m.Launch(context.Background(), LaunchRequest{BrowserID: "firefox"})
	require.ErrorIs(t, err, boom)

	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "firefox", le.BrowserID)
	assert.Equal(t, int64(1), metrics.Snapshot().LaunchFailures)

	var nilManager *Manager
	_, err = nilManager.Launch(context.Background(), LaunchRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestManagerRejectsDuplicateSessionIDs(t *testing.T) {
	s1 := &fakeSession{id: "dup"}
	s2 := &fakeSession{id: "dup"}
	m := NewManager(&fakeLauncher{next: []*fakeSession{s1, s2}}, nil)

	_, err := m.Launch(context.Background(), LaunchRequest{BrowserID: "chrome"})
	require.NoError(t, err)
	_, err = m.Launch(context.Background(), LaunchRequest{BrowserID: "chrome"})
	require.Error(t, err)
	assert.Equal(t, int32(1), s2.quits.Load(), "rejected session is quit")
}

func TestScriptCalibrator(t *testing.T) {
	s := &fakeSession{eval: map[string]any{
		"pixelRatio":     float64(2),
		"viewportWidth":  float64(1280),
		"viewportHeight": float64(720),
	}}
	cal, err := ScriptCalibrator{URL: "about:blank"}.Calibrate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"about:blank"}, s.visited)
	assert.Equal(t, &Calibration{PixelRatio: 2, ViewportWidth: 1280, ViewportHeight: 720, UsePixelRatio: true}, cal)

	s.eval = map[string]any{}
	cal, err = ScriptCalibrator{}.Calibrate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, float64(1), cal.PixelRatio)
	assert.False(t, cal.UsePixelRatio)

	s.eval = "nope"
	_, err = ScriptCalibrator{}.Calibrate(context.Background(), s)
	assert.Error(t, err)

	_, err = ScriptCalibrator{}.Calibrate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
