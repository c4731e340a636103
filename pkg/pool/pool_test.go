package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/config"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/events"
)

type stubSession struct {
	id    string
	quits atomic.Int32
}

func (s *stubSession) ID() string                                         { return s.id }
func (s *stubSession) Capabilities() map[string]any                       { return map[string]any{"browserName": "chrome"} }
func (s *stubSession) Options() map[string]any                            { return nil }
func (s *stubSession) Navigate(context.Context, string) error             { return nil }
func (s *stubSession) Evaluate(context.Context, string, any) (any, error) { return nil, nil }
func (s *stubSession) Screenshot(context.Context) ([]byte, error)         { return nil, nil }
func (s *stubSession) Quit(context.Context) error {
	s.quits.Add(1)
	return nil
}

// stubPool records calls and tracks how many sessions are out at once.
type stubPool struct {
	mu        sync.Mutex
	getErr    error
	seq       int
	active    int
	maxActive int
	frees     []FreeOptions
	cancelled bool
}

func (p *stubPool) GetBrowser(_ context.Context, id string, opts GetOptions) (*browser.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	p.seq++
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	return browser.New(id, opts.Version, &stubSession{id: fmt.Sprintf("s%d", p.seq)}), nil
}

func (p *stubPool) FreeBrowser(_ context.Context, _ *browser.Browser, opts FreeOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.frees = append(p.frees, opts)
	return nil
}

func (p *stubPool) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
}

func (p *stubPool) lastFree() FreeOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frees[len(p.frees)-1]
}

func testConfig(sessions, testsPerSession int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Defaults.SessionsPerBrowser = sessions
	cfg.Defaults.TestsPerSession = testsPerSession
	cfg.Browsers = map[string]config.BrowserOverride{
		"chrome":  {},
		"firefox": {},
	}
	return cfg
}

func sessionLauncher(ctrl *gomock.Controller) (*MockLauncher, *[]*stubSession) {
	var (
		mu       sync.Mutex
		sessions []*stubSession
	)
	launcher := NewMockLauncher(ctrl)
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req browser.LaunchRequest) (browser.Session, error) {
			mu.Lock()
			defer mu.Unlock()
			s := &stubSession{id: fmt.Sprintf("%s-%d", req.BrowserID, len(sessions)+1)}
			sessions = append(sessions, s)
			return s, nil
		}).AnyTimes()
	return launcher, &sessions
}

func TestBasicPool_LaunchesAndAnnouncesSessions(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, sessions := sessionLauncher(ctrl)

	emitter := events.NewEmitter()
	var seen []string
	emitter.On(events.SessionStart, func(_ context.Context, data any) error {
		seen = append(seen, "start:"+data.(SessionInfo).SessionID)
		return nil
	})
	emitter.On(events.SessionEnd, func(_ context.Context, data any) error {
		seen = append(seen, "end:"+data.(SessionInfo).SessionID)
		return errors.New("listener failure is only logged")
	})

	p := NewBasicPool(testConfig(1, 0), launcher, emitter)
	b, err := p.GetBrowser(context.Background(), "chrome", GetOptions{Version: "120"})
	require.NoError(t, err)
	assert.Equal(t, "chrome", b.ID)
	assert.Equal(t, "120", b.Version)
	assert.Equal(t, "chrome-1", b.SessionID)

	require.NoError(t, p.FreeBrowser(context.Background(), b, FreeOptions{}))
	assert.Equal(t, []string{"start:chrome-1", "end:chrome-1"}, seen)
	assert.Equal(t, int32(1), (*sessions)[0].quits.Load())
}

func TestBasicPool_LaunchFailureIsAcquisitionError(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := NewMockLauncher(ctrl)
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(nil, errors.New("grid unreachable"))

	p := NewBasicPool(testConfig(1, 0), launcher, nil)
	_, err := p.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.Error(t, err)
	assert.True(t, gerrors.IsCode(err, gerrors.ErrCodeAcquisition))
	assert.Contains(t, err.Error(), "grid unreachable")
}

func TestBasicPool_UnknownBrowser(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := NewBasicPool(testConfig(1, 0), NewMockLauncher(ctrl), nil)

	_, err := p.GetBrowser(context.Background(), "opera", GetOptions{})
	assert.True(t, gerrors.IsCode(err, gerrors.ErrCodeAcquisition))
}

func TestBasicPool_CancelDuringStartQuitsSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, sessions := sessionLauncher(ctrl)

	emitter := events.NewEmitter()
	p := NewBasicPool(testConfig(1, 0), launcher, emitter)
	emitter.On(events.SessionStart, func(context.Context, any) error {
		p.Cancel()
		return nil
	})

	_, err := p.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(1), (*sessions)[0].quits.Load())

	_, err = p.GetBrowser(context.Background(), "chrome", GetOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestBasicPool_StartListenerFailureQuitsSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, sessions := sessionLauncher(ctrl)

	emitter := events.NewEmitter()
	emitter.On(events.SessionStart, func(context.Context, any) error {
		return errors.New("no thanks")
	})

	p := NewBasicPool(testConfig(1, 0), launcher, emitter)
	_, err := p.GetBrowser(context.Background(), "chrome", GetOptions{})
	assert.True(t, gerrors.IsCode(err, gerrors.ErrCodeAcquisition))
	assert.Equal(t, int32(1), (*sessions)[0].quits.Load())
}

func TestLimitedPool_WaitersServedInArrivalOrder(t *testing.T) {
	inner := &stubPool{}
	lp := NewLimitedPool("chrome", 1, inner)
	ctx := context.Background()

	first, err := lp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)

	order := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		go func() {
			b, err := lp.GetBrowser(ctx, "chrome", GetOptions{})
			if err != nil {
				order <- -i
				return
			}
			order <- i
			_ = lp.FreeBrowser(ctx, b, FreeOptions{})
		}()
		require.Eventually(t, func() bool { return lp.Waiting() == i }, time.Second, time.Millisecond)
	}

	require.NoError(t, lp.FreeBrowser(ctx, first, FreeOptions{}))
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)

	require.Eventually(t, func() bool { return lp.Launched() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, inner.maxActive)
}

func TestLimitedPool_ForceOnlyWhenNobodyWaits(t *testing.T) {
	inner := &stubPool{}
	lp := NewLimitedPool("chrome", 1, inner)
	ctx := context.Background()

	b, err := lp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)

	got := make(chan *browser.Browser, 1)
	go func() {
		b, _ := lp.GetBrowser(ctx, "chrome", GetOptions{})
		got <- b
	}()
	require.Eventually(t, func() bool { return lp.Waiting() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, lp.FreeBrowser(ctx, b, FreeOptions{}))
	assert.False(t, inner.lastFree().Force, "a waiter can reuse the session")

	second := <-got
	require.NotNil(t, second)
	require.NoError(t, lp.FreeBrowser(ctx, second, FreeOptions{}))
	assert.True(t, inner.lastFree().Force, "empty queue forces the session to end")
}

func TestLimitedPool_AbandonedWaiterLeavesQueue(t *testing.T) {
	inner := &stubPool{}
	lp := NewLimitedPool("chrome", 1, inner)

	b, err := lp.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := lp.GetBrowser(ctx, "chrome", GetOptions{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return lp.Waiting() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, lp.Waiting())

	require.NoError(t, lp.FreeBrowser(context.Background(), b, FreeOptions{}))
	assert.Equal(t, 0, lp.Launched())

	_, err = lp.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, lp.Launched())
}

func TestLimitedPool_FailedLaunchReleasesPermit(t *testing.T) {
	inner := &stubPool{getErr: errors.New("boom")}
	lp := NewLimitedPool("chrome", 1, inner)

	_, err := lp.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, lp.Launched())

	inner.mu.Lock()
	inner.getErr = nil
	inner.mu.Unlock()

	_, err = lp.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.NoError(t, err)
}

func TestLimitedPool_CancelRejectsWaiters(t *testing.T) {
	inner := &stubPool{}
	lp := NewLimitedPool("chrome", 1, inner)

	_, err := lp.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := lp.GetBrowser(context.Background(), "chrome", GetOptions{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return lp.Waiting() == 1 }, time.Second, time.Millisecond)

	lp.Cancel()
	err = <-errCh
	assert.ErrorIs(t, err, ErrCancelled)
	var ce *CancelledError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "chrome", ce.BrowserID)
	assert.True(t, inner.cancelled)

	_, err = lp.GetBrowser(context.Background(), "chrome", GetOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCachingPool_ReusesUpToTestsPerSession(t *testing.T) {
	inner := &stubPool{}
	cp := NewCachingPool(testConfig(1, 2), inner)
	ctx := context.Background()

	b, err := cp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, cp.FreeBrowser(ctx, b, FreeOptions{}))
	assert.Equal(t, 1, cp.Idle("chrome"))

	again, err := cp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.Equal(t, 2, again.UseCount)

	require.NoError(t, cp.FreeBrowser(ctx, again, FreeOptions{}))
	assert.Equal(t, 0, cp.Idle("chrome"), "session reached its test budget")
	assert.Len(t, inner.frees, 1)
}

func TestCachingPool_DropsBrokenAndForced(t *testing.T) {
	inner := &stubPool{}
	cp := NewCachingPool(testConfig(1, 0), inner)
	ctx := context.Background()

	broken, err := cp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	broken.ApplyState(browser.State{IsBroken: true})
	require.NoError(t, cp.FreeBrowser(ctx, broken, FreeOptions{}))

	forced, err := cp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, cp.FreeBrowser(ctx, forced, FreeOptions{Force: true}))

	assert.Equal(t, 0, cp.Idle("chrome"))
	assert.Len(t, inner.frees, 2)
}

func TestCachingPool_KeysByVersion(t *testing.T) {
	inner := &stubPool{}
	cp := NewCachingPool(testConfig(1, 0), inner)
	ctx := context.Background()

	b, err := cp.GetBrowser(ctx, "chrome", GetOptions{Version: "119"})
	require.NoError(t, err)
	require.NoError(t, cp.FreeBrowser(ctx, b, FreeOptions{}))

	other, err := cp.GetBrowser(ctx, "chrome", GetOptions{Version: "120"})
	require.NoError(t, err)
	assert.NotSame(t, b, other)
	assert.Equal(t, 1, cp.Idle("chrome"))
}

func TestCachingPool_CancelEndsIdleSessions(t *testing.T) {
	inner := &stubPool{}
	cp := NewCachingPool(testConfig(1, 0), inner)
	ctx := context.Background()

	b, err := cp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, cp.FreeBrowser(ctx, b, FreeOptions{}))

	cp.Cancel()
	assert.Equal(t, 0, cp.Idle("chrome"))
	assert.Equal(t, []FreeOptions{{Force: true}}, inner.frees)
	assert.True(t, inner.cancelled)
}

func TestBrowserPool_ReusesSessionForWaiter(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, sessions := sessionLauncher(ctrl)

	p := New(context.Background(), testConfig(1, 0), launcher, nil)
	defer p.Close()
	ctx := context.Background()

	first, err := p.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)

	got := make(chan *browser.Browser, 1)
	go func() {
		b, _ := p.GetBrowser(ctx, "chrome", GetOptions{})
		got <- b
	}()
	lp, ok := p.Limited("chrome")
	require.True(t, ok)
	require.Eventually(t, func() bool { return lp.Waiting() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.FreeBrowser(ctx, first, FreeOptions{}))
	second := <-got
	assert.Same(t, first, second)

	require.NoError(t, p.FreeBrowser(ctx, second, FreeOptions{}))
	require.Len(t, *sessions, 1)
	assert.Equal(t, int32(1), (*sessions)[0].quits.Load())
}

func TestBrowserPool_BrowsersHaveSeparateLimits(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, _ := sessionLauncher(ctrl)

	p := New(context.Background(), testConfig(1, 0), launcher, nil)
	defer p.Close()

	_, err := p.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.GetBrowser(ctx, "firefox", GetOptions{})
	require.NoError(t, err)
}

func TestBrowserPool_UnknownBrowser(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := New(context.Background(), testConfig(1, 0), NewMockLauncher(ctrl), nil)
	defer p.Close()

	_, err := p.GetBrowser(context.Background(), "opera", GetOptions{})
	assert.True(t, gerrors.IsCode(err, gerrors.ErrCodeAcquisition))
}

func TestBrowserPool_ContextCancelTerminates(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, _ := sessionLauncher(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, testConfig(1, 0), launcher, nil)

	held, err := p.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.GetBrowser(context.Background(), "chrome", GetOptions{})
		waitErr <- err
	}()
	lp, _ := p.Limited("chrome")
	require.Eventually(t, func() bool { return lp.Waiting() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-waitErr, ErrCancelled)

	_, err = p.GetBrowser(context.Background(), "chrome", GetOptions{})
	assert.ErrorIs(t, err, ErrPoolTerminated)
	assert.ErrorIs(t, err, ErrCancelled)

	// Checked-out sessions are still released normally.
	require.NoError(t, p.FreeBrowser(context.Background(), held, FreeOptions{}))
	assert.Equal(t, 0, lp.Launched())
}

func TestBrowserPool_DoubleFreeIsNoOp(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, sessions := sessionLauncher(ctrl)

	p := New(context.Background(), testConfig(1, 0), launcher, nil)
	defer p.Close()
	ctx := context.Background()
	lp, _ := p.Limited("chrome")

	a, err := p.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, p.FreeBrowser(ctx, a, FreeOptions{}))
	require.NoError(t, p.FreeBrowser(ctx, a, FreeOptions{}))
	require.Len(t, *sessions, 1)
	assert.Equal(t, int32(1), (*sessions)[0].quits.Load())

	b, err := p.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, p.FreeBrowser(ctx, a, FreeOptions{}))
	assert.Equal(t, 1, lp.Launched(), "a stale free must not return the permit held by b")

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.GetBrowser(short, "chrome", GetOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, p.FreeBrowser(ctx, b, FreeOptions{}))
	assert.Equal(t, 0, lp.Launched())
}

func TestCachingPool_DoubleFreeCachesOnce(t *testing.T) {
	inner := &stubPool{}
	cp := NewCachingPool(testConfig(1, 0), inner)
	ctx := context.Background()

	b, err := cp.GetBrowser(ctx, "chrome", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, cp.FreeBrowser(ctx, b, FreeOptions{}))
	require.NoError(t, cp.FreeBrowser(ctx, b, FreeOptions{}))
	require.NoError(t, cp.FreeBrowser(ctx, b, FreeOptions{Force: true}))

	assert.Equal(t, 1, cp.Idle("chrome"))
	assert.Empty(t, inner.frees)
}

func TestBasicPool_DoubleFreeQuitsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher, sessions := sessionLauncher(ctrl)

	emitter := events.NewEmitter()
	var ends atomic.Int32
	emitter.On(events.SessionEnd, func(context.Context, any) error {
		ends.Add(1)
		return nil
	})

	p := NewBasicPool(testConfig(1, 0), launcher, emitter)
	b, err := p.GetBrowser(context.Background(), "chrome", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, p.FreeBrowser(context.Background(), b, FreeOptions{}))
	require.NoError(t, p.FreeBrowser(context.Background(), b, FreeOptions{}))

	assert.Equal(t, int32(1), (*sessions)[0].quits.Load())
	assert.Equal(t, int32(1), ends.Load())
}

func TestAgent_NarrowsProvider(t *testing.T) {
	inner := &stubPool{}
	agent := NewAgent("firefox", "115", inner)

	b, err := agent.GetBrowser(context.Background(), SessionRequest{SessionID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "firefox", b.ID)
	assert.Equal(t, "115", b.Version)

	require.NoError(t, agent.FreeBrowser(context.Background(), b))
	assert.Equal(t, []FreeOptions{{}}, inner.frees)
}
