package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_OrderAndStopOnError(t *testing.T) {
	e := NewEmitter()
	ctx := context.Background()

	var calls []string
	boom := errors.New("boom")
	e.On(TestBegin, func(ctx context.Context, data any) error {
		calls = append(calls, "first")
		return nil
	})
	e.On(TestBegin, func(ctx context.Context, data any) error {
		calls = append(calls, "second")
		return boom
	})
	e.On(TestBegin, func(ctx context.Context, data any) error {
		calls = append(calls, "third")
		return nil
	})

	err := e.Emit(ctx, TestBegin, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestEmit_NoListeners(t *testing.T) {
	var e Emitter
	assert.NoError(t, e.Emit(context.Background(), TestPass, "x"))
	assert.NoError(t, e.EmitAndWait(context.Background(), RunnerEnd, "x"))
}

func TestOnce(t *testing.T) {
	e := NewEmitter()
	var n atomic.Int32
	e.Once(SessionStart, func(ctx context.Context, data any) error {
		n.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.EmitAndWait(context.Background(), SessionStart, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), n.Load())
	assert.Equal(t, 0, e.ListenerCount(SessionStart))
}

func TestUnsubscribe(t *testing.T) {
	e := NewEmitter()
	var n int
	off := e.On(Info, func(ctx context.Context, data any) error {
		n++
		return nil
	})

	require.NoError(t, e.Emit(context.Background(), Info, nil))
	off()
	off()
	require.NoError(t, e.Emit(context.Background(), Info, nil))
	assert.Equal(t, 1, n)
}

func TestEmitAndWait_RunsAllAndWaits(t *testing.T) {
	e := NewEmitter()
	var done atomic.Int32
	boom := errors.New("listener failed")

	for i := 0; i < 3; i++ {
		e.On(RunnerEnd, func(ctx context.Context, data any) error {
			time.Sleep(30 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}
	e.On(RunnerEnd, func(ctx context.Context, data any) error {
		return boom
	})

	start := time.Now()
	err := e.EmitAndWait(context.Background(), RunnerEnd, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), done.Load(), "every listener settles before return")
	assert.Less(t, time.Since(start), 80*time.Millisecond, "listeners run concurrently")
}

func TestPassthrough(t *testing.T) {
	child := NewEmitter()
	parent := NewEmitter()

	off := Passthrough(child, parent, []Event{TestPass, SessionStart}, func(ev Event, data any) any {
		return map[string]any{"browserId": "chrome", "data": data}
	})

	var got []any
	var mu sync.Mutex
	parent.On(TestPass, func(ctx context.Context, data any) error {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
		return nil
	})
	awaited := errors.New("awaited")
	parent.On(SessionStart, func(ctx context.Context, data any) error {
		return awaited
	})

	require.NoError(t, child.Emit(context.Background(), TestPass, "t1"))
	require.ErrorIs(t, child.EmitAndWait(context.Background(), SessionStart, nil), awaited)
	require.NoError(t, child.Emit(context.Background(), TestFail, "ignored"))

	off()
	require.NoError(t, child.Emit(context.Background(), TestPass, "t2"))

	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"browserId": "chrome", "data": "t1"}, got[0])
}

func TestIsAsync(t *testing.T) {
	for _, ev := range []Event{Init, RunnerStart, RunnerEnd, BeforeEndRunner, SessionStart, SessionEnd, Begin, Exit} {
		assert.True(t, IsAsync(ev), ev)
	}
	for _, ev := range TestEvents {
		assert.False(t, IsAsync(ev), ev)
	}
	assert.Len(t, All, 23)
}
