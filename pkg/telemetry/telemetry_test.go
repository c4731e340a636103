package telemetry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	require.NotNil(t, hub)
	assert.NotNil(t, hub.subscribers)
	assert.False(t, hub.closed)
}

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.Publish(Event{Type: EventTestPassed, BrowserID: "chrome", Data: map[string]any{"title": "a"}})

	select {
	case ev := <-ch:
		assert.Equal(t, EventTestPassed, ev.Type)
		assert.Equal(t, "chrome", ev.BrowserID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp filled in")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_UnsubscribeByID(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch1, id1 := hub.SubscribeWithID()
	ch2, id2 := hub.SubscribeWithID()
	require.NotEqual(t, id1, id2)

	hub.Unsubscribe(id2)
	_, ok := <-ch2
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.NotPanics(t, func() { hub.Unsubscribe(id2) })

	hub.Publish(Event{Type: EventTestBegin})
	select {
	case <-ch1:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber should still receive events")
	}
	assert.Equal(t, 1, hub.SubscriberCount())
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	_, unsub := hub.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultSubscriberChannelSize+10; i++ {
			hub.Publish(Event{Type: EventTestEnd})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe()
	hub.Close()
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := hub.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")

	assert.NotPanics(t, func() { hub.Publish(Event{Type: EventTestEnd}) })

	var nilHub *Hub
	assert.NotPanics(t, func() { nilHub.Publish(Event{}) })
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ch, unsub := hub.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				hub.Publish(Event{Type: EventTestBegin})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 100)
}

func TestRecordTest(t *testing.T) {
	before := testutil.ToFloat64(metricTests.WithLabelValues("metrics-test", StatusPassed))
	RecordTest("metrics-test", StatusPassed, 20*time.Millisecond)
	RecordTest("metrics-test", StatusPassed, 0)
	after := testutil.ToFloat64(metricTests.WithLabelValues("metrics-test", StatusPassed))
	assert.Equal(t, before+2, after)
}

func TestSessionGauge(t *testing.T) {
	RecordSessionLaunched("gauge-test", 50*time.Millisecond)
	RecordSessionLaunched("gauge-test", 50*time.Millisecond)
	RecordSessionQuit("gauge-test")
	assert.Equal(t, float64(1), testutil.ToFloat64(metricSessionsActive.WithLabelValues("gauge-test")))

	SetPoolWaiters("gauge-test", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(metricPoolWaiters.WithLabelValues("gauge-test")))
}

func TestTracerProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("gridrunner-test", "dev", &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "test.attempt", AttrBrowserID.String("chrome"))
	require.NotNil(t, ctx)
	EndSpan(span, errors.New("failed"))

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "test.attempt")
	assert.Contains(t, buf.String(), "chrome")
}
