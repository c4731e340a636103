package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "test.subject", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, "test.subject", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != "test.subject" {
			t.Errorf("Expected subject 'test.subject', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	// Subscribe to wildcard pattern
	sub, err := bus.Subscribe(ctx, "gridrunner.worker.*", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Publish to matching subjects
	bus.Publish(ctx, "gridrunner.worker.abc", []byte("1"))
	bus.Publish(ctx, "gridrunner.worker.xyz", []byte("2"))
	bus.Publish(ctx, "gridrunner.other.abc", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_WildcardGreaterThan(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	// Subscribe with > wildcard (matches multiple tokens)
	sub, err := bus.Subscribe(ctx, "gridrunner.>", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, "gridrunner.worker.abc", []byte("1"))
	bus.Publish(ctx, "gridrunner.worker.s1.freeBrowser", []byte("2"))
	bus.Publish(ctx, "other.thing", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()

	// Set up responder
	sub, err := bus.Subscribe(ctx, "echo", func(msg *Message) []byte {
		return append([]byte("echo: "), msg.Data...)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Make request
	reply, err := bus.Request(ctx, "echo", []byte("hello"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if string(reply) != "echo: hello" {
		t.Errorf("Expected 'echo: hello', got %q", string(reply))
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()

	// No subscriber, should timeout
	_, err := bus.Request(ctx, "nonexistent", []byte("hello"), 100*time.Millisecond)
	if err != ErrNoResponders {
		t.Errorf("Expected ErrNoResponders, got %v", err)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32

	// Multiple subscribers to same subject
	for i := 0; i < 3; i++ {
		sub, _ := bus.Subscribe(ctx, "fanout", func(msg *Message) []byte {
			count.Add(1)
			return nil
		})
		defer sub.Unsubscribe()
	}

	bus.Publish(ctx, "fanout", []byte("broadcast"))
	time.Sleep(100 * time.Millisecond)

	if count.Load() != 3 {
		t.Errorf("Expected 3 subscribers to receive message, got %d", count.Load())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, _ := bus.Subscribe(ctx, "test", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})

	bus.Publish(ctx, "test", []byte("1"))
	time.Sleep(50 * time.Millisecond)

	sub.Unsubscribe()

	bus.Publish(ctx, "test", []byte("2"))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 message after unsubscribe, got %d", received.Load())
	}
}

func TestMemoryBus_QueueGroupDeliversOnce(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var counts [3]atomic.Int32
	var plain atomic.Int32

	for i := 0; i < 3; i++ {
		i := i
		sub, err := bus.QueueSubscribe(ctx, "gridrunner.worker.runTest", "workers", func(msg *Message) []byte {
			counts[i].Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("QueueSubscribe failed: %v", err)
		}
		defer sub.Unsubscribe()
	}
	sub, _ := bus.Subscribe(ctx, "gridrunner.worker.runTest", func(msg *Message) []byte {
		plain.Add(1)
		return nil
	})
	defer sub.Unsubscribe()

	for i := 0; i < 30; i++ {
		bus.Publish(ctx, "gridrunner.worker.runTest", []byte{byte(i)})
	}
	time.Sleep(100 * time.Millisecond)

	total := int32(0)
	for i := range counts {
		if counts[i].Load() == 0 {
			t.Errorf("queue member %d received nothing", i)
		}
		total += counts[i].Load()
	}
	if total != 30 {
		t.Errorf("Expected 30 queue deliveries, got %d", total)
	}
	if plain.Load() != 30 {
		t.Errorf("Expected plain subscriber to see all 30, got %d", plain.Load())
	}
}

func TestMemoryBus_QueueSubscribeRequiresGroup(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	if _, err := bus.QueueSubscribe(context.Background(), "x", "", func(*Message) []byte { return nil }); err == nil {
		t.Fatal("expected error for empty queue group")
	}
}

func TestMemoryBus_DeferredReply(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	sub, _ := bus.QueueSubscribe(ctx, "slow", "workers", func(msg *Message) []byte {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
			bus.Publish(ctx, msg.ReplyTo, append([]byte("done: "), msg.Data...))
		}()
		return nil
	})
	defer sub.Unsubscribe()

	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		go func(i int) {
			reply, err := bus.Request(ctx, "slow", []byte{'a' + byte(i)}, 0)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- string(reply)
		}(i)
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		select {
		case r := <-results:
			if len(r) != len("done: a") {
				t.Errorf("unexpected reply %q", r)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for replies")
		}
	}
	if time.Since(start) > time.Second {
		t.Error("replies should be produced concurrently")
	}
	wg.Wait()
}

func TestMemoryBus_RequestWaitsOnContextWithoutTimeout(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	sub, _ := bus.Subscribe(context.Background(), "silent", func(msg *Message) []byte { return nil })
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := bus.Request(ctx, "silent", nil, 0)
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	_, err = bus.Request(context.Background(), "silent", nil, 20*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestMemoryBus_NoDropsUnderBurst(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	sub, _ := bus.Subscribe(ctx, "burst", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	defer sub.Unsubscribe()

	for i := 0; i < 2000; i++ {
		bus.Publish(ctx, "burst", nil)
	}

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() < 2000 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if received.Load() != 2000 {
		t.Errorf("Expected 2000 messages, got %d", received.Load())
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo.bar", "foo.bar", true},
		{"foo.bar", "foo.baz", false},
		{"foo.*", "foo.bar", true},
		{"foo.*", "foo.bar.baz", false},
		{"foo.>", "foo.bar", true},
		{"foo.>", "foo.bar.baz", true},
		{"*.bar", "foo.bar", true},
		{"*.bar", "baz.bar", true},
		{"*.bar", "foo.baz", false},
		{"gridrunner.worker.*", "gridrunner.worker.abc", true},
		{"gridrunner.worker.*", "gridrunner.worker", false},
		{"gridrunner.>", "gridrunner.worker.abc.xyz", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			got := matchSubject(tt.pattern, tt.subject)
			if got != tt.want {
				t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	ctx := context.Background()

	if err := bus.Publish(ctx, "test", []byte("data")); err != ErrClosed {
		t.Errorf("Expected ErrClosed on publish, got %v", err)
	}

	if _, err := bus.Subscribe(ctx, "test", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe, got %v", err)
	}

	if _, err := bus.Request(ctx, "test", nil, time.Second); err != ErrClosed {
		t.Errorf("Expected ErrClosed on request, got %v", err)
	}
}
