package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNoopNotifier(t *testing.T) {
	n := NewNoopNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := JobTopic("job-1")
	ch := n.Subscribe(ctx, topic)
	if ch == nil {
		t.Fatal("Subscribe should return non-nil channel")
	}

	if err := n.Notify(ctx, topic); err != nil {
		t.Fatalf("Notify should not return error: %v", err)
	}

	// Noop channel should never receive
	select {
	case <-ch:
		t.Fatal("NoopNotifier should never send signals")
	case <-time.After(10 * time.Millisecond):
		// expected
	}
}

func TestChannelNotifier_NotifyAndSubscribe(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := JobTopic("job-1")
	ch := n.Subscribe(ctx, topic)
	if ch == nil {
		t.Fatal("Subscribe should return non-nil channel")
	}

	// Notify should deliver to subscriber
	if err := n.Notify(ctx, topic); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-ch:
		// success
	case <-time.After(time.Second):
		t.Fatal("expected signal on subscribe channel")
	}
}

func TestChannelNotifier_TopicsAreIsolated(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobCh := n.Subscribe(ctx, JobTopic("job-1"))
	otherCh := n.Subscribe(ctx, JobTopic("job-2"))
	echoCh := n.Subscribe(ctx, EchoTopic("job-1"))

	// Notify only the first job's topic
	if err := n.Notify(ctx, JobTopic("job-1")); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-jobCh:
		// expected
	case <-time.After(time.Second):
		t.Fatal("expected signal on job-1 channel")
	}

	select {
	case <-otherCh:
		t.Fatal("should not receive signal for a different job")
	case <-time.After(10 * time.Millisecond):
		// expected
	}

	// An echo topic for the same job ID is still a distinct topic.
	select {
	case <-echoCh:
		t.Fatal("should not receive signal on the echo topic")
	case <-time.After(10 * time.Millisecond):
		// expected
	}
}

func TestChannelNotifier_NonBlocking(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := JobTopic("job-1")
	ch := n.Subscribe(ctx, topic)

	// Fill the buffer (capacity 1)
	n.Notify(ctx, topic)

	// Second notify should not block even with full buffer
	done := make(chan struct{})
	go func() {
		n.Notify(ctx, topic)
		close(done)
	}()

	select {
	case <-done:
		// expected: non-blocking
	case <-time.After(time.Second):
		t.Fatal("Notify should not block when subscriber buffer is full")
	}

	// Drain the channel
	<-ch
}

func TestChannelNotifier_ContextCancellation(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	topic := JobTopic("job-1")
	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx, topic)

	cancel()
	// Give the goroutine time to clean up
	time.Sleep(20 * time.Millisecond)

	// After cancellation, notify should not panic
	if err := n.Notify(context.Background(), topic); err != nil {
		t.Fatalf("Notify after subscriber cancellation should not fail: %v", err)
	}

	// Channel should not receive
	select {
	case _, ok := <-ch:
		if ok {
			// May receive one lingering signal; that's acceptable
		}
	case <-time.After(10 * time.Millisecond):
		// expected
	}

	// The topic entry should be dropped once its last waiter is gone.
	n.mu.Lock()
	_, exists := n.subscribers[topic]
	n.mu.Unlock()
	if exists {
		t.Fatal("topic should be removed from the subscriber map after last unsubscribe")
	}
}

func TestChannelNotifier_Close(t *testing.T) {
	n := NewChannelNotifier()

	ctx := context.Background()
	ch := n.Subscribe(ctx, JobTopic("job-1"))

	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Channel should be closed after Close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after Close()")
		}
	case <-time.After(time.Second):
		t.Fatal("channel should have been closed")
	}

	// Double close should not panic
	if err := n.Close(); err != nil {
		t.Fatalf("Double close should not fail: %v", err)
	}
}

func TestChannelNotifier_ConcurrentAccess(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := JobTopic("job-1")
	const goroutines = 10
	var wg sync.WaitGroup

	// Concurrent subscribers
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := n.Subscribe(ctx, topic)
			select {
			case <-ch:
			case <-time.After(time.Second):
			}
		}()
	}

	// Give time for subscribers to register
	time.Sleep(10 * time.Millisecond)

	// Concurrent notifications
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Notify(ctx, topic)
		}()
	}

	wg.Wait()
}
