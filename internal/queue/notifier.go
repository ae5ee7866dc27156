// Package queue provides a push-based wakeup layer for long-poll waiters.
// Instead of relying solely on database polling (which adds up to a full
// poll interval of latency per result), waiters subscribe to a per-job
// topic and wake up immediately when the dispatcher appends a result.
//
// Implementations:
//   - NoopNotifier: never signals; waiters rely purely on their poll ticker
//   - ChannelNotifier: in-process channels, suitable for single-instance deployments
//   - RedisNotifier: Redis PUBLISH/SUBSCRIBE, for multi-instance deployments
//
// When a result is appended, the producer calls Notify(). Subscribed
// waiters receive the signal and immediately re-read the result set,
// reducing wakeup latency from the poll interval to near-zero.
package queue

import (
	"context"
	"sync"
)

// Topic identifies a wakeup channel. Topics are ephemeral: one exists per
// in-flight job, and subscriptions are dropped when the waiter's context
// ends.
type Topic string

// JobTopic is the wakeup topic for an availability job's result stream.
func JobTopic(jobID string) Topic { return Topic("job:" + jobID) }

// EchoTopic is the wakeup topic for an echo job's result stream.
func EchoTopic(jobID string) Topic { return Topic("echo:" + jobID) }

// Notifier provides push-based wakeups for long-poll waiters.
// It complements (not replaces) the database-backed result store:
// a missed signal costs one poll interval, never a lost result.
type Notifier interface {
	// Notify signals that new results are available on the given topic.
	Notify(ctx context.Context, topic Topic) error

	// Subscribe returns a channel that receives a signal when new results
	// are available on the given topic. The channel is closed when the
	// context is cancelled or Close is called.
	Subscribe(ctx context.Context, topic Topic) <-chan struct{}

	// Close releases all resources held by the notifier.
	Close() error
}

// NoopNotifier is a no-op implementation that never signals.
// Waiters fall back to pure polling when this notifier is used.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(_ context.Context, _ Topic) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context, _ Topic) <-chan struct{} {
	// Return a channel that is never written to; waiters rely on their ticker.
	// The channel is closed when the context is cancelled to prevent goroutine leaks.
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is an in-process, channel-based notifier suitable for
// single-instance deployments. It provides near-zero latency wakeups
// without requiring external infrastructure like Redis.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers map[Topic][]chan struct{}
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{
		subscribers: make(map[Topic][]chan struct{}),
	}
}

func (n *ChannelNotifier) Notify(_ context.Context, topic Topic) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subscribers[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// Non-blocking: subscriber already has a pending signal
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers[topic] = append(n.subscribers[topic], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subscribers[topic]
		for i, s := range subs {
			if s == ch {
				n.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		// Topics are per-job; drop the key once the last waiter leaves so
		// the map does not grow with job churn.
		if len(n.subscribers[topic]) == 0 {
			delete(n.subscribers, topic)
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subscribers = nil
	return nil
}
