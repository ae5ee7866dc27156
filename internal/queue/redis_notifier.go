package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "caravel:wakeup:"

// RedisNotifier is a distributed, Redis-backed notifier that uses
// PUBLISH/SUBSCRIBE to broadcast result wakeups across multiple broker
// instances. This enables horizontal scaling: a waiter long-polling one
// node is woken immediately when the dispatcher on another node appends
// a result for its job.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[Topic][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewRedisNotifier creates a new Redis-backed notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		subs:   make(map[Topic][]*redisSub),
	}
}

// Notify publishes a signal to the Redis channel for the given topic.
// All broker instances with a waiter on the topic receive it.
func (n *RedisNotifier) Notify(ctx context.Context, topic Topic) error {
	channel := redisChannelPrefix + string(topic)
	return n.client.Publish(ctx, channel, "1").Err()
}

// Subscribe returns a channel that receives signals when new results are
// available on the given topic. A background goroutine listens on the
// Redis PubSub channel and forwards signals to the returned channel.
func (n *RedisNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}

	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[topic] = append(n.subs[topic], rs)
	n.mu.Unlock()

	channel := redisChannelPrefix + string(topic)
	pubsub := n.client.Subscribe(subCtx, channel)

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(topic, rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
					// Non-blocking: subscriber already has a pending signal
				}
			}
		}
	}()

	return ch
}

// Close releases all resources held by the notifier, closing all
// subscriber channels and cancelling background goroutines.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			close(s.ch)
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(topic Topic, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[topic]
	for i, s := range subs {
		if s == target {
			n.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(n.subs[topic]) == 0 {
		delete(n.subs, topic)
	}
}
