package scheduler

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisWakeNotifier is an optional WakeNotifier backed by Redis pub/sub,
// grounded on the teacher's queue/redis Enqueue/Dequeue wiring: instead
// of the scheduler's own process being the only consumer, any process
// holding a *redis.Client for the same instance can prod every
// scheduler replica's dispatch loop at once, which matters once the
// scheduler runs behind more than one node.
type RedisWakeNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisWakeNotifier(client *redis.Client, channel string) *RedisWakeNotifier {
	if channel == "" {
		channel = "cloudillo:scheduler:wake"
	}
	return &RedisWakeNotifier{client: client, channel: channel}
}

// Notify publishes a wake message. Errors are swallowed to a log line —
// a missed notification only costs the next poll interval of latency,
// never correctness.
func (n *RedisWakeNotifier) Notify(ctx context.Context) {
	if err := n.client.Publish(ctx, n.channel, "1").Err(); err != nil {
		log.WithError(err).Warn("publish scheduler wake")
	}
}

// Subscribe returns a channel that fires once per received pub/sub
// message. The subscription is closed when ctx is cancelled.
func (n *RedisWakeNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	sub := n.client.Subscribe(ctx, n.channel)
	out := make(chan struct{}, 1)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
