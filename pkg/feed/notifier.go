package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/tcmartin/scarfeed/pkg/logging"
)

// Notifier signals that a project has new committed activity. Notifications
// only wake pollers early; the store stays the source of truth, so a lost
// notification delays delivery by at most one poll interval.
type Notifier interface {
	// Notify announces new activity for a project
	Notify(ctx context.Context, projectID string) error

	// Subscribe returns a channel that receives a value after each Notify for
	// the project, and a function that ends the subscription
	Subscribe(ctx context.Context, projectID string) (<-chan struct{}, func())
}

// NopNotifier never wakes anyone up
type NopNotifier struct{}

// Notify does nothing
func (NopNotifier) Notify(context.Context, string) error { return nil }

// Subscribe returns a channel that never fires
func (NopNotifier) Subscribe(context.Context, string) (<-chan struct{}, func()) {
	return nil, func() {}
}

// LocalNotifier fans notifications out within one process
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocalNotifier creates an in-process notifier
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

// Notify wakes every subscriber of projectID
func (n *LocalNotifier) Notify(_ context.Context, projectID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[projectID] {
		wake(ch)
	}
	return nil
}

// Subscribe registers a subscriber for projectID
func (n *LocalNotifier) Subscribe(_ context.Context, projectID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[projectID] == nil {
		n.subs[projectID] = make(map[chan struct{}]struct{})
	}
	n.subs[projectID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[projectID], ch)
			if len(n.subs[projectID]) == 0 {
				delete(n.subs, projectID)
			}
		})
	}
}

// RedisNotifier publishes notifications on a Redis channel per project so
// that pollers in other processes wake up too
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger logging.Logger
}

// NewRedisNotifier creates a notifier on an existing client
func NewRedisNotifier(client *redis.Client, prefix string, logger logging.Logger) *RedisNotifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RedisNotifier{client: client, prefix: prefix, logger: logger}
}

// NewRedisNotifierFromURL connects to the Redis server at url
func NewRedisNotifierFromURL(ctx context.Context, url, prefix string, logger logging.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisNotifier(client, prefix, logger), nil
}

// Channel returns the pub/sub channel used for projectID
func (n *RedisNotifier) Channel(projectID string) string {
	return n.prefix + projectID
}

// Notify publishes on the project channel
func (n *RedisNotifier) Notify(ctx context.Context, projectID string) error {
	if err := n.client.Publish(ctx, n.Channel(projectID), "activity").Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe listens on the project channel. If the subscription cannot be
// established the returned channel never fires and callers fall back to
// plain polling.
func (n *RedisNotifier) Subscribe(ctx context.Context, projectID string) (<-chan struct{}, func()) {
	pubsub := n.client.Subscribe(ctx, n.Channel(projectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		n.logger.Warn("Failed to subscribe to activity notifications",
			logging.F("project_id", projectID), logging.Err(err))
		pubsub.Close()
		return nil, func() {}
	}

	ch := make(chan struct{}, 1)
	messages := pubsub.Channel()
	go func() {
		for range messages {
			wake(ch)
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() { pubsub.Close() })
	}
}

// Close closes the underlying client
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// wake does a non-blocking send; one pending wake-up is enough
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
