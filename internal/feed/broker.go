package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// DefaultPollInterval is how often the broker tails the change log when no
// commit hook wakes it.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultBatchSize bounds one change log read.
const DefaultBatchSize = 256

// EventSource is the change log the broker tails. Implemented by
// store.Store.
type EventSource interface {
	ReadEvents(ctx context.Context, after int64, limit int) ([]session.Event, error)
	Head(ctx context.Context) (int64, error)
}

// Broker fans change log entries out to subscriptions.
//
// Thread-safety model:
//   - Subscribe(), Wake(), DropAll(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// Subscriptions receive every entry the broker reads after they register.
// Entries committed before registration may or may not be delivered, so
// consumers re-read current state after subscribing.
type Broker struct {
	src          EventSource
	pollInterval time.Duration
	batchSize    int
	wake         chan struct{}
	ready        chan struct{}

	mu      sync.Mutex
	subs    map[*subscription]struct{}
	stopped bool
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithPollInterval sets the tail interval.
func WithPollInterval(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithBatchSize sets the maximum entries read per query.
func WithBatchSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// NewBroker creates a broker over src. Call Run to start delivery.
func NewBroker(src EventSource, opts ...BrokerOption) *Broker {
	b := &Broker{
		src:          src,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		wake:         make(chan struct{}, 1),
		ready:        make(chan struct{}),
		subs:         make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wake asks the tail loop to read now. Non-blocking; suitable as a store
// commit hook.
func (b *Broker) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Ready is closed once Run has positioned its cursor. Entries committed
// after that point reach every subscription registered before them.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Subscribe registers a subscription. Fails with FEED_DISCONNECTED once
// the broker has stopped.
func (b *Broker) Subscribe(ctx context.Context, f session.FeedFilter) (session.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, &session.Error{Code: session.CodeFeedDisconnected, Message: "feed broker stopped"}
	}

	sub := &subscription{broker: b, filter: f, queue: newEventQueue()}
	b.subs[sub] = struct{}{}
	slog.Debug("feed subscription opened", "session_id", f.SessionID, "subscribers", len(b.subs))
	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// DropAll ends every open subscription with FEED_DISCONNECTED while the
// broker keeps running. New subscriptions are accepted.
func (b *Broker) DropAll() {
	b.closeAll(&session.Error{Code: session.CodeFeedDisconnected, Message: "subscription dropped"})
}

// Run tails the change log until ctx is done. On return every open
// subscription ends with FEED_DISCONNECTED.
func (b *Broker) Run(ctx context.Context) error {
	cursor, err := b.src.Head(ctx)
	if err != nil {
		b.stop()
		return err
	}
	slog.Info("feed broker starting", "cursor", cursor, "poll_interval", b.pollInterval)
	close(b.ready)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("feed broker stopping: context cancelled")
			b.stop()
			return ctx.Err()
		case <-ticker.C:
		case <-b.wake:
		}
		cursor = b.drain(ctx, cursor)
	}
}

// drain reads and fans out every entry after cursor, returning the new
// cursor. Read errors are logged and retried on the next tick.
func (b *Broker) drain(ctx context.Context, cursor int64) int64 {
	for {
		events, err := b.src.ReadEvents(ctx, cursor, b.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("feed read failed", "cursor", cursor, "error", err)
			}
			return cursor
		}
		for _, ev := range events {
			b.publish(ev)
			cursor = ev.Offset
		}
		if len(events) < b.batchSize {
			return cursor
		}
	}
}

func (b *Broker) publish(ev session.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.filter.Matches(ev) {
			sub.queue.Enqueue(ev)
		}
	}
}

func (b *Broker) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.closeAll(&session.Error{Code: session.CodeFeedDisconnected, Message: "feed broker stopped"})
}

func (b *Broker) closeAll(cause error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.queue.Close(cause)
	}
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// subscription is a broker-side session.Subscription.
type subscription struct {
	broker *Broker
	filter session.FeedFilter
	queue  *eventQueue
	once   sync.Once
}

// Next blocks for the next delivery. After the subscription ends, queued
// events are still returned before the end cause.
func (s *subscription) Next(ctx context.Context) (session.Event, error) {
	return s.queue.next(ctx)
}

// Close ends the subscription. Safe to call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		s.queue.Close(&session.Error{Code: session.CodeFeedDisconnected, Message: "subscription closed"})
	})
	return nil
}
