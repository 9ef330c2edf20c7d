// ABOUTME: In-process pub/sub bus with bounded per-subscriber queues
// ABOUTME: Publish never blocks; a subscriber whose queue is full is disconnected with ErrSlowSubscriber

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/metrics"
)

// DefaultBufferSize is the queue length of each subscriber.
const DefaultBufferSize = 64

var (
	// ErrSlowSubscriber is reported by Subscription.Err when the subscriber
	// was disconnected because its queue overflowed.
	ErrSlowSubscriber = errors.New("subscriber queue overflow")

	// ErrBusClosed is returned by Subscribe after Close and reported by
	// Subscription.Err for subscribers closed with the bus.
	ErrBusClosed = errors.New("event bus closed")
)

// Subscription is one registered consumer.
type Subscription struct {
	id     string
	ch     chan Event
	filter Filter
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Err reports why the channel was closed: ErrSlowSubscriber, ErrBusClosed,
// the subscribe context's error, or nil after Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffer  int
	closed  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBus creates a bus. bufferSize <= 0 uses DefaultBufferSize. Pass nil
// logger for default.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: bufferSize,
		logger: logger.With("component", "events"),
	}
}

// SetMetrics attaches collectors for dropped subscribers.
func (b *Bus) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// Subscribe registers a subscriber receiving events accepted by filter.
// The subscription ends when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	sub := &Subscription{
		id:     uuid.New().String(),
		ch:     make(chan Event, b.buffer),
		filter: filter,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", sub.id)

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub.id, ctx.Err())
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish delivers ev to every matching subscriber without blocking.
// Subscribers whose queue is full are disconnected.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	var overflow []string

	// Sends happen under the read lock so remove (write lock) cannot close a
	// channel mid-send.
	b.mu.RLock()
	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			overflow = append(overflow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflow {
		b.logger.Warn("disconnecting slow subscriber",
			"sub_id", id,
			"event", ev.Type,
			"agent", ev.Agent,
			"task_id", ev.TaskID)
		b.metrics.IncDroppedSubscriber("bus")
		b.remove(id, ErrSlowSubscriber)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.remove(id, nil)
}

func (b *Bus) remove(id string, reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	sub.close(reason)

	b.logger.Debug("subscriber removed", "sub_id", id, "reason", reason)
}

func (s *Subscription) close(reason error) {
	s.mu.Lock()
	s.err = reason
	s.mu.Unlock()
	close(s.ch)
	close(s.done)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber. Later Subscribe calls fail and
// Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close(ErrBusClosed)
		delete(b.subs, id)
	}

	b.logger.Debug("bus closed")
}
