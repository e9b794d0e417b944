// ABOUTME: In-memory topic fan-out for conversation and message events
// ABOUTME: Slow subscribers are evicted instead of blocking publishers or losing events silently

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the channel buffer for each subscriber.
const DefaultBufferSize = 64

// Broadcaster delivers each published event to every subscriber of the
// event's topics. Publish never blocks: a subscriber whose buffer is full is
// unsubscribed and its channel closed, so a consumer that sees its channel
// close without cancelling its context has to resynchronize.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(bufferSize int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers for events on topic. The returned channel is closed
// when ctx is done, on Unsubscribe, on eviction, or on Close.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish delivers event to every subscriber of its topics.
func (b *Broadcaster) Publish(event *Event) {
	type lagger struct{ topic, subID string }
	var evict []lagger

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send. They are non-blocking, so the lock is held briefly.
	b.mu.RLock()
	for _, topic := range event.Topics() {
		for id, ch := range b.subscribers[topic] {
			select {
			case ch <- event:
			default:
				evict = append(evict, lagger{topic, id})
			}
		}
	}
	b.mu.RUnlock()

	for _, l := range evict {
		b.logger.Warn("evicting slow subscriber",
			"topic", l.topic,
			"sub_id", l.subID,
			"event_id", event.ID)
		b.Unsubscribe(l.topic, l.subID)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
