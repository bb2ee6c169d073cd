package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivedev/hive/internal/logger"
)

// Topic names. Streams subscribe to exactly one topic.
func CellStatusTopic(workspaceID string) string { return "cell-status:" + workspaceID }
func CellTimingTopic(cellID string) string      { return "cell-timing:" + cellID }
func ServiceTopic(cellID string) string         { return "service:" + cellID }
func TerminalTopic(sessionKey string) string    { return "terminal:" + sessionKey }

// Message is one published event. Payload shape is topic-specific.
type Message struct {
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
	ID        string      `json:"id"`
}

type subscriber struct {
	id          string
	ch          chan Message
	connectedAt time.Time
}

// Bus is a topic-keyed in-process pub/sub. Delivery is best-effort and
// in-order per topic; a slow subscriber is dropped rather than blocking the
// publisher, with a short grace window after connect.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]*subscriber
}

const (
	subscriberBuffer = 256
	connectGrace     = 2 * time.Second
)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[string]*subscriber)}
}

// Subscribe registers a buffered channel on the topic. The returned disposer
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	sub := &subscriber{
		id:          uuid.New().String(),
		ch:          make(chan Message, subscriberBuffer),
		connectedAt: time.Now(),
	}

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*subscriber)
	}
	b.topics[topic][sub.id] = sub
	b.mu.Unlock()

	dispose := func() { b.remove(topic, sub.id) }
	return sub.ch, dispose
}

// Publish delivers the message to every subscriber of the topic without
// blocking. Subscribers whose buffer is full past the grace window are
// removed.
func (b *Bus) Publish(topic, eventType string, payload interface{}) {
	msg := Message{
		Topic:     topic,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}

	b.mu.RLock()
	var toRemove []string
	for id, sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			if time.Since(sub.connectedAt) < connectGrace {
				logger.Debugf("Subscriber %s on %s in grace period, keeping despite full buffer", id, topic)
			} else {
				toRemove = append(toRemove, id)
			}
		}
	}
	b.mu.RUnlock()

	for _, id := range toRemove {
		logger.Warnf("Dropping slow subscriber %s on topic %s", id, topic)
		b.remove(topic, id)
	}
}

func (b *Bus) remove(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	if sub, ok := subs[id]; ok {
		close(sub.ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// SubscriberCount reports how many subscribers a topic currently has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close removes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(b.topics, topic)
	}
}
