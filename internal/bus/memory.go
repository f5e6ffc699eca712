package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and `engram watch` sessions.
// It mirrors the consumer-group contract: each (topic, group) pair sees
// every message once, competing consumers within a group share the stream.
type MemoryBus struct {
	mu     sync.Mutex
	groups map[string]chan *Message // topic \x00 group -> queue
	topics map[string][]string      // topic -> groups
	seq    int
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		groups: make(map[string]chan *Message),
		topics: make(map[string][]string),
	}
}

func groupKey(topic, group string) string { return topic + "\x00" + group }

func (b *MemoryBus) ensureGroup(topic, group string) chan *Message {
	key := groupKey(topic, group)
	ch, ok := b.groups[key]
	if !ok {
		ch = make(chan *Message, 1024)
		b.groups[key] = ch
		b.topics[topic] = append(b.topics[topic], group)
	}
	return ch
}

// Publish fans the payload out to every group registered on the topic.
// Messages published before any group exists are dropped, matching a stream
// with no consumer group created yet.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus: closed")
	}
	b.seq++
	msg := &Message{ID: strconv.Itoa(b.seq), Topic: topic, Payload: data}
	for _, group := range b.topics[topic] {
		select {
		case b.groups[groupKey(topic, group)] <- msg:
		default:
			return fmt.Errorf("bus: group %s queue full on %s", group, topic)
		}
	}
	return nil
}

// Subscribe consumes the topic for one group until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group, _ string, handler Handler) error {
	b.mu.Lock()
	ch := b.ensureGroup(topic, group)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			// Handler errors advance the offset, same as the stream bus.
			_ = handler(ctx, msg)
		}
	}
}

// RegisterGroup pre-creates a group so publishes before Subscribe are kept.
func (b *MemoryBus) RegisterGroup(topic, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureGroup(topic, group)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
