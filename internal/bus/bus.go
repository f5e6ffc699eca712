// Package bus carries node-created and consumer-status events between the
// aggregator, the indexer, and the fan-out hub.
package bus

import "context"

// Message is one delivered bus entry.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Handler processes one message. A non-nil error is logged by the consumer;
// the offset advances either way, so handlers own their retries.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the messaging interface. Subscribe blocks until ctx is done,
// delivering each message once per consumer group.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) error
	Close() error
}
