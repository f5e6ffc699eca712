package models

import "time"

// Bus topic names. The aggregator produces node-created events; the indexer
// and fan-out hub consume them through independent consumer groups.
const (
	TopicNodesCreated   = "memory.nodes.created"
	TopicConsumerStatus = "observatory.consumers.status"
)

// NodeCreatedEvent is published after every successful graph commit.
type NodeCreatedEvent struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	SessionID  string         `json:"session_id"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ConsumerStatus values for the status topic.
const (
	ConsumerReady        = "consumer_ready"
	ConsumerHeartbeat    = "consumer_heartbeat"
	ConsumerDisconnected = "consumer_disconnected"
)

// ConsumerStatusEvent announces consumer liveness on the status topic.
type ConsumerStatusEvent struct {
	Event   string    `json:"event"`
	Group   string    `json:"group"`
	Service string    `json:"service"`
	TS      time.Time `json:"ts"`
}
