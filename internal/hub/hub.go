// Package hub fans committed graph updates, log lines, and metric samples out
// to WebSocket subscribers. Slow subscribers get last-writer-wins coalescing
// instead of unbounded buffering.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/bus"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

const (
	// defaultSnapshotSize bounds the history kept for logs and metrics.
	defaultSnapshotSize = 100

	// defaultQueueCap bounds distinct pending updates per subscriber.
	// Beyond this, new keys overwrite the oldest pending entry.
	defaultQueueCap = 64

	consumerGroup = "engram-hub"
	consumerName  = "hub"
)

// Topic names. Session topics are "session:" + id.
const (
	TopicLogs    = "logs"
	TopicMetrics = "metrics"
)

// Update is one frame pushed to subscribers. Degraded is set when earlier
// versions of the same key were coalesced away under backpressure.
type Update struct {
	Topic    string          `json:"topic"`
	Kind     string          `json:"kind"` // snapshot | update
	Key      string          `json:"key,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Degraded bool            `json:"degraded,omitempty"`
	TS       time.Time       `json:"ts"`
}

// LogLine is the payload for the logs topic.
type LogLine struct {
	Service string    `json:"service"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// MetricSample is the payload for the metrics topic.
type MetricSample struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	TS     time.Time         `json:"ts"`
}

// Hub routes updates to topic subscribers and answers snapshot requests.
type Hub struct {
	store   graph.Store
	bus     bus.Bus
	log     *observability.Logger
	metrics *observability.Metrics

	snapshotN int
	queueCap  int
	ping      time.Duration

	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	logs    []LogLine
	samples []MetricSample

	wg sync.WaitGroup
}

// New creates a hub. store backs session snapshots; bus may be nil for
// hubs fed purely through PublishLog/PublishMetric.
func New(store graph.Store, b bus.Bus, cfg config.HubConfig, log *observability.Logger, metrics *observability.Metrics) *Hub {
	snapshotN := cfg.SnapshotSize
	if snapshotN <= 0 {
		snapshotN = defaultSnapshotSize
	}
	queueCap := cfg.MaxBuffered
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	ping := cfg.HeartbeatInterval
	if ping <= 0 {
		ping = wsPingInterval
	}
	return &Hub{
		store:     store,
		bus:       b,
		log:       log,
		metrics:   metrics,
		snapshotN: snapshotN,
		queueCap:  queueCap,
		ping:      ping,
		subs:      make(map[string]map[*subscriber]struct{}),
	}
}

// Start consumes node-created events for session topics until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	if h.bus == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := h.bus.Subscribe(ctx, models.TopicNodesCreated, consumerGroup, consumerName, h.handleNodeEvent)
		if err != nil && ctx.Err() == nil {
			h.log.Error("hub subscription ended", "error", err)
		}
	}()
}

// Stop waits for the consumer to exit and detaches all subscribers.
func (h *Hub) Stop() {
	h.wg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, set := range h.subs {
		for sub := range set {
			sub.detach()
			if h.metrics != nil {
				h.metrics.HubSubscribers.WithLabelValues(metricTopic(topic)).Dec()
			}
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
}

func (h *Hub) handleNodeEvent(_ context.Context, msg *bus.Message) error {
	var ev models.NodeCreatedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		h.log.Warn("malformed node event on hub", "msg_id", msg.ID, "error", err)
		return nil
	}
	if ev.SessionID == "" {
		return nil
	}
	h.broadcast(sessionTopic(ev.SessionID), ev.ID, msg.Payload)
	return nil
}

// PublishLog feeds the logs topic and its snapshot history.
func (h *Hub) PublishLog(line LogLine) {
	if line.TS.IsZero() {
		line.TS = time.Now()
	}
	h.mu.Lock()
	h.logs = append(h.logs, line)
	if len(h.logs) > h.snapshotN {
		h.logs = h.logs[len(h.logs)-h.snapshotN:]
	}
	h.mu.Unlock()

	payload, _ := json.Marshal(line)
	h.broadcast(TopicLogs, line.Service, payload)
}

// PublishMetric feeds the metrics topic and its snapshot history.
func (h *Hub) PublishMetric(sample MetricSample) {
	if sample.TS.IsZero() {
		sample.TS = time.Now()
	}
	h.mu.Lock()
	h.samples = append(h.samples, sample)
	if len(h.samples) > h.snapshotN {
		h.samples = h.samples[len(h.samples)-h.snapshotN:]
	}
	h.mu.Unlock()

	payload, _ := json.Marshal(sample)
	h.broadcast(TopicMetrics, sample.Name, payload)
}

// broadcast offers an update to every subscriber of the topic.
func (h *Hub) broadcast(topic, key string, payload []byte) {
	h.mu.RLock()
	set := h.subs[topic]
	subs := make([]*subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	u := Update{Topic: topic, Kind: "update", Key: key, Payload: payload, TS: time.Now()}
	for _, sub := range subs {
		if sub.offer(u) && h.metrics != nil {
			h.metrics.HubCoalesced.Inc()
		}
	}
}

func (h *Hub) attach(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[topic] = set
	}
	set[sub] = struct{}{}
	if h.metrics != nil {
		h.metrics.HubSubscribers.WithLabelValues(metricTopic(topic)).Inc()
	}
}

func (h *Hub) release(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[topic]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, topic)
			}
			if h.metrics != nil {
				h.metrics.HubSubscribers.WithLabelValues(metricTopic(topic)).Dec()
			}
		}
	}
	sub.detach()
}

func sessionTopic(id string) string { return "session:" + id }

func metricTopic(topic string) string {
	if len(topic) > 8 && topic[:8] == "session:" {
		return "session"
	}
	return topic
}
