// Package aggregator materializes the lineage graph from the normalized
// delta stream: sessions, turns, reasoning blocks, tool calls, and
// observations, with the causal edges between them.
//
// Events are partitioned by session across a worker pool; within a session
// they are processed strictly in arrival order, which the content-block
// state machine depends on.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/bus"
	"github.com/engramdev/engram/internal/dedup"
	"github.com/engramdev/engram/internal/events"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/infra"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

// Options tune the aggregator's worker pool and idle handling.
type Options struct {
	// Workers is the number of session-partitioned workers.
	Workers int

	// QueueDepth bounds each worker's queue; overflow blocks the submitter.
	QueueDepth int

	// IdleTimeout closes a turn when its session goes quiet without a
	// terminating result event.
	IdleTimeout time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Workers:     4,
		QueueDepth:  256,
		IdleTimeout: 5 * time.Minute,
	}
}

type work struct {
	sessionID string
	source    models.Source
	delta     models.Delta
}

// Aggregator consumes envelopes and commits graph mutations.
type Aggregator struct {
	store   graph.Store
	bus     bus.Bus
	dedup   *dedup.Engine
	log     *observability.Logger
	metrics *observability.Metrics
	opts    Options

	mu       sync.Mutex
	sessions map[string]*sessionState

	pool *infra.PartitionedPool[work]

	stopOnce sync.Once
	stop     chan struct{}
	sweeper  sync.WaitGroup

	now func() time.Time
}

// New creates an aggregator. bus and metrics may be nil.
func New(store graph.Store, b bus.Bus, d *dedup.Engine, opts Options, log *observability.Logger, metrics *observability.Metrics) *Aggregator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultOptions().QueueDepth
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	a := &Aggregator{
		store:    store,
		bus:      b,
		dedup:    d,
		log:      log,
		metrics:  metrics,
		opts:     opts,
		sessions: make(map[string]*sessionState),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	a.pool = infra.NewPartitionedPool(opts.Workers, opts.QueueDepth, a.process)
	return a
}

// Start launches the idle-turn sweeper.
func (a *Aggregator) Start() {
	a.sweeper.Add(1)
	go a.idleSweep()
}

// Close drains the worker pool and stops the sweeper.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.sweeper.Wait()
	a.pool.Close()
}

// Ingest parses an envelope, runs each delta through the dedup engine, and
// hands survivors to the session's worker.
func (a *Aggregator) Ingest(ctx context.Context, env *models.Envelope) error {
	deltas, err := events.Parse(env)
	if err != nil {
		return err
	}

	source := env.Headers.Source
	if source == "" {
		source = models.SourceStreamJSON
	}

	for _, delta := range deltas {
		sessionID := delta.SessionID
		if sessionID == "" {
			sessionID = env.Headers.SessionID
		}
		if sessionID == "" {
			return fmt.Errorf("aggregator: envelope %s carries no session id", env.EventID)
		}

		hash := deltaHash(sessionID, &delta)
		if !a.dedup.ShouldIngest(sessionID, hash, source) {
			continue
		}
		if err := a.pool.Submit(ctx, sessionID, work{
			sessionID: sessionID,
			source:    source,
			delta:     delta,
		}); err != nil {
			return err
		}
	}
	return nil
}

// deltaHash derives the dedup key for one delta.
func deltaHash(sessionID string, d *models.Delta) string {
	typ := string(d.Type)
	if d.Block != "" {
		typ = string(d.Block)
	}
	content := d.Content
	toolName := ""
	if d.ToolCall != nil {
		toolName = d.ToolCall.Name
		content = d.ToolCall.Args
	}
	if d.ToolResult != nil {
		content = d.ToolResult.CallID + "\x1f" + d.ToolResult.Content
	}
	if d.Type == models.DeltaStop {
		content = d.StopReason
	}
	return dedup.ContentHash(typ, content, toolName, sessionID)
}

func (a *Aggregator) process(ctx context.Context, w work) {
	st := a.state(w.sessionID)
	if err := a.handleDelta(ctx, st, &w.delta, w.source); err != nil {
		a.log.Error("delta processing failed",
			"session_id", w.sessionID, "type", string(w.delta.Type), "error", err)
	}
}

func (a *Aggregator) state(sessionID string) *sessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.sessions[sessionID]
	if !ok {
		st = newSessionState(sessionID)
		a.sessions[sessionID] = st
	}
	return st
}

// idleSweep closes turns whose sessions went quiet past the idle timeout.
// The synthetic stop goes through the session's worker to keep ordering.
func (a *Aggregator) idleSweep() {
	defer a.sweeper.Done()
	interval := a.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			now := a.now()
			a.mu.Lock()
			var idle []string
			for id, st := range a.sessions {
				if st.openTurn && now.Sub(st.lastEventAt) > a.opts.IdleTimeout {
					idle = append(idle, id)
				}
			}
			a.mu.Unlock()

			for _, id := range idle {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := a.pool.Submit(ctx, id, work{
					sessionID: id,
					source:    models.SourceStreamJSON,
					delta:     models.Delta{Type: models.DeltaStop, SessionID: id, StopReason: "idle_timeout"},
				})
				cancel()
				if err != nil {
					a.log.Warn("idle turn close not submitted", "session_id", id, "error", err)
				}
			}
		}
	}
}

// publishNode announces a committed node on the bus. Best-effort: failures
// are logged and never roll back the graph write.
func (a *Aggregator) publishNode(ctx context.Context, node *models.Node) {
	if a.metrics != nil {
		a.metrics.GraphCommits.WithLabelValues(string(node.Kind)).Inc()
	}
	if a.bus == nil {
		return
	}
	err := a.bus.Publish(ctx, models.TopicNodesCreated, models.NodeCreatedEvent{
		ID:         node.LogicalID,
		Labels:     []string{string(node.Kind)},
		Properties: node.Props,
		SessionID:  node.SessionID,
		CreatedAt:  a.now(),
	})
	if err != nil {
		a.log.Warn("node event publish failed", "node_id", node.LogicalID, "error", err)
	}
}
