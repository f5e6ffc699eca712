package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/pkg/models"
)

const (
	wsPingInterval   = 30 * time.Second
	wsMissedPongs    = 3
	wsWriteWait      = 10 * time.Second
	wsMaxPayloadSize = 1 << 20
)

// pongWait is the read deadline: three unanswered pings plus slack.
func (h *Hub) pongWait() time.Duration {
	return wsMissedPongs*h.ping + 5*time.Second
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscriber buffers pending updates for one connection. The buffer is
// bounded: a second update for the same key overwrites the pending one and
// marks the frame degraded, and once the queue is full the oldest pending
// entry is evicted the same way.
type subscriber struct {
	filter func(Update) bool
	cap    int

	mu       sync.Mutex
	queue    []Update
	index    map[string]int
	wake     chan struct{}
	detached bool
}

func newSubscriber(filter func(Update) bool, cap int) *subscriber {
	if cap <= 0 {
		cap = defaultQueueCap
	}
	return &subscriber{
		filter: filter,
		cap:    cap,
		index:  make(map[string]int),
		wake:   make(chan struct{}, 1),
	}
}

// offer enqueues an update, coalescing on key. Returns true when an older
// pending update was discarded.
func (s *subscriber) offer(u Update) bool {
	if s.filter != nil && !s.filter(u) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return false
	}

	coalesced := false
	if i, ok := s.index[u.Key]; ok {
		u.Degraded = true
		s.queue[i] = u
		coalesced = true
	} else if len(s.queue) >= s.cap {
		evicted := s.queue[0]
		delete(s.index, evicted.Key)
		copy(s.queue, s.queue[1:])
		u.Degraded = true
		s.queue[len(s.queue)-1] = u
		for k, i := range s.index {
			s.index[k] = i - 1
		}
		s.index[u.Key] = len(s.queue) - 1
		coalesced = true
	} else {
		s.queue = append(s.queue, u)
		s.index[u.Key] = len(s.queue) - 1
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return coalesced
}

// drain returns and clears all pending updates in arrival order.
func (s *subscriber) drain() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	s.index = make(map[string]int)
	return out
}

func (s *subscriber) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.detached {
		s.detached = true
		close(s.wake)
	}
}

// HandleLogs serves /ws/logs. An optional ?service= query restricts the
// stream to one service.
func (h *Hub) HandleLogs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	var filter func(Update) bool
	if service != "" {
		filter = func(u Update) bool { return u.Key == service }
	}
	h.serveWS(w, r, TopicLogs, filter, func(ctx context.Context) ([]Update, error) {
		return h.logsSnapshot(service), nil
	})
}

// HandleMetrics serves /ws/metrics.
func (h *Hub) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, TopicMetrics, nil, func(ctx context.Context) ([]Update, error) {
		return h.metricsSnapshot(), nil
	})
}

// HandleSession serves /ws/session/{id}: lineage snapshot on connect, then
// incremental node updates for that session.
func (h *Hub) HandleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	h.serveWS(w, r, sessionTopic(id), nil, func(ctx context.Context) ([]Update, error) {
		return h.sessionSnapshot(ctx, id)
	})
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, topic string, filter func(Update) bool, snapshot func(context.Context) ([]Update, error)) {
	snap, err := snapshot(r.Context())
	if err != nil {
		h.log.Error("snapshot failed", "topic", topic, "error", err)
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "topic", topic, "error", err)
		return
	}

	sub := newSubscriber(filter, h.queueCap)
	h.attach(topic, sub)
	defer h.release(topic, sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readLoop(ctx, cancel, conn)
	h.writeLoop(ctx, conn, sub, snap)
}

// readLoop discards client frames and keeps the pong deadline fresh. The
// connection closes after wsMissedPongs unanswered pings.
func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	conn.SetReadLimit(wsMaxPayloadSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait()))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber, snap []Update) {
	defer conn.Close()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for _, u := range snap {
		if err := writeUpdate(conn, u); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case _, ok := <-sub.wake:
			if !ok {
				return
			}
			for _, u := range sub.drain() {
				if err := writeUpdate(conn, u); err != nil {
					return
				}
			}
		}
	}
}

func writeUpdate(conn *websocket.Conn, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// logsSnapshot returns the retained log history, optionally scoped to one
// service, as snapshot frames.
func (h *Hub) logsSnapshot(service string) []Update {
	h.mu.RLock()
	lines := make([]LogLine, 0, len(h.logs))
	for _, l := range h.logs {
		if service == "" || l.Service == service {
			lines = append(lines, l)
		}
	}
	h.mu.RUnlock()

	out := make([]Update, 0, len(lines))
	for _, l := range lines {
		payload, _ := json.Marshal(l)
		out = append(out, Update{Topic: TopicLogs, Kind: "snapshot", Key: l.Service, Payload: payload, TS: l.TS})
	}
	return out
}

func (h *Hub) metricsSnapshot() []Update {
	h.mu.RLock()
	samples := make([]MetricSample, len(h.samples))
	copy(samples, h.samples)
	h.mu.RUnlock()

	out := make([]Update, 0, len(samples))
	for _, s := range samples {
		payload, _ := json.Marshal(s)
		out = append(out, Update{Topic: TopicMetrics, Kind: "snapshot", Key: s.Name, Payload: payload, TS: s.TS})
	}
	return out
}

// sessionSnapshot builds the lineage view for a session: the session node
// followed by its turns in sequence order.
func (h *Hub) sessionSnapshot(ctx context.Context, sessionID string) ([]Update, error) {
	topic := sessionTopic(sessionID)
	var out []Update

	if h.store == nil {
		return out, nil
	}

	session, err := h.store.CurrentNode(ctx, sessionID)
	if err != nil && err != graph.ErrNotFound {
		return nil, err
	}
	if session != nil {
		u, err := nodeUpdate(topic, session)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}

	turns, err := h.store.NodesByKind(ctx, models.KindTurn, sessionID, 0)
	if err != nil {
		return nil, err
	}
	sortBySequence(turns)
	for _, turn := range turns {
		u, err := nodeUpdate(topic, turn)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// HandleSnapshot serves the same frames as the WebSocket topics over plain
// HTTP for pollers. Topic comes from ?topic=logs|metrics|session, with ?id=
// for session topics and ?service= to scope logs.
func (h *Hub) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	var (
		frames []Update
		err    error
	)
	switch topic := r.URL.Query().Get("topic"); topic {
	case TopicLogs:
		frames = h.logsSnapshot(r.URL.Query().Get("service"))
	case TopicMetrics:
		frames = h.metricsSnapshot()
	case "session":
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}
		frames, err = h.sessionSnapshot(r.Context(), id)
	default:
		http.Error(w, "unknown topic", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error("snapshot failed", "error", err)
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}
	if frames == nil {
		frames = []Update{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(frames)
}

func sortBySequence(turns []*models.Node) {
	sort.Slice(turns, func(i, j int) bool {
		return graph.PropInt(turns[i].Props, "sequence_index") < graph.PropInt(turns[j].Props, "sequence_index")
	})
}

func nodeUpdate(topic string, node *models.Node) (Update, error) {
	payload, err := json.Marshal(node)
	if err != nil {
		return Update{}, err
	}
	return Update{Topic: topic, Kind: "snapshot", Key: node.LogicalID, Payload: payload, TS: node.Bitemporal.VTStart}, nil
}
