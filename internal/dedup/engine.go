// Package dedup implements the single-flight filter in front of the turn
// aggregator. Three independent producers (stream-json wrapper, lifecycle
// hooks, file watcher) observe overlapping subsets of the same event stream;
// the engine admits each logical event at most once per source and re-admits
// it exactly once when a richer source later observes it.
package dedup

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/engramdev/engram/internal/infra"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

const shardCount = 64

// entry tracks one (session, content-hash) key.
type entry struct {
	firstSeen       time.Time
	lastRefreshed   time.Time
	highestPriority int
	sources         []models.Source
}

// Config bounds the engine's in-process cache.
type Config struct {
	// TTL is how long a key stays live without a refresh.
	TTL time.Duration

	// MaxEntries caps the cache; on breach the oldest tenth is evicted.
	MaxEntries int

	// CleanupInterval is how often expired keys are swept. 0 disables the
	// background sweep.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		MaxEntries:      50000,
		CleanupInterval: time.Minute,
	}
}

// Engine is the in-process priority dedup cache. Entries are sharded by
// session id behind a striped lock, so sessions contend only within their
// stripe. Safe for concurrent use.
//
// Losing the cache on restart re-admits a bounded window of recent events;
// the aggregator's durable per-session hash set catches those.
type Engine struct {
	locks  *infra.StripedMutex
	shards []map[string]*entry // shards[i] guarded by stripe i
	size   atomic.Int64

	ttl        time.Duration
	maxEntries int

	log     *observability.Logger
	metrics *observability.Metrics

	stopOnce sync.Once
	stop     chan struct{}

	now func() time.Time
}

// NewEngine creates a dedup engine. metrics may be nil.
func NewEngine(cfg Config, log *observability.Logger, metrics *observability.Metrics) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	locks := infra.NewStripedMutex(shardCount)
	shards := make([]map[string]*entry, locks.Count())
	for i := range shards {
		shards[i] = make(map[string]*entry)
	}
	e := &Engine{
		locks:      locks,
		shards:     shards,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		log:        log,
		metrics:    metrics,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	if cfg.CleanupInterval > 0 {
		go e.cleanupLoop(cfg.CleanupInterval)
	}
	return e
}

func cacheKey(sessionID, contentHash string) string {
	return sessionID + "\x00" + contentHash
}

// lockShard acquires the stripe owning sessionID and returns its shard with
// an unlock func. All keys of one session land in one shard.
func (e *Engine) lockShard(sessionID string) (map[string]*entry, func()) {
	i := e.locks.Index(sessionID)
	e.locks.LockIndex(i)
	return e.shards[i], func() { e.locks.UnlockIndex(i) }
}

// ShouldIngest reports whether an event observed by source should flow
// downstream. It returns true for the first observation of a key and for any
// later observation from a strictly higher-priority source; in both cases the
// recorded highest priority advances to the caller's. Every call refreshes
// the key's TTL.
func (e *Engine) ShouldIngest(sessionID, contentHash string, source models.Source) bool {
	now := e.now()
	prio := source.Priority()
	e.maybeEvict()

	shard, unlock := e.lockShard(sessionID)
	defer unlock()

	key := cacheKey(sessionID, contentHash)
	ent, ok := shard[key]
	if ok && now.Sub(ent.lastRefreshed) > e.ttl {
		delete(shard, key)
		e.size.Add(-1)
		ok = false
	}

	if !ok {
		shard[key] = &entry{
			firstSeen:       now,
			lastRefreshed:   now,
			highestPriority: prio,
			sources:         []models.Source{source},
		}
		e.size.Add(1)
		return true
	}

	ent.lastRefreshed = now
	if prio > ent.highestPriority {
		ent.highestPriority = prio
		ent.sources = appendSource(ent.sources, source)
		e.countDeduped(source, "superseded")
		return true
	}
	e.countDeduped(source, "duplicate")
	return false
}

// IsDuplicate reports whether a live entry exists for the key. Pure
// observation: no TTL refresh, no insertion.
func (e *Engine) IsDuplicate(sessionID, contentHash string) bool {
	now := e.now()
	shard, unlock := e.lockShard(sessionID)
	defer unlock()

	ent, ok := shard[cacheKey(sessionID, contentHash)]
	return ok && now.Sub(ent.lastRefreshed) <= e.ttl
}

// MarkSeen records a key without arbitration. Idempotent; used after a
// successful downstream ack to keep the cache in step with the aggregator's
// durable dedup.
func (e *Engine) MarkSeen(sessionID, contentHash string, source models.Source) {
	now := e.now()
	prio := source.Priority()
	e.maybeEvict()

	shard, unlock := e.lockShard(sessionID)
	defer unlock()

	key := cacheKey(sessionID, contentHash)
	if ent, ok := shard[key]; ok {
		ent.lastRefreshed = now
		if prio > ent.highestPriority {
			ent.highestPriority = prio
		}
		ent.sources = appendSource(ent.sources, source)
		return
	}
	shard[key] = &entry{
		firstSeen:       now,
		lastRefreshed:   now,
		highestPriority: prio,
		sources:         []models.Source{source},
	}
	e.size.Add(1)
}

// Size returns the number of tracked keys, expired or not.
func (e *Engine) Size() int {
	return int(e.size.Load())
}

// Cleanup removes expired keys and returns how many were dropped.
func (e *Engine) Cleanup() int {
	now := e.now()
	removed := 0
	for i := 0; i < e.locks.Count(); i++ {
		e.locks.LockIndex(i)
		for key, ent := range e.shards[i] {
			if now.Sub(ent.lastRefreshed) > e.ttl {
				delete(e.shards[i], key)
				removed++
			}
		}
		e.locks.UnlockIndex(i)
	}
	e.size.Add(int64(-removed))
	return removed
}

// Close stops the background sweep.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// maybeEvict drops the oldest tenth when the cache is at capacity. Called
// before taking a stripe; under concurrent inserts the cap is approximate by
// at most the number of in-flight callers.
func (e *Engine) maybeEvict() {
	if e.maxEntries <= 0 || int(e.size.Load()) < e.maxEntries {
		return
	}
	e.evictOldest(e.maxEntries / 10)
}

// evictOldest removes the n least recently refreshed keys across all shards,
// taking every stripe in ascending order for a consistent view.
func (e *Engine) evictOldest(n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < e.locks.Count(); i++ {
		e.locks.LockIndex(i)
	}
	defer func() {
		for i := e.locks.Count() - 1; i >= 0; i-- {
			e.locks.UnlockIndex(i)
		}
	}()

	type aged struct {
		shard int
		key   string
		at    time.Time
	}
	var all []aged
	for si, shard := range e.shards {
		for key, ent := range shard {
			all = append(all, aged{shard: si, key: key, at: ent.lastRefreshed})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(e.shards[a.shard], a.key)
	}
	e.size.Add(int64(-n))
	if e.log != nil {
		e.log.Debug("dedup cache evicted oldest entries", "evicted", n, "size", e.Size())
	}
}

func (e *Engine) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Cleanup()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) countDeduped(source models.Source, reason string) {
	if e.metrics != nil {
		e.metrics.EventsDeduped.WithLabelValues(string(source), reason).Inc()
	}
}

func appendSource(sources []models.Source, s models.Source) []models.Source {
	for _, have := range sources {
		if have == s {
			return sources
		}
	}
	return append(sources, s)
}
