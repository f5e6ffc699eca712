package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/engramdev/engram/pkg/models"
)

func newTestEngine(cfg Config) *Engine {
	cfg.CleanupInterval = 0 // no background sweep in tests
	return NewEngine(cfg, nil, nil)
}

func TestPriorityEscalationAcrossSources(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	defer e.Close()

	hash := ContentHash("content", "X", "", "S")

	// file-watcher, then hook, then stream-json: each strictly richer source
	// gets one emission.
	if !e.ShouldIngest("S", hash, models.SourceFileWatcher) {
		t.Fatal("first observation should ingest")
	}
	if !e.ShouldIngest("S", hash, models.SourceHook) {
		t.Fatal("hook supersedes file-watcher")
	}
	if !e.ShouldIngest("S", hash, models.SourceStreamJSON) {
		t.Fatal("stream-json supersedes hook")
	}

	// A repeat from the top source is a plain duplicate.
	if e.ShouldIngest("S", hash, models.SourceStreamJSON) {
		t.Fatal("equal priority must not re-ingest")
	}
	// And no lower source can claw it back.
	if e.ShouldIngest("S", hash, models.SourceHook) {
		t.Fatal("lower priority must not re-ingest")
	}

	shard, unlock := e.lockShard("S")
	ent := shard[cacheKey("S", hash)]
	unlock()
	if ent.highestPriority != 3 {
		t.Errorf("highest priority = %d, want 3", ent.highestPriority)
	}
	if len(ent.sources) != 3 {
		t.Errorf("sources = %v, want all three", ent.sources)
	}
}

func TestEqualPrioritySecondObservationDropped(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	defer e.Close()

	hash := ContentHash("content", "same", "", "S")
	if !e.ShouldIngest("S", hash, models.SourceHook) {
		t.Fatal("first observation should ingest")
	}
	if e.ShouldIngest("S", hash, models.SourceHook) {
		t.Fatal("same source repeat should be dropped")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	defer e.Close()

	// Identical payload text, different sessions: the session participates in
	// the hash, so the keys never collide.
	h1 := ContentHash("content", "X", "", "sess-1")
	h2 := ContentHash("content", "X", "", "sess-2")
	if h1 == h2 {
		t.Fatal("session id must participate in the hash")
	}
	if !e.ShouldIngest("sess-1", h1, models.SourceStreamJSON) {
		t.Fatal("sess-1 should ingest")
	}
	if !e.ShouldIngest("sess-2", h2, models.SourceStreamJSON) {
		t.Fatal("sess-2 should ingest independently")
	}
}

func TestTTLExpiryReadmits(t *testing.T) {
	e := newTestEngine(Config{TTL: time.Minute, MaxEntries: 100})
	defer e.Close()

	base := time.Now()
	e.now = func() time.Time { return base }

	hash := ContentHash("content", "X", "", "S")
	if !e.ShouldIngest("S", hash, models.SourceStreamJSON) {
		t.Fatal("first observation should ingest")
	}

	e.now = func() time.Time { return base.Add(30 * time.Second) }
	if e.ShouldIngest("S", hash, models.SourceStreamJSON) {
		t.Fatal("within TTL should be dropped")
	}

	// ShouldIngest refreshed the TTL at +30s, so expiry counts from there.
	e.now = func() time.Time { return base.Add(30*time.Second + 61*time.Second) }
	if !e.ShouldIngest("S", hash, models.SourceStreamJSON) {
		t.Fatal("expired key should re-admit")
	}
}

func TestIsDuplicateDoesNotMutate(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	defer e.Close()

	hash := ContentHash("content", "X", "", "S")
	if e.IsDuplicate("S", hash) {
		t.Fatal("unknown key reported as duplicate")
	}
	if e.Size() != 0 {
		t.Fatal("IsDuplicate inserted an entry")
	}

	e.MarkSeen("S", hash, models.SourceHook)
	if !e.IsDuplicate("S", hash) {
		t.Fatal("marked key not reported as duplicate")
	}
}

func TestMarkSeenIdempotent(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	defer e.Close()

	hash := ContentHash("content", "X", "", "S")
	e.MarkSeen("S", hash, models.SourceFileWatcher)
	e.MarkSeen("S", hash, models.SourceFileWatcher)
	e.MarkSeen("S", hash, models.SourceStreamJSON)

	if e.Size() != 1 {
		t.Fatalf("size = %d, want 1", e.Size())
	}
	shard, unlock := e.lockShard("S")
	ent := shard[cacheKey("S", hash)]
	unlock()
	if ent.highestPriority != 3 {
		t.Errorf("highest priority = %d, want 3", ent.highestPriority)
	}
	if len(ent.sources) != 2 {
		t.Errorf("sources = %v, want two distinct", ent.sources)
	}

	// MarkSeen never arbitrates, so a later lower-priority ShouldIngest loses.
	if e.ShouldIngest("S", hash, models.SourceHook) {
		t.Error("hook must not re-ingest a stream-json-marked key")
	}
}

func TestCapacityEvictsOldestTenth(t *testing.T) {
	e := newTestEngine(Config{TTL: time.Hour, MaxEntries: 100})
	defer e.Close()

	base := time.Now()
	for i := 0; i < 100; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		e.now = func() time.Time { return tick }
		hash := ContentHash("content", fmt.Sprintf("event-%d", i), "", "S")
		e.ShouldIngest("S", hash, models.SourceStreamJSON)
	}
	if e.Size() != 100 {
		t.Fatalf("size = %d, want 100", e.Size())
	}

	// One more insert breaches capacity: 10 oldest go, the new one lands.
	e.now = func() time.Time { return base.Add(200 * time.Second) }
	hash := ContentHash("content", "overflow", "", "S")
	e.ShouldIngest("S", hash, models.SourceStreamJSON)

	if e.Size() != 91 {
		t.Fatalf("size after eviction = %d, want 91", e.Size())
	}
	// The oldest keys were evicted, so they re-admit.
	old := ContentHash("content", "event-0", "", "S")
	if !e.ShouldIngest("S", old, models.SourceStreamJSON) {
		t.Error("evicted key should re-admit")
	}
	// Recent keys survived.
	recent := ContentHash("content", "event-99", "", "S")
	if e.ShouldIngest("S", recent, models.SourceStreamJSON) {
		t.Error("recent key should have survived eviction")
	}
}

func TestCleanupSweepsExpired(t *testing.T) {
	e := newTestEngine(Config{TTL: time.Minute, MaxEntries: 100})
	defer e.Close()

	base := time.Now()
	e.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		e.ShouldIngest("S", ContentHash("content", fmt.Sprintf("e-%d", i), "", "S"), models.SourceHook)
	}

	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	if removed := e.Cleanup(); removed != 5 {
		t.Errorf("Cleanup removed %d, want 5", removed)
	}
	if e.Size() != 0 {
		t.Errorf("size after cleanup = %d, want 0", e.Size())
	}
}

func TestContentHashTruncation(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	prefix := string(long[:500])

	// Differences past 500 chars do not change the key.
	h1 := ContentHash("content", string(long), "", "S")
	h2 := ContentHash("content", prefix+"completely different tail", "", "S")
	if h1 != h2 {
		t.Error("content past 500 chars must not affect the hash")
	}
	// Differences within the window do.
	h3 := ContentHash("content", "b"+prefix[1:], "", "S")
	if h1 == h3 {
		t.Error("content within 500 chars must affect the hash")
	}
}

func TestContentHashFieldSeparation(t *testing.T) {
	// The separator keeps adjacent fields from bleeding into each other.
	h1 := ContentHash("ab", "c", "", "S")
	h2 := ContentHash("a", "bc", "", "S")
	if h1 == h2 {
		t.Error("field boundary must participate in the hash")
	}
	if ContentHash("tool_call", "", "Read", "S") == ContentHash("tool_call", "", "Edit", "S") {
		t.Error("tool name must participate in the hash")
	}
}

func TestConcurrentSessionsIndependentStripes(t *testing.T) {
	e := newTestEngine(Config{TTL: time.Hour, MaxEntries: 10000})
	defer e.Close()

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for s := 0; s < 32; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			session := fmt.Sprintf("sess-%d", s)
			for i := 0; i < 200; i++ {
				hash := ContentHash("content", fmt.Sprintf("event-%d", i), "", session)
				if !e.ShouldIngest(session, hash, models.SourceFileWatcher) {
					errs <- session + ": first observation rejected"
					return
				}
				if e.ShouldIngest(session, hash, models.SourceFileWatcher) {
					errs <- session + ": duplicate admitted"
					return
				}
				if !e.IsDuplicate(session, hash) {
					errs <- session + ": live key not reported duplicate"
					return
				}
				e.MarkSeen(session, hash, models.SourceHook)
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
	if e.Size() != 32*200 {
		t.Fatalf("size = %d, want %d", e.Size(), 32*200)
	}
	if e.Cleanup() != 0 {
		t.Fatal("nothing should have expired")
	}
}
