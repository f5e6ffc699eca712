package bus

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

func TestMemoryBusDeliversOncePerGroup(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	b.RegisterGroup("t", "indexer")
	b.RegisterGroup("t", "hub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	counts := map[string]int{}
	sub := func(group string) {
		go b.Subscribe(ctx, "t", group, "c1", func(_ context.Context, msg *Message) error {
			mu.Lock()
			counts[group]++
			mu.Unlock()
			return nil
		})
	}
	sub("indexer")
	sub("hub")

	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, "t", map[string]int{"n": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		ok := counts["indexer"] == 5 && counts["hub"] == 5
		mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			mu.Lock()
			t.Fatalf("counts = %v, want 5 per group", counts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryBusPublishWithoutGroupDrops(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	if err := b.Publish(context.Background(), "orphan", "x"); err != nil {
		t.Fatalf("Publish to topic without groups: %v", err)
	}
}

func TestStatusPublisherLifecycle(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	b.RegisterGroup(models.TopicConsumerStatus, "obs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []string
	go b.Subscribe(ctx, models.TopicConsumerStatus, "obs", "c1", func(_ context.Context, msg *Message) error {
		var ev models.ConsumerStatusEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Errorf("decode status: %v", err)
			return nil
		}
		mu.Lock()
		events = append(events, ev.Event)
		mu.Unlock()
		return nil
	})

	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	p := NewStatusPublisher(b, "engram-indexer", "indexer", 20*time.Millisecond, log)
	p.Start(ctx)

	time.Sleep(70 * time.Millisecond)
	p.Stop(ctx)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 3 {
		t.Fatalf("events = %v, want ready + heartbeats + disconnected", events)
	}
	if events[0] != models.ConsumerReady {
		t.Errorf("first event = %s, want consumer_ready", events[0])
	}
	if events[len(events)-1] != models.ConsumerDisconnected {
		t.Errorf("last event = %s, want consumer_disconnected", events[len(events)-1])
	}
	sawHeartbeat := false
	for _, ev := range events[1 : len(events)-1] {
		if ev == models.ConsumerHeartbeat {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Errorf("events = %v, want at least one heartbeat", events)
	}
}
