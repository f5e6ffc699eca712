package bus

import (
	"context"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

// DefaultHeartbeatInterval is the status-topic heartbeat cadence.
const DefaultHeartbeatInterval = 10 * time.Second

// StatusPublisher announces a consumer's lifecycle on the status topic:
// consumer_ready on Start, consumer_heartbeat every interval,
// consumer_disconnected on Stop.
type StatusPublisher struct {
	bus      Bus
	group    string
	service  string
	interval time.Duration
	log      *observability.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStatusPublisher creates a publisher for one consumer group member.
func NewStatusPublisher(b Bus, group, service string, interval time.Duration, log *observability.Logger) *StatusPublisher {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &StatusPublisher{
		bus:      b,
		group:    group,
		service:  service,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start publishes consumer_ready and begins the heartbeat loop.
func (p *StatusPublisher) Start(ctx context.Context) {
	p.publish(ctx, models.ConsumerReady)
	go p.heartbeatLoop(ctx)
}

// Stop halts heartbeats and publishes consumer_disconnected.
func (p *StatusPublisher) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		p.publish(ctx, models.ConsumerDisconnected)
	})
}

func (p *StatusPublisher) heartbeatLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.publish(ctx, models.ConsumerHeartbeat)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *StatusPublisher) publish(ctx context.Context, event string) {
	err := p.bus.Publish(ctx, models.TopicConsumerStatus, models.ConsumerStatusEvent{
		Event:   event,
		Group:   p.group,
		Service: p.service,
		TS:      time.Now(),
	})
	if err != nil && p.log != nil {
		p.log.Warn("status publish failed", "event", event, "group", p.group, "error", err)
	}
}
