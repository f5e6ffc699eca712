package infra

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ShutdownFunc performs cleanup during shutdown. It receives a context that
// is cancelled if the shutdown times out.
type ShutdownFunc func(ctx context.Context) error

type shutdownHandler struct {
	name string
	fn   ShutdownFunc
}

// ShutdownCoordinator runs registered handlers in reverse registration order
// on shutdown, so components stop in the opposite order they started.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []shutdownHandler
	timeout  time.Duration
	logger   *slog.Logger
	once     sync.Once
}

// NewShutdownCoordinator creates a coordinator with a per-handler timeout.
func NewShutdownCoordinator(timeout time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{timeout: timeout, logger: logger}
}

// Register adds a named shutdown handler.
func (c *ShutdownCoordinator) Register(name string, fn ShutdownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, shutdownHandler{name: name, fn: fn})
}

// Shutdown runs all handlers once, last-registered first. Handler errors are
// logged and do not stop the remaining handlers.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) {
	c.once.Do(func() {
		c.mu.Lock()
		handlers := make([]shutdownHandler, len(c.handlers))
		copy(handlers, c.handlers)
		c.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			h := handlers[i]
			hctx, cancel := context.WithTimeout(ctx, c.timeout)
			start := time.Now()
			if err := h.fn(hctx); err != nil {
				c.logger.Error("shutdown handler failed",
					"handler", h.name,
					"duration", time.Since(start),
					"error", err,
				)
			} else {
				c.logger.Debug("shutdown handler finished",
					"handler", h.name,
					"duration", time.Since(start),
				)
			}
			cancel()
		}
	})
}
