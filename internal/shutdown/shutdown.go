package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Coordinator owns the run context and cancels it on SIGINT or SIGTERM.
// Only the first trigger cancels; later ones are logged and ignored.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	sigCh  chan os.Signal
	done   chan struct{}
	once   sync.Once
	stop   sync.Once
	logger *slog.Logger

	mu     sync.Mutex
	reason string
}

// New installs the signal handlers and returns a coordinator whose context
// derives from parent.
func New(parent context.Context, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		ctx:    ctx,
		cancel: cancel,
		sigCh:  make(chan os.Signal, 2),
		done:   make(chan struct{}),
		logger: logger.With("component", "shutdown"),
	}
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go c.watch()
	return c
}

func (c *Coordinator) watch() {
	for {
		select {
		case sig := <-c.sigCh:
			c.Trigger("signal " + sig.String())
		case <-c.done:
			return
		}
	}
}

// Context is cancelled once shutdown has been requested.
func (c *Coordinator) Context() context.Context { return c.ctx }

// Trigger requests shutdown.
func (c *Coordinator) Trigger(reason string) {
	first := false
	c.once.Do(func() {
		first = true
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.logger.Info("Shutdown requested", "reason", reason)
		c.cancel()
	})
	if !first {
		c.logger.Info("Already shutting down", "reason", reason)
	}
}

// Requested reports whether shutdown was triggered (or the parent ended).
func (c *Coordinator) Requested() bool { return c.ctx.Err() != nil }

// Reason returns what triggered shutdown, or "".
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Stop removes the signal handlers. The context is left as is.
func (c *Coordinator) Stop() {
	c.stop.Do(func() {
		signal.Stop(c.sigCh)
		close(c.done)
	})
}
