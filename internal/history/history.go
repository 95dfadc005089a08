package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Event records one step outcome of a provisioning run.
type Event struct {
	RunID      string        `json:"run_id"`
	Step       string        `json:"step"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader lists the most recent events, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// sendTimeout bounds a single Send so a slow backend never stalls a run.
const sendTimeout = 5 * time.Second

// Recorder forwards events to an optional sink. Sink failures are logged and
// never returned; a nil Recorder or nil sink drops events.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger.With("component", "history")}
}

// Record sends e. It uses its own deadline so events are still written while
// the run context is being cancelled.
func (r *Recorder) Record(e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		r.logger.Warn("Failed to record history event", "step", e.Step, "outcome", e.Outcome, "error", err)
	}
}

// Close closes the sink when it holds resources.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
