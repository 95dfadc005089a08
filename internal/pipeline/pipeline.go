// Package pipeline runs an ordered list of idempotent provisioning steps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mt5prov/internal/history"
	"github.com/loykin/mt5prov/internal/metrics"
)

// Outcome classifies how a step ended.
type Outcome string

const (
	Applied   Outcome = "applied"
	Satisfied Outcome = "satisfied"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
)

// Step is one idempotent unit of provisioning. Done reports whether the
// desired state already holds; Apply is only called when it does not.
type Step struct {
	Name  string
	Done  func(ctx context.Context) (bool, error)
	Apply func(ctx context.Context) error
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started_at"`
	Duration time.Duration `json:"duration_ns"`
}

// Report summarizes a pipeline run.
type Report struct {
	RunID    string        `json:"run_id"`
	Steps    []StepResult  `json:"steps"`
	Started  time.Time     `json:"started_at"`
	Duration time.Duration `json:"duration_ns"`
}

// Count returns how many steps ended with o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// Cancelled reports whether any step was cut short by cancellation.
func (r Report) Cancelled() bool { return r.Count(Cancelled) > 0 }

// Summary renders "applied=2 satisfied=3 failed=1 cancelled=0".
func (r Report) Summary() string {
	parts := make([]string, 0, 4)
	for _, o := range []Outcome{Applied, Satisfied, Failed, Cancelled} {
		parts = append(parts, fmt.Sprintf("%s=%d", o, r.Count(o)))
	}
	return strings.Join(parts, " ")
}

// Pipeline executes steps strictly in order.
type Pipeline struct {
	steps    []Step
	runID    string
	recorder *history.Recorder
	tracker  *Tracker
	logger   *slog.Logger
}

type Option func(*Pipeline)

func WithRunID(id string) Option { return func(p *Pipeline) { p.runID = id } }
func WithRecorder(r *history.Recorder) Option { return func(p *Pipeline) { p.recorder = r } }
func WithTracker(t *Tracker) Option { return func(p *Pipeline) { p.tracker = t } }
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func New(steps []Step, opts ...Option) *Pipeline {
	p := &Pipeline{steps: steps, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.logger = p.logger.With("component", "pipeline", "run_id", p.runID)
	return p
}

func (p *Pipeline) RunID() string { return p.runID }

// Run executes every step. A failed step is logged and the run continues.
// Once ctx is done, the remaining steps are reported as cancelled without
// being consulted.
func (p *Pipeline) Run(ctx context.Context) Report {
	rep := Report{RunID: p.runID, Started: time.Now()}
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	p.tracker.begin(p.runID, names)
	p.logger.Info("Provisioning started", "steps", len(p.steps))

	for _, s := range p.steps {
		var res StepResult
		if ctx.Err() != nil {
			res = StepResult{Name: s.Name, Outcome: Cancelled, Started: time.Now()}
			p.logger.Info("Skipping step, shutdown requested", "step", s.Name)
		} else {
			p.tracker.stepStarted(s.Name)
			res = p.runStep(ctx, s)
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		rep.Steps = append(rep.Steps, res)
		p.finish(res)
	}

	rep.Duration = time.Since(rep.Started)
	p.tracker.end(rep)
	p.logger.Info("Provisioning finished", "summary", rep.Summary(), "duration", rep.Duration.Round(time.Millisecond).String())
	return rep
}

func (p *Pipeline) runStep(ctx context.Context, s Step) (res StepResult) {
	res = StepResult{Name: s.Name, Started: time.Now()}
	log := p.logger.With("step", s.Name)
	defer func() { res.Duration = time.Since(res.Started) }()

	if s.Done != nil {
		done, err := s.Done(ctx)
		switch {
		case err != nil && isCancel(ctx, err):
			res.Outcome = Cancelled
			return res
		case err != nil:
			// An unreadable precondition is treated as not satisfied.
			log.Warn("Precondition check failed, applying step", "error", err)
		case done:
			log.Info("Already satisfied, skipping")
			res.Outcome = Satisfied
			return res
		}
	}

	log.Info("Applying step")
	err := s.Apply(ctx)
	switch {
	case err == nil:
		res.Outcome = Applied
		log.Info("Step applied", "duration", time.Since(res.Started).Round(time.Millisecond).String())
	case isCancel(ctx, err):
		res.Outcome = Cancelled
		log.Warn("Step interrupted by shutdown")
	default:
		res.Outcome = Failed
		res.Err = err
		log.Error("Step failed", "error", err)
	}
	return res
}

func (p *Pipeline) finish(res StepResult) {
	metrics.ObserveStep(res.Name, string(res.Outcome), res.Duration.Seconds())
	p.tracker.stepFinished(res)
	p.recorder.Record(history.Event{
		RunID:      p.runID,
		Step:       res.Name,
		Outcome:    string(res.Outcome),
		Error:      res.Error,
		Duration:   res.Duration,
		OccurredAt: time.Now().UTC(),
	})
}

// isCancel treats any error returned after ctx is done as cancellation, which
// covers the cancellation sentinels of the download and process layers.
func isCancel(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return true
	}
	return ctx.Err() != nil
}

// ErrCancelled may be returned by steps to report cooperative cancellation.
var ErrCancelled = errors.New("step cancelled")
