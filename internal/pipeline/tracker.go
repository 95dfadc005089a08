package pipeline

import (
	"sync"
	"time"
)

// Phase is the coarse lifecycle state of a run.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseProvisioning Phase = "provisioning"
	PhaseServing      Phase = "serving" // idle wait keeping background processes alive
	PhaseStopping     Phase = "stopping"
	PhaseFinished     Phase = "finished"
)

// StepState is the live view of one step.
type StepState struct {
	Name     string  `json:"name"`
	Outcome  Outcome `json:"outcome,omitempty"`
	Running  bool    `json:"running"`
	Error    string  `json:"error,omitempty"`
	Duration string  `json:"duration,omitempty"`
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	RunID     string      `json:"run_id"`
	Phase     Phase       `json:"phase"`
	Current   string      `json:"current_step,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	Steps     []StepState `json:"steps"`
	Summary   string      `json:"summary,omitempty"`
}

// Tracker holds the status of the current run for the status API.
// All methods are safe on a nil receiver.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{snap: Snapshot{Phase: PhasePending}}
}

// SetPhase records a lifecycle transition.
func (t *Tracker) SetPhase(p Phase) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.snap.Phase = p
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{Phase: PhasePending}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	s.Steps = append([]StepState(nil), t.snap.Steps...)
	return s
}

func (t *Tracker) begin(runID string, names []string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = Snapshot{RunID: runID, Phase: PhaseProvisioning, StartedAt: time.Now()}
	for _, n := range names {
		t.snap.Steps = append(t.snap.Steps, StepState{Name: n})
	}
}

func (t *Tracker) stepStarted(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Current = name
	if i := t.index(name); i >= 0 {
		t.snap.Steps[i].Running = true
	}
}

func (t *Tracker) stepFinished(res StepResult) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Current == res.Name {
		t.snap.Current = ""
	}
	if i := t.index(res.Name); i >= 0 {
		t.snap.Steps[i] = StepState{
			Name:     res.Name,
			Outcome:  res.Outcome,
			Error:    res.Error,
			Duration: res.Duration.Round(time.Millisecond).String(),
		}
	}
}

func (t *Tracker) end(rep Report) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Summary = rep.Summary()
	t.snap.Current = ""
}

func (t *Tracker) index(name string) int {
	for i := range t.snap.Steps {
		if t.snap.Steps[i].Name == name {
			return i
		}
	}
	return -1
}
