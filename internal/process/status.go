package process

import "time"

// Status is a point-in-time view of a background process.
type Status struct {
	Name        string    `json:"name"`
	Command     string    `json:"command"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at,omitempty"`
	ExitErr     string    `json:"exit_error,omitempty"`
	ExitCode    int       `json:"exit_code"`
	ForceKilled bool      `json:"force_killed"`
}
