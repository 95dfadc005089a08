package process

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a background child owned by a Supervisor.
// A reaper goroutine started by the Supervisor is the only caller of cmd.Wait.
type Process struct {
	spec     Spec
	cmd      *exec.Cmd
	status   Status
	mu       sync.Mutex
	pidFile  string
	waitDone chan struct{} // closed by the reaper when cmd.Wait returns
	logger   *slog.Logger
}

func newProcess(spec Spec, logger *slog.Logger) *Process {
	return &Process{spec: spec, waitDone: make(chan struct{}), logger: logger}
}

func (p *Process) Name() string { return p.spec.Name }
func (p *Process) Spec() Spec   { return p.spec }

// PID returns the child pid, or 0 before start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Alive reports whether the process has not been reaped yet.
func (p *Process) Alive() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	return s
}

func (p *Process) setStarted(cmd *exec.Cmd) {
	p.mu.Lock()
	p.cmd = cmd
	p.status = Status{
		Name:      p.spec.Name,
		Command:   p.spec.String(),
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	p.mu.Unlock()
}

// reap waits for the child and records its exit.
func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitCode = exitCode(err)
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	pidFile := p.pidFile
	p.mu.Unlock()
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
	close(p.waitDone)
	st := p.Snapshot()
	p.logger.Info("Process exited", "name", st.Name, "pid", st.PID, "exit_code", st.ExitCode, "killed", st.ForceKilled)
}

// Stop sends SIGTERM to the process group and waits up to grace for the reaper.
// A process still alive afterwards gets SIGKILL once. It reports whether the
// kill was needed.
func (p *Process) Stop(grace time.Duration) bool {
	if !p.Alive() {
		return false
	}
	pid := p.PID()
	_ = signalGroup(pid, syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.waitDone:
		return false
	case <-t.C:
	}
	p.mu.Lock()
	p.status.ForceKilled = true
	p.mu.Unlock()
	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-p.waitDone:
	case <-time.After(2 * time.Second):
		p.logger.Warn("Process not reaped after SIGKILL", "name", p.spec.Name, "pid", pid)
	}
	return true
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
