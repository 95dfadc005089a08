package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/mt5prov/internal/env"
	"github.com/loykin/mt5prov/internal/logger"
	"github.com/loykin/mt5prov/internal/metrics"
)

// DefaultGrace is how long cleanup waits after SIGTERM before SIGKILL.
const DefaultGrace = 5 * time.Second

var (
	// ErrCancelled is returned when no new work may start or a run was interrupted.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout is returned by Wait when the bound elapses first.
	ErrTimeout = errors.New("timed out")
)

// Result is the outcome of a foreground command.
type Result struct {
	Name      string
	Command   string
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Cancelled bool
	Err       error // start failure or non-zero exit
}

// ExitError is returned by Run with check set when the command failed.
type ExitError struct {
	Result Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d", e.Result.Command, e.Result.ExitCode)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += ": " + lastLine(s)
	} else if e.Result.Err != nil {
		msg += ": " + e.Result.Err.Error()
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Result.Err }

// CleanupReport counts what Cleanup had to do.
type CleanupReport struct {
	Terminated int
	Killed     int
}

// Supervisor runs external commands and owns every background child it starts.
type Supervisor struct {
	env    *env.Env
	logs   logger.FileConfig
	pidDir string
	grace  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	procs []*Process
}

type Option func(*Supervisor)

// WithEnv sets the environment merged into every child.
func WithEnv(e *env.Env) Option { return func(s *Supervisor) { s.env = e } }

// WithLogFiles routes background stdout/stderr into rotated files.
func WithLogFiles(fc logger.FileConfig) Option { return func(s *Supervisor) { s.logs = fc } }

// WithPIDDir writes <dir>/<name>.pid for each background child.
func WithPIDDir(dir string) Option { return func(s *Supervisor) { s.pidDir = dir } }

// WithGrace sets the SIGTERM to SIGKILL grace period.
func WithGrace(d time.Duration) Option { return func(s *Supervisor) { s.grace = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{grace: DefaultGrace, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.grace <= 0 {
		s.grace = DefaultGrace
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// PIDFile returns where the pid file of a named background process lives, or "".
func (s *Supervisor) PIDFile(name string) string {
	if s.pidDir == "" {
		return ""
	}
	return filepath.Join(s.pidDir, name+".pid")
}

func (s *Supervisor) prepare(spec Spec) *exec.Cmd {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	switch {
	case s.env != nil:
		cmd.Env = s.env.Merge(spec.Env)
	case len(spec.Env) > 0:
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}

// Run executes spec in the foreground and captures its output.
// A start failure or non-zero exit is recorded in Result.Err and, when check
// is true, also returned as *ExitError. Cancelling ctx interrupts the command
// (SIGTERM, then SIGKILL after the grace period) and yields ErrCancelled.
func (s *Supervisor) Run(ctx context.Context, spec Spec, check bool) (Result, error) {
	res := Result{Name: spec.Name, Command: spec.String()}
	if ctx.Err() != nil {
		res.Cancelled = true
		return res, ErrCancelled
	}
	log := s.logger.With("name", spec.Name, "cmd", res.Command)
	cmd := s.prepare(spec)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = s.grace

	log.Info("Running command")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.ExitCode = -1
		res.Err = err
		log.Error("Failed to start command", "error", err)
		if check {
			return res, &ExitError{Result: res}
		}
		return res, nil
	}
	metrics.IncProcessStart(spec.Name, false)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitCh:
	case <-ctx.Done():
		res.Cancelled = true
		pid := cmd.Process.Pid
		log.Warn("Interrupting command, shutdown requested", "pid", pid)
		_ = signalGroup(pid, syscall.SIGTERM)
		t := time.NewTimer(s.grace)
		select {
		case err = <-waitCh:
		case <-t.C:
			_ = signalGroup(pid, syscall.SIGKILL)
			err = <-waitCh
		}
		t.Stop()
	}
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode(err)
	res.Err = err
	if res.Stdout != "" {
		log.Debug("Command stdout", "output", strings.TrimSpace(res.Stdout))
	}
	if res.Stderr != "" {
		log.Debug("Command stderr", "output", strings.TrimSpace(res.Stderr))
	}
	if res.Cancelled {
		return res, ErrCancelled
	}
	if err != nil {
		if check {
			log.Error("Command failed", "exit_code", res.ExitCode, "stderr", lastLine(res.Stderr))
			return res, &ExitError{Result: res}
		}
		log.Debug("Command exited non-zero", "exit_code", res.ExitCode)
	}
	return res, nil
}

// Start spawns spec in the background and tracks it for Cleanup.
// Output goes to rotated log files when configured, otherwise it is discarded.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	log := s.logger.With("name", spec.Name)
	cmd := s.prepare(spec)

	stdout, stderr, err := s.childOutput(spec.Name, log)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.grace

	err = cmd.Start()
	// the child holds its own descriptors
	closeFiles(stdout, stderr)
	if err != nil {
		log.Error("Failed to start process", "cmd", spec.String(), "error", err)
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := newProcess(spec, s.logger)
	p.setStarted(cmd)
	if pf := s.PIDFile(spec.Name); pf != "" {
		if err := writePIDFile(pf, cmd.Process.Pid, spec); err != nil {
			log.Warn("Failed to write pid file", "path", pf, "error", err)
		} else {
			p.mu.Lock()
			p.pidFile = pf
			p.mu.Unlock()
		}
	}
	go p.reap()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	metrics.IncProcessStart(spec.Name, true)
	metrics.SetRunningProcesses(s.running())
	log.Info("Started background process", "pid", cmd.Process.Pid, "cmd", spec.String())
	return p, nil
}

// Wait blocks until p exits, ctx is cancelled, or timeout elapses.
func (s *Supervisor) Wait(ctx context.Context, p *Process, timeout time.Duration) error {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ErrCancelled
	case <-tc:
		return ErrTimeout
	}
}

// Processes returns a snapshot of every tracked background process.
func (s *Supervisor) Processes() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.Snapshot())
	}
	return out
}

func (s *Supervisor) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.procs {
		if p.Alive() {
			n++
		}
	}
	return n
}

// Stop terminates one tracked process with the supervisor's grace period and
// reports whether it had to be killed.
func (s *Supervisor) Stop(p *Process) bool {
	if !p.Alive() {
		return false
	}
	killed := p.Stop(s.grace)
	metrics.IncProcessStop(p.Name(), killed)
	metrics.SetRunningProcesses(s.running())
	return killed
}

// Cleanup terminates every tracked background process that is still alive.
// It is safe to call more than once.
func (s *Supervisor) Cleanup() CleanupReport {
	s.mu.Lock()
	procs := append([]*Process(nil), s.procs...)
	s.mu.Unlock()

	var rep CleanupReport
	for _, p := range procs {
		if !p.Alive() {
			continue
		}
		s.logger.Info("Terminating process", "name", p.Name(), "pid", p.PID())
		killed := p.Stop(s.grace)
		if killed {
			rep.Killed++
			s.logger.Warn("Process did not exit in time, killed", "name", p.Name(), "pid", p.PID(), "grace", s.grace.String())
		} else {
			rep.Terminated++
		}
		metrics.IncProcessStop(p.Name(), killed)
	}
	metrics.SetRunningProcesses(s.running())
	s.logger.Info("Cleanup complete", "terminated", rep.Terminated, "killed", rep.Killed)
	return rep
}

var openDevNull = func() (*os.File, error) { return os.OpenFile(os.DevNull, os.O_RDWR, 0) }

// childOutput returns the descriptors a background child writes to. Log
// files are fed through a pipe so the child only ever sees an *os.File and
// cmd.Wait does not wait for grandchildren that inherited the descriptor.
func (s *Supervisor) childOutput(name string, log *slog.Logger) (stdout, stderr *os.File, err error) {
	outW, errW, err := s.logs.Writers(name)
	if err != nil {
		log.Warn("Child log files unavailable, discarding output", "error", err)
		outW, errW = nil, nil
	}
	if outW == nil || errW == nil {
		closeWriters(outW, errW)
		devnull, err := openDevNull()
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		return devnull, devnull, nil
	}
	if stdout, err = logPipe(outW); err != nil {
		closeWriters(outW, errW)
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if stderr, err = logPipe(errW); err != nil {
		_ = stdout.Close()
		closeWriters(errW)
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return stdout, stderr, nil
}

// logPipe returns the write end of a pipe copied into w. The copy, and w,
// end once every process holding the write end has closed it.
func logPipe(w io.WriteCloser) (*os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		_, _ = io.Copy(w, pr)
		_ = pr.Close()
		_ = w.Close()
	}()
	return pw, nil
}

func closeFiles(fs ...*os.File) {
	seen := make(map[*os.File]bool, len(fs))
	for _, f := range fs {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		_ = f.Close()
	}
}

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
