//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mt5prov/internal/env"
	"github.com/loykin/mt5prov/internal/logger"
)

func TestRunCapturesOutput(t *testing.T) {
	s := NewSupervisor()
	res, err := s.Run(context.Background(), Spec{Name: "echo", Command: "sh -c 'echo out; echo err 1>&2'"}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.Cancelled)
}

func TestRunExplicitArgs(t *testing.T) {
	s := NewSupervisor()
	res, err := s.Run(context.Background(), Spec{
		Name:    "printf",
		Command: "printf",
		Args:    []string{"%s|", "C:\\Program Files\\MetaTrader 5\\terminal64.exe"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "C:\\Program Files\\MetaTrader 5\\terminal64.exe|", res.Stdout)
}

func TestRunCheckSemantics(t *testing.T) {
	s := NewSupervisor()
	spec := Spec{Name: "fail", Command: "sh -c 'echo boom 1>&2; exit 3'"}

	res, err := s.Run(context.Background(), spec, false)
	require.NoError(t, err, "unchecked failure is not an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Error(t, res.Err)

	res, err = s.Run(context.Background(), spec, true)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Result.ExitCode)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunStartFailure(t *testing.T) {
	s := NewSupervisor()
	spec := Spec{Name: "missing", Command: "/nonexistent/mt5prov-binary", Args: []string{}}

	res, err := s.Run(context.Background(), spec, false)
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Error(t, res.Err)

	_, err = s.Run(context.Background(), spec, true)
	var ee *ExitError
	assert.ErrorAs(t, err, &ee)
}

func TestRunRefusedAfterCancel(t *testing.T) {
	s := NewSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	marker := filepath.Join(t.TempDir(), "ran")
	res, err := s.Run(ctx, Spec{Name: "touch", Command: "touch", Args: []string{marker}}, true)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, res.Cancelled)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "command must not have started")

	_, err = s.Start(ctx, Spec{Name: "bg", Command: "sleep 5"})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, s.Processes())
}

func TestRunInterruptedByCancel(t *testing.T) {
	s := NewSupervisor(WithGrace(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	res, err := s.Run(ctx, Spec{Name: "sleep", Command: "sleep 30"}, true)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, res.Cancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunUsesEnv(t *testing.T) {
	e := env.New()
	e.Set("WINEPREFIX", "/config/.wine")
	s := NewSupervisor(WithEnv(e))
	res, err := s.Run(context.Background(), Spec{
		Name:    "env",
		Command: "sh -c 'echo $WINEPREFIX:$WINEDEBUG'",
		Env:     []string{"WINEDEBUG=-all"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "/config/.wine:-all", strings.TrimSpace(res.Stdout))
}

func TestStartTracksAndCleanupTerminates(t *testing.T) {
	s := NewSupervisor(WithGrace(2 * time.Second))
	p, err := s.Start(context.Background(), Spec{Name: "sleeper", Command: "sleep 30"})
	require.NoError(t, err)
	require.NotNil(t, p.cmd.SysProcAttr)
	assert.True(t, p.cmd.SysProcAttr.Setpgid, "children run in their own process group")
	assert.True(t, p.Alive())
	require.Len(t, s.Processes(), 1)
	assert.True(t, s.Processes()[0].Running)

	rep := s.Cleanup()
	assert.Equal(t, CleanupReport{Terminated: 1}, rep)
	assert.False(t, p.Alive())
	st := p.Snapshot()
	assert.False(t, st.Running)
	assert.False(t, st.ForceKilled)

	assert.Equal(t, CleanupReport{}, s.Cleanup(), "second cleanup is a no-op")
}

func TestCleanupKillsStubbornProcessOnce(t *testing.T) {
	s := NewSupervisor(WithGrace(200 * time.Millisecond))
	p, err := s.Start(context.Background(), Spec{Name: "stubborn", Command: `sh -c 'trap "" TERM; sleep 30'`})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // let the trap install

	rep := s.Cleanup()
	assert.Equal(t, CleanupReport{Killed: 1}, rep)
	assert.False(t, p.Alive())
	assert.True(t, p.Snapshot().ForceKilled)
}

func TestCleanupSkipsExitedProcess(t *testing.T) {
	s := NewSupervisor()
	p, err := s.Start(context.Background(), Spec{Name: "quick", Command: "true"})
	require.NoError(t, err)
	require.NoError(t, s.Wait(context.Background(), p, 5*time.Second))
	assert.Equal(t, 0, p.Snapshot().ExitCode)
	assert.Equal(t, CleanupReport{}, s.Cleanup())
}

func TestWaitTimeoutAndCancel(t *testing.T) {
	s := NewSupervisor(WithGrace(time.Second))
	defer s.Cleanup()
	p, err := s.Start(context.Background(), Spec{Name: "waiter", Command: "sleep 30"})
	require.NoError(t, err)

	err = s.Wait(context.Background(), p, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Wait(ctx, p, 0)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, p.Alive(), "cancellation alone does not stop background processes")
}

func TestStartWritesLogsAndPIDFile(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(
		WithLogFiles(logger.FileConfig{Dir: filepath.Join(dir, "logs")}),
		WithPIDDir(filepath.Join(dir, "run")),
	)
	p, err := s.Start(context.Background(), Spec{Name: "bridge", Command: "sh -c 'echo started; sleep 30'"})
	require.NoError(t, err)
	defer s.Cleanup()

	pid, spec, err := ReadPIDFile(s.PIDFile("bridge"))
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pid)
	require.NotNil(t, spec)
	assert.Equal(t, "bridge", spec.Name)

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(filepath.Join(dir, "logs", "bridge.stdout.log"))
		return strings.Contains(string(b), "started")
	}, 3*time.Second, 20*time.Millisecond)

	s.Cleanup()
	_, err = os.Stat(s.PIDFile("bridge"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "pid file removed after exit")
}

func TestStopSingleProcess(t *testing.T) {
	s := NewSupervisor(WithGrace(time.Second))
	p, err := s.Start(context.Background(), Spec{Name: "setup", Command: "sleep 30"})
	require.NoError(t, err)
	assert.False(t, s.Stop(p))
	assert.False(t, p.Alive())
	assert.False(t, s.Stop(p), "stopping an exited process is a no-op")
	assert.Equal(t, CleanupReport{}, s.Cleanup())
}

func TestLoggedChildReapedDespiteDetachedGrandchild(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}
	dir := t.TempDir()
	s := NewSupervisor(WithGrace(time.Second), WithLogFiles(logger.FileConfig{Dir: dir}))
	p, err := s.Start(context.Background(), Spec{Name: "installer", Command: "sh -c 'echo installing; setsid sleep 8 & exit 0'"})
	require.NoError(t, err)

	require.NoError(t, s.Wait(context.Background(), p, 3*time.Second), "exit is seen while the grandchild still holds the log pipe")
	st := p.Snapshot()
	assert.Equal(t, 0, st.ExitCode)
	assert.False(t, st.ForceKilled)
	assert.Equal(t, CleanupReport{}, s.Cleanup())

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(filepath.Join(dir, "installer.stdout.log"))
		return strings.Contains(string(b), "installing")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartFailsWithoutDevNull(t *testing.T) {
	orig := openDevNull
	openDevNull = func() (*os.File, error) { return nil, os.ErrPermission }
	defer func() { openDevNull = orig }()

	s := NewSupervisor()
	_, err := s.Start(context.Background(), Spec{Name: "quiet", Command: "true"})
	require.ErrorIs(t, err, os.ErrPermission)
	assert.Contains(t, err.Error(), os.DevNull)
	assert.Empty(t, s.Processes())
}
