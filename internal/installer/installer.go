// Package installer provisions a wine prefix with the MetaTrader 5 terminal,
// a Windows Python runtime and the mt5linux bridge.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/loykin/mt5prov/internal/config"
	"github.com/loykin/mt5prov/internal/detector"
	"github.com/loykin/mt5prov/internal/history"
	"github.com/loykin/mt5prov/internal/lock"
	"github.com/loykin/mt5prov/internal/pipeline"
)

// Step names, in execution order.
const (
	StepMono           = "mono"
	StepTerminal       = "terminal"
	StepPython         = "python"
	StepPackagesWine   = "packages-wine"
	StepPackagesHost   = "packages-host"
	StepLaunchTerminal = "launch-terminal"
	StepBridge         = "bridge"
)

// Installer wires the provisioning steps to a command runner and a fetcher.
type Installer struct {
	cfg     *config.Config
	runner  Runner
	fetcher Fetcher

	terminalRunning detector.Detector
	bridgeUp        detector.Detector

	tracker  *pipeline.Tracker
	recorder *history.Recorder
	runID    string
	logger   *slog.Logger
}

type Option func(*Installer)

func WithTracker(t *pipeline.Tracker) Option { return func(i *Installer) { i.tracker = t } }
func WithRecorder(r *history.Recorder) Option { return func(i *Installer) { i.recorder = r } }
func WithRunID(id string) Option { return func(i *Installer) { i.runID = id } }
func WithLogger(l *slog.Logger) Option { return func(i *Installer) { i.logger = l } }
func WithTerminalDetector(d detector.Detector) Option { return func(i *Installer) { i.terminalRunning = d } }
func WithBridgeDetector(d detector.Detector) Option { return func(i *Installer) { i.bridgeUp = d } }

func New(cfg *config.Config, runner Runner, fetcher Fetcher, opts ...Option) *Installer {
	in := &Installer{cfg: cfg, runner: runner, fetcher: fetcher, logger: slog.Default()}
	for _, o := range opts {
		o(in)
	}
	if in.terminalRunning == nil {
		in.terminalRunning = detector.ProcessDetector{Match: "terminal64.exe"}
	}
	if in.bridgeUp == nil {
		in.bridgeUp = detector.PortDetector{Addr: in.bridgeAddr(), Timeout: time.Second}
	}
	in.logger = in.logger.With("component", "installer")
	return in
}

func (in *Installer) bridgeAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(in.cfg.MT5.Port))
}

// Steps returns the provisioning steps in order.
func (in *Installer) Steps() []pipeline.Step {
	return []pipeline.Step{
		{Name: StepMono, Done: in.monoDone, Apply: in.installMono},
		{Name: StepTerminal, Done: in.terminalDone, Apply: in.installTerminal},
		{Name: StepPython, Done: in.pythonDone, Apply: in.installPython},
		{Name: StepPackagesWine, Apply: in.installWinePackages},
		{Name: StepPackagesHost, Apply: in.installHostPackages},
		{Name: StepLaunchTerminal, Done: in.terminalRunningDone, Apply: in.launchTerminal},
		{Name: StepBridge, Done: in.bridgeDone, Apply: in.launchBridge},
	}
}

// Run holds the prefix lock, runs every step, then keeps background processes
// alive until ctx is cancelled when keep_alive is set. Cleanup of background
// processes always runs, also after a panic, which is returned as an error.
func (in *Installer) Run(ctx context.Context) (rep pipeline.Report, err error) {
	lk, err := lock.Acquire(in.cfg.LockFile())
	if err != nil {
		return rep, fmt.Errorf("prefix %s: %w", in.cfg.Wine.Prefix, err)
	}
	defer func() { _ = lk.Release() }()

	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("Unexpected failure, cleaning up", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("unexpected failure: %v", r)
		}
		in.tracker.SetPhase(pipeline.PhaseStopping)
		cr := in.runner.Cleanup()
		in.tracker.SetPhase(pipeline.PhaseFinished)
		in.logger.Info("Shutdown complete", "terminated", cr.Terminated, "killed", cr.Killed)
	}()

	opts := []pipeline.Option{
		pipeline.WithTracker(in.tracker),
		pipeline.WithRecorder(in.recorder),
		pipeline.WithLogger(in.logger),
	}
	if in.runID != "" {
		opts = append(opts, pipeline.WithRunID(in.runID))
	}
	rep = pipeline.New(in.Steps(), opts...).Run(ctx)

	if ctx.Err() == nil && in.cfg.KeepAlive {
		in.tracker.SetPhase(pipeline.PhaseServing)
		in.logger.Info("Provisioning complete, keeping services alive until shutdown")
		<-ctx.Done()
	}
	return rep, nil
}
