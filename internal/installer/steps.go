package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/mt5prov/internal/cache"
	"github.com/loykin/mt5prov/internal/detector"
	"github.com/loykin/mt5prov/internal/download"
	"github.com/loykin/mt5prov/internal/process"
)

func (in *Installer) wine(name string, args ...string) process.Spec {
	return process.Spec{Name: name, Command: in.cfg.Wine.Binary, Args: args}
}

// fetch downloads url into the work dir under its artifact name and returns
// the local path. The caller removes the file.
func (in *Installer) fetch(ctx context.Context, url, name string) (string, error) {
	if name == "" {
		name = cache.ArtifactName(url)
	}
	dest := filepath.Join(in.cfg.Download.WorkDir, name)
	if err := in.fetcher.Fetch(ctx, download.Source{Locator: url}, dest); err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	return dest, nil
}

func (in *Installer) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		in.logger.Warn("Failed to remove installer", "path", path, "error", err)
	}
}

// run executes a best-effort command; a failure is logged and swallowed,
// cancellation is returned.
func (in *Installer) run(ctx context.Context, spec process.Spec) (process.Result, error) {
	res, err := in.runner.Run(ctx, spec, false)
	if err != nil {
		return res, err
	}
	if res.Err != nil {
		in.logger.Warn("Command failed", "name", spec.Name, "exit_code", res.ExitCode, "error", res.Err)
	}
	return res, nil
}

func (in *Installer) monoDone(context.Context) (bool, error) {
	return detector.PathDetector{Path: in.cfg.MonoDir(), Dir: true}.Alive()
}

func (in *Installer) installMono(ctx context.Context) error {
	msi, err := in.fetch(ctx, in.cfg.URLs.Mono, "mono.msi")
	if err != nil {
		return err
	}
	defer in.remove(msi)
	if _, err := in.run(ctx, in.wine("mono-install", "msiexec", "/i", msi, "/qn")); err != nil {
		return err
	}
	if ok, _ := in.monoDone(ctx); !ok {
		return fmt.Errorf("mono runtime not found at %s after install", in.cfg.MonoDir())
	}
	return nil
}

func (in *Installer) terminalDone(context.Context) (bool, error) {
	return detector.PathDetector{Path: in.cfg.TerminalExe()}.Alive()
}

func (in *Installer) installTerminal(ctx context.Context) error {
	reg := in.wine("wine-version", "reg", "add", `HKEY_CURRENT_USER\Software\Wine`,
		"/v", "Version", "/t", "REG_SZ", "/d", in.cfg.Wine.Version, "/f")
	if _, err := in.runner.Run(ctx, reg, true); err != nil {
		return fmt.Errorf("set wine version: %w", err)
	}

	setup, err := in.fetch(ctx, in.cfg.URLs.MT5, "mt5setup.exe")
	if err != nil {
		return err
	}
	defer in.remove(setup)

	p, err := in.runner.Start(ctx, in.wine("mt5-setup", setup, "/auto"))
	if err != nil {
		return err
	}
	in.logger.Info("Waiting for terminal installer", "timeout", in.cfg.InstallTimeout.String())
	switch err := in.runner.Wait(ctx, p, in.cfg.InstallTimeout); {
	case errors.Is(err, process.ErrTimeout):
		in.runner.Stop(p)
		return fmt.Errorf("terminal installer did not finish within %s", in.cfg.InstallTimeout)
	case err != nil:
		in.runner.Stop(p)
		return err
	}

	if ok, _ := in.terminalDone(ctx); !ok {
		return fmt.Errorf("terminal executable missing after install: %s", in.cfg.TerminalExe())
	}
	return nil
}

func (in *Installer) pythonDone(ctx context.Context) (bool, error) {
	res, err := in.runner.Run(ctx, in.wine("python-version", "python", "--version"), false)
	if err != nil {
		return false, err
	}
	return res.Err == nil && res.ExitCode == 0, nil
}

func (in *Installer) installPython(ctx context.Context) error {
	exe, err := in.fetch(ctx, in.cfg.URLs.Python, "")
	if err != nil {
		return err
	}
	_, err = in.run(ctx, in.wine("python-install", exe, "/quiet", "InstallAllUsers=1", "PrependPath=1"))
	in.remove(exe)
	if err != nil {
		return err
	}
	_, err = in.run(ctx, in.wine("pip-upgrade", "python", "-m", "pip", "install", "--upgrade", "pip"))
	return err
}

func (in *Installer) installWinePackages(ctx context.Context) error {
	return in.installPackages(ctx, "wine", func(pkg string) process.Spec {
		return in.wine("pip-wine", "python", "-m", "pip", "install", "--no-cache-dir", pkg)
	})
}

func (in *Installer) installHostPackages(ctx context.Context) error {
	return in.installPackages(ctx, "host", func(pkg string) process.Spec {
		return process.Spec{Name: "pip-host", Command: in.cfg.Bridge.Pip, Args: []string{"install", "--no-cache-dir", pkg}}
	})
}

// installPackages attempts every package; individual failures never fail the step.
func (in *Installer) installPackages(ctx context.Context, target string, spec func(string) process.Spec) error {
	failed := 0
	for _, pkg := range in.cfg.Packages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := in.runner.Run(ctx, spec(pkg), false)
		if err != nil {
			return err
		}
		if res.Err != nil {
			failed++
			in.logger.Warn("Package install failed", "target", target, "package", pkg, "exit_code", res.ExitCode)
			continue
		}
		in.logger.Info("Package installed", "target", target, "package", pkg)
	}
	if failed > 0 {
		in.logger.Warn("Some packages were not installed", "target", target, "failed", failed, "total", len(in.cfg.Packages))
	}
	return nil
}

func (in *Installer) terminalRunningDone(context.Context) (bool, error) {
	return in.terminalRunning.Alive()
}

func (in *Installer) launchTerminal(ctx context.Context) error {
	exe := in.cfg.TerminalExe()
	if ok, _ := (detector.PathDetector{Path: exe}).Alive(); !ok {
		return fmt.Errorf("terminal executable not found: %s", exe)
	}
	_, err := in.runner.Start(ctx, in.wine("terminal", exe))
	return err
}

func (in *Installer) bridgeDone(context.Context) (bool, error) {
	return in.bridgeUp.Alive()
}

func (in *Installer) launchBridge(ctx context.Context) error {
	spec := process.Spec{
		Name:    "bridge",
		Command: in.cfg.Bridge.Python,
		Args: []string{"-m", "mt5linux",
			"--host", in.cfg.Bridge.Host,
			"-p", strconv.Itoa(in.cfg.MT5.Port),
			"-w", in.cfg.Wine.Binary, "python.exe"},
	}
	if _, err := in.runner.Start(ctx, spec); err != nil {
		return err
	}

	if d := in.cfg.Bridge.Settle; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if ok, _ := in.bridgeUp.Alive(); !ok {
		in.logger.Error("Bridge is not listening after settle delay", "addr", in.bridgeAddr())
		return nil
	}
	in.logger.Info("Bridge is listening", "addr", in.bridgeAddr())
	return nil
}
