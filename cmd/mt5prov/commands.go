package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/mt5prov"
	"github.com/loykin/mt5prov/internal/auth"
	"github.com/loykin/mt5prov/internal/cache"
	"github.com/loykin/mt5prov/internal/config"
	"github.com/loykin/mt5prov/internal/detector"
	"github.com/loykin/mt5prov/internal/history/factory"
	"github.com/loykin/mt5prov/internal/integrity"
	"github.com/loykin/mt5prov/internal/probe"
	"github.com/loykin/mt5prov/internal/process"
	"github.com/loykin/mt5prov/internal/server"
	"github.com/loykin/mt5prov/internal/shutdown"
)

type command struct {
	global *GlobalFlags
}

func (c command) loadConfig() (*config.Config, error) {
	return mt5prov.LoadConfig(c.global.ConfigPath, c.global.EnvFile)
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(cfg *config.Config) *slog.Logger {
	l := cfg.Logger().NewSlogger()
	slog.SetDefault(l)
	return l
}

// Run provisions the prefix and supervises children until a signal arrives.
func (c command) Run(ctx context.Context, out io.Writer, f RunFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.NoWait {
		cfg.KeepAlive = false
	}
	logger := setupLogger(cfg)
	if err := mt5prov.RegisterMetricsDefault(); err != nil {
		logger.Warn("Metrics registration failed", "error", err)
	}

	coord := shutdown.New(ctx, logger)
	defer coord.Stop()

	p, err := mt5prov.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if cfg.Status.Listen != "" {
		srv, err := p.NewStatusServer(cfg.Status.Listen, coord)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer func() { _ = server.Shutdown(srv, 5*time.Second) }()
	}

	rep, err := p.Run(coord.Context())
	if err != nil {
		return err
	}
	if coord.Requested() {
		logger.Info("Stopped", "reason", coord.Reason())
	}
	_, _ = fmt.Fprintf(out, "run %s: %s\n", rep.RunID, rep.Summary())
	return nil
}

// Fetch downloads a single artifact with the configured cache and retries.
func (c command) Fetch(ctx context.Context, out io.Writer, locator, dest string, f FetchFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)
	coord := shutdown.New(ctx, logger)
	defer coord.Stop()

	p, err := mt5prov.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	if err := p.Fetch(coord.Context(), locator, f.SHA256, dest); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s -> %s\n", locator, dest)
	return nil
}

// Verify prints the digest of path and its verdict. The file is never removed.
func (c command) Verify(out io.Writer, path string, f VerifyFlags) error {
	digest, err := integrity.FileDigest(path)
	if err != nil {
		return err
	}
	expected := strings.ToLower(strings.TrimSpace(f.SHA256))
	if expected == "" {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		v := integrity.NewVerifier(nil)
		if cfg.Checksums.Manifest != "" {
			m, err := integrity.LoadManifest(cfg.Checksums.Manifest)
			if err != nil {
				return err
			}
			v.Merge(m)
		}
		expected = v.Expected(path)
	}
	_, _ = fmt.Fprintf(out, "%s  %s\n", digest, path)
	switch {
	case expected == "":
		_, _ = fmt.Fprintln(out, "no known checksum")
	case expected == digest:
		_, _ = fmt.Fprintln(out, "OK")
	default:
		return fmt.Errorf("%s: expected %s: %w", filepath.Base(path), expected, integrity.ErrMismatch)
	}
	return nil
}

// Checksums writes a manifest for files.
func (c command) Checksums(out io.Writer, manifest string, files []string) error {
	m, err := integrity.WriteManifest(manifest, files)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(m.Hashes))
	for n := range m.Hashes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		_, _ = fmt.Fprintf(out, "%s  %s\n", m.Hashes[n], n)
	}
	return nil
}

func (c command) CacheList(out io.Writer) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := cache.Open(cfg.Cache.Dir, cfg.Cache.TTL)
	if err != nil {
		return err
	}
	entries, err := store.Entries()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FILE\tSIZE\tAGE\tSTATE\tLOCATOR")
	for _, e := range entries {
		state := "valid"
		switch {
		case e.Err != nil:
			_, _ = fmt.Fprintf(tw, "%s\t-\t-\tunreadable\t%v\n", filepath.Base(e.MetaFile), e.Err)
			continue
		case e.Missing:
			state = "missing"
		case e.Expired:
			state = "expired"
		}
		age := time.Since(e.FetchedAt).Round(time.Second)
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", filepath.Base(e.Path), e.Size, age, state, e.Locator)
	}
	return tw.Flush()
}

// CachePrune drops expired, orphaned and unreadable cache entries.
func (c command) CachePrune(out io.Writer) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := cache.Open(cfg.Cache.Dir, cfg.Cache.TTL, cache.WithLogger(setupLogger(cfg)))
	if err != nil {
		return err
	}
	n, err := store.Prune()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "pruned %d entries\n", n)
	return nil
}

// Token prints a bearer token accepted by the status API shutdown endpoint.
func (c command) Token(out io.Writer, f TokenFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	tok, err := auth.Issue([]byte(cfg.Status.Secret), f.Subject, f.TTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, _ = fmt.Fprintln(out, tok)
	return nil
}

func (c command) History(ctx context.Context, out io.Writer, f HistoryFlags) error {
	dsn := f.DSN
	if dsn == "" {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		dsn = cfg.History.DSN
	}
	if dsn == "" {
		return errors.New("no history DSN: set history.dsn or pass --dsn")
	}
	reader, err := factory.NewReaderFromDSN(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if cl, ok := reader.(io.Closer); ok {
			_ = cl.Close()
		}
	}()
	events, err := reader.Recent(ctx, f.Limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tRUN\tSTEP\tOUTCOME\tDURATION\tERROR")
	for _, e := range events {
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), run, e.Step, e.Outcome,
			e.Duration.Round(time.Millisecond), e.Error)
	}
	return tw.Flush()
}

func (c command) Validate(ctx context.Context, out io.Writer, f ValidateFlags) error {
	p := probe.New(probe.Options{
		Host:    f.Host,
		APIPort: f.APIPort,
		VNCPort: f.VNCPort,
		Ports:   f.Ports,
		Timeout: f.Timeout,
		Symbol:  f.Symbol,
	})
	rep := p.Run(ctx)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, ch := range rep.Checks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", ch.Level, ch.Name, ch.Detail)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(out, "errors=%d warnings=%d\n", len(rep.Errors()), len(rep.Warnings()))
	if !rep.OK() {
		return fmt.Errorf("validation failed with %d error(s)", len(rep.Errors()))
	}
	return nil
}

// PS lists pid files left by a run, live or stale.
func (c command) PS(out io.Writer) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(cfg.PIDDir(), "*.pid"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tPID\tSTATE\tCOMMAND")
	for _, path := range files {
		pid, spec, err := process.ReadPIDFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_, _ = fmt.Fprintf(tw, "%s\t-\tunreadable\t%v\n", strings.TrimSuffix(filepath.Base(path), ".pid"), err)
			}
			continue
		}
		name, cmdline := strings.TrimSuffix(filepath.Base(path), ".pid"), ""
		if spec != nil {
			name, cmdline = spec.Name, spec.String()
		}
		state := "stale"
		if ok, _ := (detector.PIDFileDetector{PIDFile: path}).Alive(); ok {
			state = "running"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", name, pid, state, cmdline)
	}
	return tw.Flush()
}
