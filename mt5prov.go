// Package mt5prov provisions a wine prefix with the MetaTrader 5 terminal and
// the mt5linux bridge, and supervises both until shutdown.
package mt5prov

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mt5prov/internal/cache"
	"github.com/loykin/mt5prov/internal/config"
	"github.com/loykin/mt5prov/internal/download"
	"github.com/loykin/mt5prov/internal/env"
	"github.com/loykin/mt5prov/internal/history"
	"github.com/loykin/mt5prov/internal/history/factory"
	"github.com/loykin/mt5prov/internal/installer"
	"github.com/loykin/mt5prov/internal/integrity"
	"github.com/loykin/mt5prov/internal/metrics"
	"github.com/loykin/mt5prov/internal/pipeline"
	"github.com/loykin/mt5prov/internal/process"
	"github.com/loykin/mt5prov/internal/server"
	mttls "github.com/loykin/mt5prov/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Report = pipeline.Report

type Snapshot = pipeline.Snapshot

type ProcessStatus = process.Status

// LoadConfig reads the optional config file and .env file plus the environment.
func LoadConfig(path, envFile string) (*Config, error) { return config.Load(path, envFile) }

// Provisioner assembles the supervisor, downloader, cache and history sink for
// one provisioning run.
type Provisioner struct {
	cfg        *config.Config
	runID      string
	supervisor *process.Supervisor
	downloads  *download.Manager
	cache      *cache.Store
	verifier   *integrity.Verifier
	tracker    *pipeline.Tracker
	recorder   *history.Recorder
	installer  *installer.Installer
	logger     *slog.Logger
}

type Option func(*options)

type options struct {
	transport http.RoundTripper
	runner    installer.Runner
}

// WithTransport replaces the base HTTP transport used for artifact downloads.
func WithTransport(rt http.RoundTripper) Option { return func(o *options) { o.transport = rt } }

// WithRunner replaces the process supervisor for the install steps.
func WithRunner(r installer.Runner) Option { return func(o *options) { o.runner = r } }

// New validates cfg and builds a Provisioner. Errors opening the history sink
// are logged and the run continues without history.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	p := &Provisioner{cfg: cfg, runID: uuid.NewString(), tracker: pipeline.NewTracker(), logger: logger}

	p.supervisor = process.NewSupervisor(
		process.WithEnv(env.FromMap(cfg.ChildEnv())),
		process.WithLogFiles(cfg.Logger().File),
		process.WithPIDDir(cfg.PIDDir()),
		process.WithGrace(cfg.Shutdown.Grace),
		process.WithLogger(logger),
	)

	p.verifier = integrity.NewVerifier(logger)
	if cfg.Checksums.Manifest != "" {
		m, err := integrity.LoadManifest(cfg.Checksums.Manifest)
		if err != nil {
			return nil, err
		}
		p.verifier.Merge(m)
	}

	if cfg.Cache.Enabled {
		store, err := cache.Open(cfg.Cache.Dir, cfg.Cache.TTL,
			cache.WithConsumeOnRead(cfg.Cache.ConsumeOnRead),
			cache.WithLogger(logger))
		if err != nil {
			logger.Warn("Cache unavailable, downloading without it", "dir", cfg.Cache.Dir, "error", err)
		} else {
			p.cache = store
		}
	}

	p.downloads = download.New(download.Options{
		Timeout: cfg.Download.Timeout,
		Retry: download.RetryPolicy{
			MaxRetries:      cfg.Download.MaxRetries,
			InitialInterval: cfg.Download.RetryInterval,
			MaxInterval:     30 * time.Second,
		},
		ChunkSize: cfg.Download.ChunkSize,
		Cache:     p.cache,
		Verifier:  p.verifier,
		Transport: o.transport,
		Logger:    logger,
	})

	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			logger.Warn("History sink unavailable", "error", err)
		} else {
			p.recorder = history.NewRecorder(sink, logger)
		}
	}

	runner := o.runner
	if runner == nil {
		runner = p.supervisor
	}
	p.installer = installer.New(cfg, runner, p.downloads,
		installer.WithTracker(p.tracker),
		installer.WithRecorder(p.recorder),
		installer.WithRunID(p.runID),
		installer.WithLogger(logger),
	)
	return p, nil
}

func (p *Provisioner) RunID() string { return p.runID }

// Run provisions the prefix and, with keep_alive, serves until ctx is cancelled.
func (p *Provisioner) Run(ctx context.Context) (Report, error) {
	p.logger.Info("Starting provisioning", "run_id", p.runID, "prefix", p.cfg.Wine.Prefix)
	if p.cache != nil && p.cfg.Cache.PruneSchedule != "" {
		stop, err := p.cache.SchedulePrune(p.cfg.Cache.PruneSchedule)
		if err != nil {
			p.logger.Warn("Cache prune not scheduled", "error", err)
		} else {
			defer stop()
		}
	}
	rep, err := p.installer.Run(ctx)
	if err != nil {
		return rep, err
	}
	p.logger.Info("Run complete", "run_id", p.runID, "summary", rep.Summary())
	return rep, nil
}

// Fetch downloads a single artifact through the cache and verifier.
func (p *Provisioner) Fetch(ctx context.Context, locator, expected, dest string) error {
	if err := p.downloads.Fetch(ctx, download.Source{Locator: locator, ExpectedHash: expected}, dest); err != nil {
		return fmt.Errorf("fetch %s: %w", locator, err)
	}
	return nil
}

func (p *Provisioner) Snapshot() Snapshot { return p.tracker.Snapshot() }

func (p *Provisioner) Processes() []ProcessStatus { return p.supervisor.Processes() }

// NewStatusServer serves the status API on addr, over TLS when status.tls is
// configured. Shutdown requests go to trigger and need a bearer token when
// status.secret is set.
func (p *Provisioner) NewStatusServer(addr string, trigger server.Trigger) (*http.Server, error) {
	tlsCfg, err := mttls.Setup(p.cfg.Status.TLS)
	if err != nil {
		return nil, err
	}
	return server.NewServer(addr, server.NewRouter("", p.tracker, p.supervisor, trigger,
		server.WithShutdownSecret(p.cfg.Status.Secret)), tlsCfg, p.logger)
}

// Close releases the history sink.
func (p *Provisioner) Close() error { return p.recorder.Close() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
