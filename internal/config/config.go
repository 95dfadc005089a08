// Package config loads provisioning settings from defaults, an optional .env
// file, an optional TOML file and the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/loykin/mt5prov/internal/logger"
)

// EnvPrefix namespaces the automatic environment names (MT5PROV_CACHE_DIR, ...).
const EnvPrefix = "MT5PROV"

type Config struct {
	Wine           WineConfig     `mapstructure:"wine"`
	MT5            MT5Config      `mapstructure:"mt5"`
	URLs           URLConfig      `mapstructure:"urls"`
	Packages       []string       `mapstructure:"packages"`
	Download       DownloadConfig `mapstructure:"download"`
	Cache          CacheConfig    `mapstructure:"cache"`
	Checksums      ChecksumConfig `mapstructure:"checksums"`
	InstallTimeout time.Duration  `mapstructure:"install_timeout"`
	Bridge         BridgeConfig   `mapstructure:"bridge"`
	Shutdown       ShutdownConfig `mapstructure:"shutdown"`
	KeepAlive      bool           `mapstructure:"keep_alive"`
	Log            LogConfig      `mapstructure:"log"`
	History        HistoryConfig  `mapstructure:"history"`
	Status         StatusConfig   `mapstructure:"status"`
	StateDir       string         `mapstructure:"state_dir"`
}

type WineConfig struct {
	Prefix  string            `mapstructure:"prefix"`
	Version string            `mapstructure:"version"`
	Binary  string            `mapstructure:"binary"`
	Env     map[string]string `mapstructure:"env"`
}

type MT5Config struct {
	Port    int    `mapstructure:"port"`
	Version string `mapstructure:"version"`
}

type URLConfig struct {
	Mono   string `mapstructure:"mono"`
	Python string `mapstructure:"python"`
	MT5    string `mapstructure:"mt5"`
}

type DownloadConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	WorkDir       string        `mapstructure:"work_dir"`
}

type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Dir           string        `mapstructure:"dir"`
	TTL           time.Duration `mapstructure:"ttl"`
	TTLDays       int           `mapstructure:"ttl_days"`
	ConsumeOnRead bool          `mapstructure:"consume_on_read"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

type ChecksumConfig struct {
	Manifest string `mapstructure:"manifest"`
}

type BridgeConfig struct {
	Host   string        `mapstructure:"host"`
	Python string        `mapstructure:"python"`
	Pip    string        `mapstructure:"pip"`
	Settle time.Duration `mapstructure:"settle"`
}

type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
	Dir    string `mapstructure:"dir"`

	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type StatusConfig struct {
	Listen string    `mapstructure:"listen"`
	Secret string    `mapstructure:"secret"` // HS256 key for POST /shutdown tokens
	TLS    TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS on the status API when a cert pair or dir is set.
type TLSConfig struct {
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
	MinVersion   string   `mapstructure:"min_version"`
}

// setting is one key with its default and the legacy environment names it
// also answers to.
type setting struct {
	key  string
	def  any
	envs []string
}

var settings = []setting{
	{"wine.prefix", "/config/.wine", []string{"WINEPREFIX"}},
	{"wine.version", "win10", []string{"WINE_VERSION"}},
	{"wine.binary", "wine", []string{"WINE_BINARY"}},
	{"wine.env", map[string]string{}, nil},
	{"mt5.port", 8001, []string{"MT5_PORT"}},
	{"mt5.version", "5.0.36", []string{"MT5_VERSION"}},
	{"urls.mono", "https://dl.winehq.org/wine/wine-mono/8.0.0/wine-mono-8.0.0-x86.msi", []string{"MONO_URL"}},
	{"urls.python", "https://www.python.org/ftp/python/3.9.0/python-3.9.0.exe", []string{"PYTHON_URL"}},
	{"urls.mt5", "https://download.mql5.com/cdn/web/metaquotes.software.corp/mt5/mt5setup.exe", []string{"MT5_DOWNLOAD_URL"}},
	{"packages", []string{"MetaTrader5==5.0.36", "mt5linux", "pyxdg"}, []string{"REQUIRED_PACKAGES"}},
	{"download.timeout", 300 * time.Second, []string{"DOWNLOAD_TIMEOUT"}},
	{"download.max_retries", 3, []string{"MAX_RETRIES"}},
	{"download.retry_interval", time.Second, nil},
	{"download.chunk_size", 8192, []string{"DOWNLOAD_CHUNK_SIZE"}},
	{"download.work_dir", "", nil},
	{"cache.enabled", true, []string{"CACHE_ENABLED"}},
	{"cache.dir", "", []string{"CACHE_DIR"}},
	{"cache.ttl", 7 * 24 * time.Hour, []string{"CACHE_TTL"}},
	{"cache.ttl_days", 0, []string{"CACHE_TTL_DAYS"}},
	{"cache.consume_on_read", false, nil},
	{"cache.prune_schedule", "@daily", []string{"CACHE_PRUNE_SCHEDULE"}},
	{"checksums.manifest", "", []string{"CHECKSUMS_MANIFEST"}},
	{"install_timeout", 300 * time.Second, []string{"STARTUP_TIMEOUT"}},
	{"bridge.host", "0.0.0.0", []string{"BRIDGE_HOST"}},
	{"bridge.python", "python3", []string{"HOST_PYTHON"}},
	{"bridge.pip", "pip3", []string{"HOST_PIP"}},
	{"bridge.settle", 5 * time.Second, []string{"BRIDGE_SETTLE"}},
	{"shutdown.grace", 5 * time.Second, nil},
	{"keep_alive", true, []string{"KEEP_ALIVE"}},
	{"log.level", "info", []string{"LOG_LEVEL"}},
	{"log.format", "text", []string{"LOG_FORMAT"}},
	{"log.color", false, nil},
	{"log.dir", "", []string{"LOG_DIR"}},
	{"log.max_size_mb", logger.DefaultMaxSizeMB, nil},
	{"log.max_backups", logger.DefaultMaxBackups, nil},
	{"log.max_age_days", logger.DefaultMaxAgeDays, nil},
	{"log.compress", false, nil},
	{"history.dsn", "", []string{"HISTORY_DSN"}},
	{"status.listen", "", []string{"STATUS_LISTEN"}},
	{"status.secret", "", []string{"STATUS_SECRET"}},
	{"status.tls.cert_file", "", []string{"STATUS_TLS_CERT"}},
	{"status.tls.key_file", "", []string{"STATUS_TLS_KEY"}},
	{"status.tls.dir", "", nil},
	{"status.tls.auto_generate", false, nil},
	{"status.tls.hosts", []string{}, nil},
	{"status.tls.min_version", "", nil},
	{"state_dir", "", []string{"STATE_DIR"}},
}

func autoEnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load resolves the configuration. Precedence, highest first: environment,
// config file, .env file, defaults. Either path may be empty; a missing
// default ".env" is not an error.
func Load(configPath, envFile string) (*Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		names := append([]string{autoEnvName(s.key)}, s.envs...)
		if err := v.BindEnv(append([]string{s.key}, names...)...); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		pairs, err := loadEnvFile(envFile)
		switch {
		case err == nil:
			applyEnvFile(v, pairs)
		case errors.Is(err, os.ErrNotExist) && envFile == ".env":
		default:
			return nil, fmt.Errorf("read env file: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		listHook(),
		mapstructure.StringToBoolHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()
	return &cfg, nil
}

// applyEnvFile lowers .env values to defaults so a config file still wins.
func applyEnvFile(v *viper.Viper, pairs map[string]string) {
	for _, s := range settings {
		names := append([]string{autoEnvName(s.key)}, s.envs...)
		for _, n := range names {
			if val, ok := pairs[n]; ok {
				v.SetDefault(s.key, val)
				break
			}
		}
	}
}

func (c *Config) applyDerived() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	root := filepath.Dir(filepath.Clean(c.Wine.Prefix))
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(root, ".cache")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(root, ".mt5prov")
	}
	if c.Download.WorkDir == "" {
		c.Download.WorkDir = os.TempDir()
	}
	if c.Cache.TTLDays > 0 {
		c.Cache.TTL = time.Duration(c.Cache.TTLDays) * 24 * time.Hour
	}
	if c.Wine.Env == nil {
		c.Wine.Env = map[string]string{}
	}
}

// Validate enforces value rules and reports every violation at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	if strings.TrimSpace(c.Wine.Prefix) == "" {
		add("wine.prefix must not be empty")
	}
	if strings.TrimSpace(c.Wine.Binary) == "" {
		add("wine.binary must not be empty")
	}
	switch c.Wine.Version {
	case "win10", "win7", "winxp":
	default:
		add("wine.version must be one of win10, win7, winxp (got %q)", c.Wine.Version)
	}
	if c.MT5.Port <= 1024 || c.MT5.Port >= 65535 {
		add("mt5.port must be between 1025 and 65534 (got %d)", c.MT5.Port)
	}
	for name, u := range map[string]string{"urls.mono": c.URLs.Mono, "urls.python": c.URLs.Python, "urls.mt5": c.URLs.MT5} {
		if err := checkURL(u); err != nil {
			add("%s: %v", name, err)
		}
	}
	if len(c.Packages) == 0 {
		add("packages must list at least one package")
	}
	positive := map[string]time.Duration{
		"download.timeout":        c.Download.Timeout,
		"download.retry_interval": c.Download.RetryInterval,
		"cache.ttl":               c.Cache.TTL,
		"install_timeout":         c.InstallTimeout,
		"shutdown.grace":          c.Shutdown.Grace,
	}
	for name, d := range positive {
		if d <= 0 {
			add("%s must be positive (got %s)", name, d)
		}
	}
	if c.Bridge.Settle < 0 {
		add("bridge.settle must not be negative")
	}
	if c.Download.MaxRetries < 0 {
		add("download.max_retries must not be negative")
	}
	if c.Download.ChunkSize <= 0 {
		add("download.chunk_size must be positive")
	}
	if c.Cache.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.PruneSchedule); err != nil {
			add("cache.prune_schedule: %v", err)
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		add("log.format must be text or json (got %q)", c.Log.Format)
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// MT5Dir is the terminal installation directory inside the prefix.
func (c *Config) MT5Dir() string {
	return filepath.Join(c.Wine.Prefix, "drive_c", "Program Files", "MetaTrader 5")
}

// TerminalExe is the terminal executable path.
func (c *Config) TerminalExe() string { return filepath.Join(c.MT5Dir(), "terminal64.exe") }

// MonoDir is the install marker of the mono runtime.
func (c *Config) MonoDir() string {
	return filepath.Join(c.Wine.Prefix, "drive_c", "windows", "mono")
}

// LockFile serializes runs against the prefix.
func (c *Config) LockFile() string { return filepath.Join(c.StateDir, "run.lock") }

// PIDDir holds one pid file per background child.
func (c *Config) PIDDir() string { return filepath.Join(c.StateDir, "run") }

// ChildEnv is the environment applied to every child: WINEPREFIX plus wine.env.
func (c *Config) ChildEnv() map[string]string {
	out := map[string]string{"WINEPREFIX": c.Wine.Prefix, "WINEDEBUG": "-all"}
	for k, v := range c.Wine.Env {
		out[k] = v
	}
	return out
}

// Logger maps the log section onto the logger package.
func (c *Config) Logger() logger.Config {
	lc := logger.DefaultConfig()
	lvl, _ := logger.ParseLevel(c.Log.Level)
	lc.Slog.Level = lvl
	lc.Slog.Format = logger.Format(c.Log.Format)
	lc.Slog.Color = c.Log.Color
	lc.File = logger.FileConfig{
		Dir:        c.Log.Dir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
	return lc
}
