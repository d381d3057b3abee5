// Package config loads ghsync settings.
//
// Precedence, lowest first: built-in defaults, config.toml (in the data
// directory or given by --config), GHSYNC_* environment variables, flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the config file looked up in the data directory.
const FileName = "config.toml"

// EnvPrefix prefixes every environment override, e.g. GHSYNC_PAGE_SIZE.
const EnvPrefix = "GHSYNC"

// DaemonConfig holds background sync settings.
type DaemonConfig struct {
	SyncInterval        time.Duration `mapstructure:"sync_interval" toml:"sync_interval"`
	MaxPages            int           `mapstructure:"max_pages" toml:"max_pages"`
	RefreshLimit        int           `mapstructure:"refresh_limit" toml:"refresh_limit"`
	MemoryCheckInterval time.Duration `mapstructure:"memory_check_interval" toml:"memory_check_interval"`
	MemoryLimitBytes    uint64        `mapstructure:"memory_limit_bytes" toml:"memory_limit_bytes"`
}

// DashboardConfig holds dashboard server settings.
type DashboardConfig struct {
	Host string `mapstructure:"host" toml:"host"`
	Port int    `mapstructure:"port" toml:"port"`
}

// LogConfig holds log sink settings. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose" toml:"verbose"`
}

// TraceConfig holds span export settings. An empty Endpoint disables tracing.
type TraceConfig struct {
	Endpoint string `mapstructure:"endpoint" toml:"endpoint,omitempty"`
}

// Config is the full ghsync configuration.
type Config struct {
	BaseURL       string        `mapstructure:"base_url" toml:"base_url"`
	Token         string        `mapstructure:"token" toml:"token,omitempty"`
	MaxRetryCount int           `mapstructure:"max_retry_count" toml:"max_retry_count"`
	PageSize      int           `mapstructure:"page_size" toml:"page_size"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" toml:"backoff_base"`
	BackoffJitter time.Duration `mapstructure:"backoff_jitter" toml:"backoff_jitter"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap" toml:"backoff_cap"`

	DataDir         string `mapstructure:"data_dir" toml:"data_dir"`
	DBPath          string `mapstructure:"db_path" toml:"db_path,omitempty"`
	BlobDir         string `mapstructure:"blob_dir" toml:"blob_dir,omitempty"`
	BlobMemoryLimit int64  `mapstructure:"blob_memory_limit" toml:"blob_memory_limit"`

	Daemon    DaemonConfig    `mapstructure:"daemon" toml:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Trace     TraceConfig     `mapstructure:"trace" toml:"trace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:         "https://api.github.com/",
		MaxRetryCount:   5,
		PageSize:        30,
		BackoffBase:     time.Second,
		BackoffJitter:   time.Second,
		BackoffCap:      60 * time.Second,
		DataDir:         "~/.ghsync",
		BlobMemoryLimit: 32 << 20,
		Daemon: DaemonConfig{
			SyncInterval:        5 * time.Minute,
			MaxPages:            10,
			RefreshLimit:        20,
			MemoryCheckInterval: 30 * time.Second,
			MemoryLimitBytes:    64 << 20,
		},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("token", "")
	v.SetDefault("max_retry_count", d.MaxRetryCount)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("backoff_base", d.BackoffBase)
	v.SetDefault("backoff_jitter", d.BackoffJitter)
	v.SetDefault("backoff_cap", d.BackoffCap)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("blob_dir", "")
	v.SetDefault("blob_memory_limit", d.BlobMemoryLimit)
	v.SetDefault("daemon.sync_interval", d.Daemon.SyncInterval)
	v.SetDefault("daemon.max_pages", d.Daemon.MaxPages)
	v.SetDefault("daemon.refresh_limit", d.Daemon.RefreshLimit)
	v.SetDefault("daemon.memory_check_interval", d.Daemon.MemoryCheckInterval)
	v.SetDefault("daemon.memory_limit_bytes", d.Daemon.MemoryLimitBytes)
	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.verbose", false)
	v.SetDefault("trace.endpoint", "")
}

// Load reads configuration with a fresh viper instance.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith reads configuration into v, which may already have flags bound.
// An empty path looks for config.toml in the data directory; a missing file
// there is not an error, a missing explicit path is.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("token", EnvPrefix+"_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind token env: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(ExpandHome(v.GetString("data_dir")), FileName)
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ResolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePaths expands ~ and fills DBPath and BlobDir from DataDir.
func (c *Config) ResolvePaths() {
	c.DataDir = ExpandHome(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "cache.db")
	}
	if c.BlobDir == "" {
		c.BlobDir = filepath.Join(c.DataDir, "blobs")
	}
	c.DBPath = ExpandHome(c.DBPath)
	c.BlobDir = ExpandHome(c.BlobDir)
	c.Log.File = ExpandHome(c.Log.File)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.MaxRetryCount < 0 {
		return fmt.Errorf("max_retry_count must not be negative (got %d)", c.MaxRetryCount)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive (got %d)", c.PageSize)
	}
	if c.BackoffBase < 0 || c.BackoffJitter < 0 || c.BackoffCap < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base_url %q: need an http(s) URL with a host", c.BaseURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Daemon.MaxPages <= 0 {
		return fmt.Errorf("daemon.max_pages must be positive (got %d)", c.Daemon.MaxPages)
	}
	if c.Daemon.SyncInterval <= 0 {
		return fmt.Errorf("daemon.sync_interval must be positive (got %v)", c.Daemon.SyncInterval)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Token != "" {
		out.Token = "********"
	}
	return &out
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

const fileHeader = `# ghsync configuration.
# Every key can be overridden with a GHSYNC_ environment variable,
# nested keys joined by underscores (e.g. GHSYNC_DAEMON_MAX_PAGES).
# The API token may also come from GITHUB_TOKEN.

`

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, fileHeader); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return Default().Encode(f)
}

// LogWriter returns the configured log sink: a rotating file when Log.File
// is set, stderr otherwise.
func (c *Config) LogWriter() io.Writer {
	if c.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	}
}

// NewLogger returns a component logger on w with the bracketed prefix
// convention, e.g. NewLogger(w, "store") logs as "[store] ".
func NewLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
