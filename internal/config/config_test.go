package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// isolate points the default data dir at a temp dir and clears token envs.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GHSYNC_DATA_DIR", dir)
	t.Setenv("GHSYNC_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")
	return dir
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.ResolvePaths()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MaxRetryCount != 5 || cfg.PageSize != 30 {
		t.Errorf("Expected defaults, got retry=%d page=%d", cfg.MaxRetryCount, cfg.PageSize)
	}
	if cfg.BackoffCap != 60*time.Second {
		t.Errorf("Expected 60s backoff cap, got %v", cfg.BackoffCap)
	}
	if cfg.DBPath != filepath.Join(dir, "cache.db") {
		t.Errorf("Expected db in data dir, got %s", cfg.DBPath)
	}
	if cfg.BlobDir != filepath.Join(dir, "blobs") {
		t.Errorf("Expected blobs in data dir, got %s", cfg.BlobDir)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := isolate(t)

	content := `
page_size = 50
backoff_base = "250ms"

[daemon]
max_pages = 3

[dashboard]
port = 9090
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("GHSYNC_DAEMON_MAX_PAGES", "7")
	t.Setenv("GITHUB_TOKEN", "gh-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.PageSize != 50 {
		t.Errorf("Expected page size from file, got %d", cfg.PageSize)
	}
	if cfg.BackoffBase != 250*time.Millisecond {
		t.Errorf("Expected 250ms backoff base, got %v", cfg.BackoffBase)
	}
	if cfg.Daemon.MaxPages != 7 {
		t.Errorf("Expected env to override file, got max pages %d", cfg.Daemon.MaxPages)
	}
	if cfg.Dashboard.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Dashboard.Port)
	}
	if cfg.Token != "gh-token" {
		t.Errorf("Expected token from GITHUB_TOKEN, got %q", cfg.Token)
	}
	if cfg.MaxRetryCount != 5 {
		t.Errorf("Expected untouched default retry count, got %d", cfg.MaxRetryCount)
	}
}

func TestLoadWith_FlagOverride(t *testing.T) {
	isolate(t)

	v := viper.New()
	v.Set("log.verbose", true)
	v.Set("page_size", 12)

	cfg, err := LoadWith(v, "")
	if err != nil {
		t.Fatalf("LoadWith() failed: %v", err)
	}
	if !cfg.Log.Verbose || cfg.PageSize != 12 {
		t.Errorf("Expected overrides applied, got verbose=%v page=%d", cfg.Log.Verbose, cfg.PageSize)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	dir := isolate(t)

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative retries", func(c *Config) { c.MaxRetryCount = -1 }},
		{"zero page size", func(c *Config) { c.PageSize = 0 }},
		{"negative backoff", func(c *Config) { c.BackoffJitter = -time.Second }},
		{"relative base url", func(c *Config) { c.BaseURL = "api.github.com" }},
		{"bad scheme", func(c *Config) { c.BaseURL = "ftp://api.github.com/" }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"zero max pages", func(c *Config) { c.Daemon.MaxPages = 0 }},
		{"port out of range", func(c *Config) { c.Dashboard.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.MaxRetryCount = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Zero retries should be valid: %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, FileName)

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("Expected error when config already exists")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault(force) failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# ghsync configuration.") {
		t.Error("Expected header comment")
	}
	if strings.Contains(string(data), "token =") {
		t.Error("Empty token must be omitted")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written default failed: %v", err)
	}
	if cfg.Daemon.SyncInterval != 5*time.Minute {
		t.Errorf("Expected 5m sync interval after round trip, got %v", cfg.Daemon.SyncInterval)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Token = "secret"

	var buf bytes.Buffer
	if err := cfg.Redacted().Encode(&buf); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if strings.Contains(buf.String(), "secret") {
		t.Error("Redacted config leaked the token")
	}
	if cfg.Token != "secret" {
		t.Error("Redacted must not modify the original")
	}
}

func TestLogWriter(t *testing.T) {
	cfg := Default()
	if cfg.LogWriter() != os.Stderr {
		t.Error("Expected stderr without a log file")
	}

	cfg.Log.File = filepath.Join(t.TempDir(), "ghsync.log")
	lj, ok := cfg.LogWriter().(*lumberjack.Logger)
	if !ok {
		t.Fatalf("Expected lumberjack logger, got %T", cfg.LogWriter())
	}
	if lj.MaxSize != 10 || lj.MaxBackups != 3 {
		t.Errorf("Unexpected rotation settings: %+v", lj)
	}

	logger := NewLogger(lj, "store")
	logger.Println("hello")
	_ = lj.Close()

	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "[store] ") {
		t.Errorf("Expected component prefix in log, got %q", data)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %s", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome(/abs) = %s", got)
	}
}
