package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livecast/internal/api"
	"livecast/internal/livestream"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livecast.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Transcoder.Binary != "ffmpeg" {
		t.Fatalf("unexpected default binary %q", cfg.Transcoder.Binary)
	}
	if cfg.Transcoder.GracePeriod.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected default grace %s", cfg.Transcoder.GracePeriod)
	}
	if cfg.Dashboard.Interval.Duration != time.Second {
		t.Fatalf("unexpected default dashboard interval %s", cfg.Dashboard.Interval)
	}
	if err := cfg.Validate(); !errors.Is(err, livestream.ErrEnvironmentMissing) {
		t.Fatalf("expected missing upload dir to fail validation, got %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
lock_path = "/run/livecast.lock"

[server]
addr = "127.0.0.1:9000"

[transcoder]
upload_dir = "/srv/uploads"
grace_period = "750ms"

[storage]
driver = "postgres"
dsn = "postgres://file"

[dashboard]
redis_addr = "localhost:6379"
interval = "2s"
`)
	t.Setenv("LIVECAST_STORAGE_DSN", "postgres://env")
	t.Setenv("LIVECAST_REDIS_DB", "3")
	t.Setenv("LIVECAST_LOG_LEVEL", "  ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Transcoder.GracePeriod.Duration != 750*time.Millisecond {
		t.Fatalf("unexpected grace %s", cfg.Transcoder.GracePeriod)
	}
	if cfg.Storage.DSN != "postgres://env" {
		t.Fatalf("expected env to override file dsn, got %q", cfg.Storage.DSN)
	}
	if cfg.Dashboard.RedisDB != 3 || cfg.Dashboard.Interval.Duration != 2*time.Second {
		t.Fatalf("unexpected dashboard config %+v", cfg.Dashboard)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("blank env values must not override, got %q", cfg.Logging.Level)
	}
	if cfg.Storage.MaxConns != 10 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Storage.MaxConns)
	}
	if cfg.LockPath != "/run/livecast.lock" {
		t.Fatalf("unexpected lock path %q", cfg.LockPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeysAndBadDurations(t *testing.T) {
	if _, err := Load(writeConfig(t, "[server]\nport = 1\n")); !errors.Is(err, livestream.ErrParse) {
		t.Fatalf("expected ErrParse for unknown key, got %v", err)
	}
	if _, err := Load(writeConfig(t, "[transcoder]\ngrace_period = \"soon\"\n")); !errors.Is(err, livestream.ErrParse) {
		t.Fatalf("expected ErrParse for bad duration, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestApplyEnvRejectsBadInteger(t *testing.T) {
	cfg := Default()
	lookup := func(key string) (string, bool) {
		if key == "LIVECAST_STORAGE_MAX_CONNS" {
			return "many", true
		}
		return "", false
	}
	if err := cfg.ApplyEnv(lookup); !errors.Is(err, livestream.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestFlagsOverrideEverything(t *testing.T) {
	t.Setenv("LIVECAST_UPLOAD_DIR", "/from/env")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fs := flag.NewFlagSet("livecastd", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"-upload-dir", "/from/flag", "-grace-period", "1s", "-storage-driver", "memory"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if cfg.Transcoder.UploadDir != "/from/flag" {
		t.Fatalf("expected flag to win, got %q", cfg.Transcoder.UploadDir)
	}
	if cfg.Transcoder.GracePeriod.Duration != time.Second {
		t.Fatalf("unexpected grace %s", cfg.Transcoder.GracePeriod)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unset flags must not clear values, got %q", cfg.Server.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, livestream.ErrEnvironmentMissing},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, livestream.ErrEnvironmentMissing},
		{"empty binary", func(c *Config) { c.Transcoder.Binary = "" }, livestream.ErrEnvironmentMissing},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, livestream.ErrParse},
		{"zero interval", func(c *Config) {
			c.Dashboard.RedisAddr = "localhost:6379"
			c.Dashboard.Interval = Duration{}
		}, livestream.ErrParse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Transcoder.UploadDir = "/srv/uploads"
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := ExpandPath("~/uploads")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if got != filepath.Join(home, "uploads") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := ExpandPath(""); got != "" {
		t.Fatalf("expected empty path to stay empty, got %q", got)
	}
}

func TestControlTokenHashUsageMatchesHashFormat(t *testing.T) {
	fs := flag.NewFlagSet("livecastd", flag.ContinueOnError)
	RegisterFlags(fs)
	f := fs.Lookup("control-token-hash")
	if f == nil {
		t.Fatalf("expected control-token-hash flag")
	}
	lo, hi := strings.Index(f.Usage, "("), strings.LastIndex(f.Usage, ")")
	if lo < 0 || hi < lo {
		t.Fatalf("expected hash layout in usage %q", f.Usage)
	}
	documented := strings.Split(f.Usage[lo+1:hi], "$")

	hash, err := api.HashToken("secret")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	produced := strings.Split(hash, "$")
	if len(documented) != len(produced) {
		t.Fatalf("usage layout %q does not match hash %q", f.Usage, hash)
	}
	for i := 0; i < 2; i++ {
		if documented[i] != produced[i] {
			t.Fatalf("usage field %d is %q, hash has %q", i, documented[i], produced[i])
		}
	}
}
