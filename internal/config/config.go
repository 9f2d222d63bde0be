// Package config assembles the daemon configuration from built-in defaults,
// an optional TOML file, LIVECAST_* environment variables and command-line
// flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"livecast/internal/livestream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVECAST_"

// Duration decodes TOML strings such as "500ms" or "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", livestream.ErrParse, string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Server configures the control API listener.
type Server struct {
	Addr             string   `toml:"addr"`
	ControlTokenHash string   `toml:"control_token_hash"`
	ShutdownTimeout  Duration `toml:"shutdown_timeout"`
}

// Transcoder configures how stream jobs run ffmpeg.
type Transcoder struct {
	Binary      string   `toml:"binary"`
	UploadDir   string   `toml:"upload_dir"`
	GracePeriod Duration `toml:"grace_period"`
}

// Storage selects and configures the repository driver.
type Storage struct {
	Driver         string   `toml:"driver"`
	DSN            string   `toml:"dsn"`
	Path           string   `toml:"path"`
	MaxConns       int      `toml:"max_conns"`
	PersistTimeout Duration `toml:"persist_timeout"`
}

// Dashboard configures the Redis status publisher. It is disabled when
// RedisAddr is empty.
type Dashboard struct {
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	Interval      Duration `toml:"interval"`
	TTL           Duration `toml:"ttl"`
	KeyPrefix     string   `toml:"key_prefix"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server     Server     `toml:"server"`
	Transcoder Transcoder `toml:"transcoder"`
	Storage    Storage    `toml:"storage"`
	Dashboard  Dashboard  `toml:"dashboard"`
	Logging    Logging    `toml:"logging"`
	LockPath   string     `toml:"lock_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Transcoder: Transcoder{
			Binary:      "ffmpeg",
			GracePeriod: Duration{livestream.DefaultGracePeriod},
		},
		Storage: Storage{
			Driver:         "sqlite",
			Path:           "livecast.db",
			MaxConns:       10,
			PersistTimeout: Duration{livestream.DefaultPersistTimeout},
		},
		Dashboard: Dashboard{
			Interval:  Duration{time.Second},
			TTL:       Duration{5 * time.Second},
			KeyPrefix: "livecast:status:",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		LockPath: filepath.Join(os.TempDir(), "livecastd.lock"),
	}
}

// Load builds a configuration from defaults, the TOML file at path (skipped
// when path is empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: config %s: %s", livestream.ErrParse, path, strict.String())
		}
		return fmt.Errorf("%w: config %s: %v", livestream.ErrParse, path, err)
	}
	return nil
}

// ApplyEnv overrides fields from LIVECAST_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, key := range sortedKeys() {
		value, ok := lookup(EnvName(key))
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := settings[key].set(c, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s: %w", EnvName(key), err)
		}
	}
	return nil
}

// EnvName maps a setting key such as "storage-dsn" to LIVECAST_STORAGE_DSN.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// RegisterFlags declares one string flag per setting on fs. Defaults are
// left empty so that only flags given on the command line override.
func RegisterFlags(fs *flag.FlagSet) {
	for _, key := range sortedKeys() {
		fs.String(key, "", settings[key].usage)
	}
}

// ApplyFlags overrides fields from the flags that were set on fs.
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	var firstErr error
	fs.Visit(func(f *flag.Flag) {
		s, ok := settings[f.Name]
		if !ok || firstErr != nil {
			return
		}
		if err := s.set(c, strings.TrimSpace(f.Value.String())); err != nil {
			firstErr = fmt.Errorf("-%s: %w", f.Name, err)
		}
	})
	return firstErr
}

// Validate reports missing required settings as ErrEnvironmentMissing and
// malformed ones as ErrParse.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Server.Addr) == "" {
		missing = append(missing, "addr")
	}
	if strings.TrimSpace(c.Transcoder.Binary) == "" {
		missing = append(missing, "transcoder-binary")
	}
	if strings.TrimSpace(c.Transcoder.UploadDir) == "" {
		missing = append(missing, "upload-dir")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			missing = append(missing, "storage-dsn")
		}
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			missing = append(missing, "storage-path")
		}
	case "memory":
	case "":
		missing = append(missing, "storage-driver")
	default:
		return fmt.Errorf("%w: unknown storage driver %q", livestream.ErrParse, c.Storage.Driver)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", livestream.ErrEnvironmentMissing, strings.Join(missing, ", "))
	}
	if c.Dashboard.RedisAddr != "" && c.Dashboard.Interval.Duration <= 0 {
		return fmt.Errorf("%w: dashboard interval must be positive", livestream.ErrParse)
	}
	return nil
}

// ExpandPath resolves "~" and makes p absolute. Empty input is returned as is.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if p == "~" {
			p = home
		} else if len(p) > 1 && p[1] == '/' {
			p = filepath.Join(home, p[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", p, err)
	}
	return absolute, nil
}

type setting struct {
	usage string
	set   func(c *Config, value string) error
}

var settings = map[string]setting{
	"addr":               {"HTTP listen address", setString(func(c *Config) *string { return &c.Server.Addr })},
	"control-token-hash": {"PBKDF2 hash of the control API token (pbkdf2$sha256$<iterations>$<salt>$<key>)", setString(func(c *Config) *string { return &c.Server.ControlTokenHash })},
	"shutdown-timeout":   {"graceful shutdown timeout", setDuration(func(c *Config) *Duration { return &c.Server.ShutdownTimeout })},
	"transcoder-binary":  {"path to the ffmpeg binary", setString(func(c *Config) *string { return &c.Transcoder.Binary })},
	"upload-dir":         {"upload directory containing videos/", setString(func(c *Config) *string { return &c.Transcoder.UploadDir })},
	"grace-period":       {"delay between SIGTERM and SIGKILL for transcoder groups", setDuration(func(c *Config) *Duration { return &c.Transcoder.GracePeriod })},
	"storage-driver":     {"repository driver (postgres, sqlite or memory)", setString(func(c *Config) *string { return &c.Storage.Driver })},
	"storage-dsn":        {"Postgres connection string", setString(func(c *Config) *string { return &c.Storage.DSN })},
	"storage-path":       {"SQLite database path", setString(func(c *Config) *string { return &c.Storage.Path })},
	"storage-max-conns":  {"maximum connections in the Postgres pool", setInt(func(c *Config) *int { return &c.Storage.MaxConns })},
	"persist-timeout":    {"timeout for each bookkeeping query", setDuration(func(c *Config) *Duration { return &c.Storage.PersistTimeout })},
	"redis-addr":         {"Redis address for dashboard status pushes", setString(func(c *Config) *string { return &c.Dashboard.RedisAddr })},
	"redis-password":     {"Redis password", setString(func(c *Config) *string { return &c.Dashboard.RedisPassword })},
	"redis-db":           {"Redis database number", setInt(func(c *Config) *int { return &c.Dashboard.RedisDB })},
	"dashboard-interval": {"interval between dashboard status pushes", setDuration(func(c *Config) *Duration { return &c.Dashboard.Interval })},
	"dashboard-ttl":      {"expiry of the stored dashboard snapshot", setDuration(func(c *Config) *Duration { return &c.Dashboard.TTL })},
	"dashboard-prefix":   {"Redis key and channel prefix for status snapshots", setString(func(c *Config) *string { return &c.Dashboard.KeyPrefix })},
	"log-level":          {"log level (debug, info, warn, error)", setString(func(c *Config) *string { return &c.Logging.Level })},
	"log-format":         {"log format (json or text)", setString(func(c *Config) *string { return &c.Logging.Format })},
	"lock-path":          {"path of the single-instance lock file", setString(func(c *Config) *string { return &c.LockPath })},
}

func sortedKeys() []string {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, value string) error {
		*field(c) = value
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: integer %q", livestream.ErrParse, value)
		}
		*field(c) = parsed
		return nil
	}
}

func setDuration(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, value string) error {
		return field(c).UnmarshalText([]byte(value))
	}
}
