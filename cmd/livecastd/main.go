// Command livecastd schedules, launches and supervises live stream
// transcoder jobs and serves the stream control API.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"livecast/internal/api"
	"livecast/internal/config"
	"livecast/internal/dashboard"
	"livecast/internal/livestream"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
	"livecast/internal/server"
	"livecast/internal/storage"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "livecastd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) > 0 && args[0] == "hash-token" {
		return hashToken(args[1:], stdin, stdout, stderr)
	}

	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger, metrics.Default())
}

// loadConfig layers defaults, the optional TOML file, LIVECAST_* variables
// and command-line flags, in that order.
func loadConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("livecastd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a TOML configuration file")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	path, err := config.ExpandPath(firstNonEmpty(*configPath, os.Getenv(config.EnvPrefix+"CONFIG")))
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	for _, p := range []*string{&cfg.Transcoder.UploadDir, &cfg.Storage.Path, &cfg.LockPath} {
		if *p, err = config.ExpandPath(*p); err != nil {
			return config.Config{}, err
		}
	}
	if !logging.ValidFormat(cfg.Logging.Format) {
		return config.Config{}, fmt.Errorf("%w: log format %q", livestream.ErrParse, cfg.Logging.Format)
	}
	return cfg, nil
}

// hashToken prints the encoded hash for a control token so operators can
// put it in configuration without storing the token itself.
func hashToken(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "control token to hash (read from stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value := strings.TrimSpace(*token)
	if value == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read token: %w", livestream.ErrIO, err)
		}
		value = strings.TrimSpace(line)
	}
	hash, err := api.HashToken(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}

// serve runs the daemon until ctx ends. Every remaining job is stopped
// before it returns.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) error {
	if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o755); err != nil {
		return fmt.Errorf("%w: create lock directory: %w", livestream.ErrIO, err)
	}
	lock := flock.New(cfg.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: acquire lock %s: %w", livestream.ErrIO, cfg.LockPath, err)
	}
	if !locked {
		return fmt.Errorf("another livecastd instance holds %s", cfg.LockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release lock", "path", cfg.LockPath, "error", err)
		}
	}()

	repo, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Path:   cfg.Storage.Path,
	},
		storage.WithPostgresMaxConnections(int32(cfg.Storage.MaxConns)),
		storage.WithPostgresApplicationName("livecastd"),
	)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	manager, err := livestream.NewManager(livestream.Config{
		TranscoderBinary: cfg.Transcoder.Binary,
		UploadDir:        cfg.Transcoder.UploadDir,
		GracePeriod:      cfg.Transcoder.GracePeriod.Duration,
		PersistTimeout:   cfg.Storage.PersistTimeout.Duration,
		Store:            repo,
		Logger:           logging.WithComponent(logger, "livestream"),
		Metrics:          recorder,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("stream jobs did not stop in time", "error", err)
		}
	}()

	handler, err := api.NewHandler(api.Config{
		Manager:          manager,
		Store:            repo,
		Logger:           logging.WithComponent(logger, "api"),
		ControlTokenHash: cfg.Server.ControlTokenHash,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(handler, server.Config{
		Addr:            cfg.Server.Addr,
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
	})
	if err != nil {
		return err
	}

	publisher, err := newPublisher(ctx, cfg.Dashboard, manager, logger, recorder)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	if publisher != nil {
		group.Go(func() error {
			return publisher.Run(groupCtx)
		})
	}
	err = group.Wait()
	logger.Info("shutting down")
	return err
}

// newPublisher returns nil when no Redis address is configured.
func newPublisher(ctx context.Context, cfg config.Dashboard, source dashboard.Source, logger *slog.Logger, recorder *metrics.Recorder) (*dashboard.Publisher, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := dashboard.NewRedisClient(connectCtx, dashboard.RedisConfig{
		Addrs:    splitAndTrim(cfg.RedisAddr),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect dashboard redis: %w", err)
	}
	publisher, err := dashboard.New(dashboard.Config{
		Source:    source,
		Client:    client,
		Interval:  cfg.Interval.Duration,
		TTL:       cfg.TTL.Duration,
		KeyPrefix: cfg.KeyPrefix,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return publisher, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
