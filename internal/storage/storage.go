// Package storage persists stream definitions and stream history. The
// Repository implements livestream.Store for the job lifecycle plus the
// read paths served by the control API.
package storage

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"livecast/internal/livestream"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DefaultHistoryLimit caps ListHistory when the caller passes no limit.
const DefaultHistoryLimit = 100

// Stream is a stream definition together with the video it plays. It is
// what SaveStream writes; the stream CRUD service owns these rows in
// production.
type Stream struct {
	Definition livestream.StreamDefinition
	VideoID    int64
}

// Repository is the persistence surface of the daemon.
type Repository interface {
	livestream.Store

	// SaveVideo inserts a video file reference and returns its id.
	SaveVideo(ctx context.Context, file string) (int64, error)
	// SaveStream inserts or replaces a stream definition. A zero id
	// allocates a new one.
	SaveStream(ctx context.Context, stream Stream) (int64, error)
	// ListHistory returns the owner's history rows, most recent first.
	ListHistory(ctx context.Context, owner string, limit int) ([]livestream.HistoryRecord, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config selects a repository driver.
type Config struct {
	Driver string
	// DSN is the Postgres connection string.
	DSN string
	// Path is the SQLite database file.
	Path string
}

// Open connects the repository named by cfg.Driver and makes sure its
// schema exists.
func Open(ctx context.Context, cfg Config, opts ...Option) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres":
		repo, err := NewPostgresRepository(cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close(ctx)
			return nil, err
		}
		return repo, nil
	case "sqlite":
		return NewSQLiteRepository(ctx, cfg.Path, opts...)
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", livestream.ErrParse, cfg.Driver)
	}
}

func schema(name string) (string, error) {
	data, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return "", fmt.Errorf("read schema %s: %w", name, err)
	}
	return string(data), nil
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", livestream.ErrPersistence, op, err)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}
