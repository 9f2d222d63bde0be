package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"livecast/internal/livestream"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteConfig configures the embedded repository.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteRepository stores everything in a single SQLite file. It suits
// single-host deployments where the stream CRUD service shares the file.
type SQLiteRepository struct {
	db   *sql.DB
	path string
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteRepository(ctx context.Context, path string, opts ...Option) (*SQLiteRepository, error) {
	cfg := SQLiteConfig{Path: strings.TrimSpace(path), BusyTimeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path", livestream.ErrEnvironmentMissing)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %w", livestream.ErrIO, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, persistenceError("open sqlite db", err)
	}
	// One writer at a time keeps SQLITE_BUSY rare; the retry loop handles the rest.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, persistenceError(fmt.Sprintf("apply pragma %q", pragma), execErr)
		}
	}

	repo := &SQLiteRepository{db: db, path: cfg.Path}
	ddl, err := schema("sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := repo.execRetry(ctx, "apply sqlite schema", ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) StreamDefinition(ctx context.Context, id int64) (livestream.StreamDefinition, error) {
	var (
		def   livestream.StreamDefinition
		start sql.NullInt64
		end   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT ls.id, ls.owner, v.file, ls.rtmp_url, ls.stream_key, ls.stream_loop, ls.schedule_start, ls.schedule_end
FROM live_streams ls
JOIN videos v ON v.id = ls.video
WHERE ls.id = ?`, id).Scan(
		&def.ID, &def.Owner, &def.VideoFile, &def.IngestURL, &def.StreamKey, &def.Loop, &start, &end,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return livestream.StreamDefinition{}, livestream.ErrStreamNotFound
		}
		return livestream.StreamDefinition{}, persistenceError("load stream definition", err)
	}
	def.ScheduleStart = fromNull(start)
	def.ScheduleEnd = fromNull(end)
	return def, nil
}

func (r *SQLiteRepository) StreamOwner(ctx context.Context, id int64) (string, error) {
	var owner string
	if err := r.db.QueryRowContext(ctx, `SELECT owner FROM live_streams WHERE id = ?`, id).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", livestream.ErrStreamNotFound
		}
		return "", persistenceError("load stream owner", err)
	}
	return owner, nil
}

func (r *SQLiteRepository) SetActualStart(ctx context.Context, id int64, startedAt int64) error {
	return r.execRetry(ctx, "set actual start", `UPDATE live_streams SET started_at = ? WHERE id = ?`, startedAt, id)
}

func (r *SQLiteRepository) ClearSchedule(ctx context.Context, id int64) error {
	return r.execRetry(ctx, "clear schedule", `UPDATE live_streams SET schedule_start = NULL, schedule_end = NULL WHERE id = ?`, id)
}

func (r *SQLiteRepository) InsertHistory(ctx context.Context, record livestream.HistoryRecord) error {
	return r.execRetry(ctx, "insert history", `
INSERT INTO live_stream_history (owner, live_stream, start_time, end_time, end_status)
VALUES (?, ?, ?, ?, ?)`,
		record.Owner, record.StreamID, record.StartTime, record.EndTime, record.EndStatus)
}

func (r *SQLiteRepository) SaveVideo(ctx context.Context, file string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `INSERT INTO videos (file) VALUES (?)`, file)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, persistenceError("insert video", err)
	}
	return id, nil
}

func (r *SQLiteRepository) SaveStream(ctx context.Context, stream Stream) (int64, error) {
	def := stream.Definition
	var id int64
	err := retryOnBusy(ctx, func() error {
		if def.ID == 0 {
			res, err := r.db.ExecContext(ctx, `
INSERT INTO live_streams (owner, video, rtmp_url, stream_key, stream_loop, schedule_start, schedule_end)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
				def.Owner, stream.VideoID, def.IngestURL, def.StreamKey, def.Loop, toNull(def.ScheduleStart), toNull(def.ScheduleEnd))
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		}
		_, err := r.db.ExecContext(ctx, `
INSERT INTO live_streams (id, owner, video, rtmp_url, stream_key, stream_loop, schedule_start, schedule_end)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    owner = excluded.owner,
    video = excluded.video,
    rtmp_url = excluded.rtmp_url,
    stream_key = excluded.stream_key,
    stream_loop = excluded.stream_loop,
    schedule_start = excluded.schedule_start,
    schedule_end = excluded.schedule_end`,
			def.ID, def.Owner, stream.VideoID, def.IngestURL, def.StreamKey, def.Loop, toNull(def.ScheduleStart), toNull(def.ScheduleEnd))
		id = def.ID
		return err
	})
	if err != nil {
		return 0, persistenceError("save stream", err)
	}
	return id, nil
}

func (r *SQLiteRepository) ListHistory(ctx context.Context, owner string, limit int) ([]livestream.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT owner, live_stream, start_time, end_time, end_status
FROM live_stream_history
WHERE owner = ?
ORDER BY end_time DESC, id DESC
LIMIT ?`, owner, normalizeLimit(limit))
	if err != nil {
		return nil, persistenceError("list history", err)
	}
	defer rows.Close()

	records := make([]livestream.HistoryRecord, 0)
	for rows.Next() {
		var record livestream.HistoryRecord
		if err := rows.Scan(&record.Owner, &record.StreamID, &record.StartTime, &record.EndTime, &record.EndStatus); err != nil {
			return nil, persistenceError("scan history", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate history", err)
	}
	return records, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return persistenceError("ping sqlite", err)
	}
	return nil
}

func (r *SQLiteRepository) Close(context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) execRetry(ctx context.Context, op, query string, args ...any) error {
	if err := retryOnBusy(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	}); err != nil {
		return persistenceError(op, err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func toNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}
