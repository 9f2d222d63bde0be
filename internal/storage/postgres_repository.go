package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"livecast/internal/livestream"
)

// ErrPostgresUnavailable is returned when the repository has no open pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository opens a pgx pool for dsn. The pool connects lazily;
// call EnsureSchema or Ping to verify connectivity.
func NewPostgresRepository(dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%w: postgres dsn", livestream.ErrEnvironmentMissing)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres config: %v", livestream.ErrParse, err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, persistenceError("open postgres pool", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

// EnsureSchema creates the tables the daemon reads and writes.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	ddl, err := schema("postgres.sql")
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return persistenceError("apply postgres schema", err)
	}
	return nil
}

func (r *PostgresRepository) StreamDefinition(ctx context.Context, id int64) (livestream.StreamDefinition, error) {
	if r == nil || r.pool == nil {
		return livestream.StreamDefinition{}, ErrPostgresUnavailable
	}
	var def livestream.StreamDefinition
	err := r.pool.QueryRow(ctx, `
SELECT ls.id, ls.owner, v.file, ls.rtmp_url, ls.stream_key, ls.stream_loop, ls.schedule_start, ls.schedule_end
FROM live_streams ls
JOIN videos v ON v.id = ls.video
WHERE ls.id = $1`, id).Scan(
		&def.ID, &def.Owner, &def.VideoFile, &def.IngestURL, &def.StreamKey, &def.Loop, &def.ScheduleStart, &def.ScheduleEnd,
	)
	if err != nil {
		if isNoRows(err) {
			return livestream.StreamDefinition{}, livestream.ErrStreamNotFound
		}
		return livestream.StreamDefinition{}, persistenceError("load stream definition", err)
	}
	return def, nil
}

func (r *PostgresRepository) StreamOwner(ctx context.Context, id int64) (string, error) {
	if r == nil || r.pool == nil {
		return "", ErrPostgresUnavailable
	}
	var owner string
	if err := r.pool.QueryRow(ctx, `SELECT owner FROM live_streams WHERE id = $1`, id).Scan(&owner); err != nil {
		if isNoRows(err) {
			return "", livestream.ErrStreamNotFound
		}
		return "", persistenceError("load stream owner", err)
	}
	return owner, nil
}

func (r *PostgresRepository) SetActualStart(ctx context.Context, id int64, startedAt int64) error {
	return r.exec(ctx, "set actual start", `UPDATE live_streams SET started_at = $2 WHERE id = $1`, id, startedAt)
}

func (r *PostgresRepository) ClearSchedule(ctx context.Context, id int64) error {
	return r.exec(ctx, "clear schedule", `UPDATE live_streams SET schedule_start = NULL, schedule_end = NULL WHERE id = $1`, id)
}

func (r *PostgresRepository) InsertHistory(ctx context.Context, record livestream.HistoryRecord) error {
	return r.exec(ctx, "insert history", `
INSERT INTO live_stream_history (owner, live_stream, start_time, end_time, end_status)
VALUES ($1, $2, $3, $4, $5)`,
		record.Owner, record.StreamID, record.StartTime, record.EndTime, record.EndStatus)
}

func (r *PostgresRepository) SaveVideo(ctx context.Context, file string) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, ErrPostgresUnavailable
	}
	var id int64
	if err := r.pool.QueryRow(ctx, `INSERT INTO videos (file) VALUES ($1) RETURNING id`, file).Scan(&id); err != nil {
		return 0, persistenceError("insert video", err)
	}
	return id, nil
}

func (r *PostgresRepository) SaveStream(ctx context.Context, stream Stream) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, ErrPostgresUnavailable
	}
	def := stream.Definition
	var (
		id  int64
		err error
	)
	if def.ID == 0 {
		err = r.pool.QueryRow(ctx, `
INSERT INTO live_streams (owner, video, rtmp_url, stream_key, stream_loop, schedule_start, schedule_end)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
			def.Owner, stream.VideoID, def.IngestURL, def.StreamKey, def.Loop, def.ScheduleStart, def.ScheduleEnd).Scan(&id)
	} else {
		err = r.pool.QueryRow(ctx, `
INSERT INTO live_streams (id, owner, video, rtmp_url, stream_key, stream_loop, schedule_start, schedule_end)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    owner = EXCLUDED.owner,
    video = EXCLUDED.video,
    rtmp_url = EXCLUDED.rtmp_url,
    stream_key = EXCLUDED.stream_key,
    stream_loop = EXCLUDED.stream_loop,
    schedule_start = EXCLUDED.schedule_start,
    schedule_end = EXCLUDED.schedule_end
RETURNING id`,
			def.ID, def.Owner, stream.VideoID, def.IngestURL, def.StreamKey, def.Loop, def.ScheduleStart, def.ScheduleEnd).Scan(&id)
	}
	if err != nil {
		return 0, persistenceError("save stream", err)
	}
	return id, nil
}

func (r *PostgresRepository) ListHistory(ctx context.Context, owner string, limit int) ([]livestream.HistoryRecord, error) {
	if r == nil || r.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	rows, err := r.pool.Query(ctx, `
SELECT owner, live_stream, start_time, end_time, end_status
FROM live_stream_history
WHERE owner = $1
ORDER BY end_time DESC, id DESC
LIMIT $2`, owner, normalizeLimit(limit))
	if err != nil {
		return nil, persistenceError("list history", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (livestream.HistoryRecord, error) {
		var record livestream.HistoryRecord
		err := row.Scan(&record.Owner, &record.StreamID, &record.StartTime, &record.EndTime, &record.EndStatus)
		return record, err
	})
	if err != nil {
		return nil, persistenceError("scan history", err)
	}
	return records, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	if err := r.pool.Ping(ctx); err != nil {
		if isPoolClosed(err) {
			return ErrPostgresUnavailable
		}
		return persistenceError("ping postgres", err)
	}
	return nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, args ...any) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		if isPoolClosed(err) {
			return fmt.Errorf("%s: %w", op, ErrPostgresUnavailable)
		}
		return persistenceError(op, err)
	}
	return nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func isPoolClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, puddle.ErrClosedPool)
}
