package livestream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
)

// DefaultPersistTimeout bounds every bookkeeping call made by the manager.
const DefaultPersistTimeout = 5 * time.Second

// Config wires a Manager to its collaborators.
type Config struct {
	TranscoderBinary string
	UploadDir        string
	GracePeriod      time.Duration
	PersistTimeout   time.Duration
	Store            Store
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	Clock            func() time.Time
}

// Manager schedules, launches and tears down stream jobs.
type Manager struct {
	registry       *Registry
	store          Store
	transcoder     *Transcoder
	uploadDir      string
	grace          time.Duration
	persistTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Recorder
	now            func() time.Time

	mu     sync.RWMutex
	closed bool
	tasks  sync.WaitGroup
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.TranscoderBinary) == "" {
		return nil, fmt.Errorf("%w: transcoder binary", ErrEnvironmentMissing)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("live stream store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = DefaultPersistTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		registry:       NewRegistry(),
		store:          cfg.Store,
		transcoder:     &Transcoder{Binary: cfg.TranscoderBinary, Logger: logger},
		uploadDir:      cfg.UploadDir,
		grace:          grace,
		persistTimeout: persistTimeout,
		logger:         logger,
		metrics:        recorder,
		now:            clock,
	}, nil
}

// Create registers an Offline job for def and detaches its scheduler.
// Conflicts with an active job are reported synchronously.
func (m *Manager) Create(def StreamDefinition) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}

	job := newJob(def)
	if existing, ok := m.registry.TryInsert(job); !ok {
		job.cancel()
		m.streamLogger(def.ID).Debug("rejecting start for active stream", "status", existing.Status.String())
		return 0, conflictFor(existing)
	}
	m.metrics.StreamJobCreated()
	m.streamLogger(def.ID).Info("starting live stream")

	launch := Launch{
		Video:       def.videoPath(m.uploadDir),
		Destination: def.Destination(),
		Loop:        def.Loop,
	}
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		m.run(job, def.ScheduleStart, def.ScheduleEnd, launch)
	}()
	return def.ID, nil
}

// Cancel finalizes the job with a Cancelled status. It reports whether this
// call performed the shutdown.
func (m *Manager) Cancel(id int64) bool {
	m.streamLogger(id).Info("cancelling live stream")
	return m.finalizeCurrent(id, statusOf(StatusCancelled))
}

// Stop finalizes the job with a Stopped status. Unlike Cancel it records an
// operator-requested end of a running stream.
func (m *Manager) Stop(id int64) bool {
	m.streamLogger(id).Info("stopping live stream")
	return m.finalizeCurrent(id, statusOf(StatusStopped))
}

// Snapshot returns the jobs owned by owner.
func (m *Manager) Snapshot(owner string) []View {
	return m.registry.SnapshotForOwner(owner)
}

// SnapshotAll returns every job in the registry.
func (m *Manager) SnapshotAll() []View {
	return m.registry.Snapshot()
}

// Shutdown stops accepting new jobs, finalizes every remaining job as
// Stopped so no transcoder group outlives the process, and waits for the
// scheduler goroutines.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range m.registry.IDs() {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			m.finalizeCurrent(id, statusOf(StatusStopped))
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run sequences schedule-wait, spawn, and schedule-end-wait for one job.
// Every registry access goes through WithJob so a scheduler outliving its
// job never acts on a later run of the same stream.
func (m *Manager) run(job *Job, start, end *int64, launch Launch) {
	ctx, id := job.ctx, job.ID
	logger := m.streamLogger(id)

	if start != nil {
		if wait := m.until(*start); wait > 0 {
			scheduled := false
			m.registry.WithJob(job, func(job *Job) {
				scheduled = job.advance(statusOf(StatusScheduled))
			})
			if !scheduled {
				return
			}
			logger.Info("live stream scheduled", "starts_in", wait.String())
			if !m.sleep(ctx, wait) {
				// Whoever cancelled already finalized; this call is a no-op.
				m.finalize(job, statusOf(StatusCancelled))
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	startedAt := m.now().Unix()
	if err := m.persist(func(ctx context.Context) error {
		return m.store.SetActualStart(ctx, id, startedAt)
	}); err != nil {
		logger.Error("failed to update start time", "error", err)
	}
	if ctx.Err() != nil {
		logger.Debug("live stream ended before transcoder spawn")
		return
	}

	proc, err := m.transcoder.Spawn(launch)
	if err != nil {
		logger.Error("failed to spawn transcoder", "error", err)
		m.metrics.TranscoderSpawnFailed()
		m.finalize(job, Failed(err.Error()))
		return
	}

	attached := false
	m.registry.WithJob(job, func(job *Job) {
		if job.finalized {
			return
		}
		job.attach(proc, startedAt)
		attached = true
		m.metrics.StreamJobStarted()
	})
	if !attached {
		logger.Warn("live stream ended while transcoder was spawning", "pid", proc.PID())
		if err := proc.Terminate(m.grace); err != nil {
			logger.Debug("transcoder exited", "error", err)
		}
		return
	}

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		m.monitor(job, proc.Diagnostics())
	}()

	if end == nil {
		return
	}
	wait := m.until(*end)
	if wait <= 0 {
		return
	}
	logger.Info("live stream end scheduled", "ends_in", wait.String())
	if m.sleep(ctx, wait) {
		m.finalize(job, statusOf(StatusDone))
	}
}

// sleep waits for d or until ctx is cancelled. It reports whether the timer
// won.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) until(epoch int64) time.Duration {
	return time.Unix(epoch, 0).Sub(m.now())
}

func (m *Manager) persist(op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
	defer cancel()
	return op(ctx)
}

func (m *Manager) streamLogger(id int64) *slog.Logger {
	return logging.WithStream(m.logger, id)
}
