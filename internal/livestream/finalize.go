package livestream

import (
	"context"
	"strings"
)

// finalize is the single shutdown path for a job. Concurrent callers race on
// the finalized flag; exactly one of them releases the process, writes the
// history row and frees the registry slot. It reports whether this call did.
// Triggers are bound to the job they were created for, so a late trigger
// from a finished run is a no-op even when the id was started again.
func (m *Manager) finalize(job *Job, final Status) bool {
	id := job.ID
	logger := m.streamLogger(id)

	active := false
	m.registry.WithJob(job, func(job *Job) {
		active = !job.finalized
	})
	if !active {
		return false
	}

	if err := m.persist(func(ctx context.Context) error {
		return m.store.ClearSchedule(ctx, id)
	}); err != nil {
		logger.Error("failed to clear live stream schedule", "error", err)
	}

	var (
		claimed     bool
		wasLive     bool
		proc        *Process
		owner       string
		actualStart int64
	)
	m.registry.WithJob(job, func(job *Job) {
		if job.finalized {
			return
		}
		job.finalized = true
		job.cancel()
		proc = job.takeProcess()
		wasLive = job.status.Kind == StatusLive
		job.status = final
		owner = job.Owner
		if job.ActualStart != nil {
			actualStart = *job.ActualStart
		}
		claimed = true
	})
	if !claimed {
		return false
	}

	if proc != nil {
		if err := proc.Terminate(m.grace); err != nil {
			logger.Debug("transcoder exited", "pid", proc.PID(), "error", err)
		}
	}

	record := HistoryRecord{
		Owner:     m.historyOwner(id, owner),
		StreamID:  id,
		StartTime: actualStart,
		EndTime:   m.now().Unix(),
		EndStatus: final.HistoryLabel(),
	}
	if err := m.persist(func(ctx context.Context) error {
		return m.store.InsertHistory(ctx, record)
	}); err != nil {
		logger.Error("failed to store live stream history", "error", err)
	}

	m.registry.RemoveJob(job)
	m.metrics.StreamJobFinished(final.Label(), proc != nil, wasLive)
	logger.Info("live stream finalized", "status", final.String(), "end_status", record.EndStatus)
	return true
}

// finalizeCurrent finalizes whichever run of id is registered now.
func (m *Manager) finalizeCurrent(id int64, final Status) bool {
	job, ok := m.registry.Current(id)
	if !ok {
		return false
	}
	return m.finalize(job, final)
}

// historyOwner prefers the owner recorded on the stream definition and falls
// back to the owner captured when the job was created.
func (m *Manager) historyOwner(id int64, fallback string) string {
	var owner string
	err := m.persist(func(ctx context.Context) error {
		var err error
		owner, err = m.store.StreamOwner(ctx, id)
		return err
	})
	if err != nil || strings.TrimSpace(owner) == "" {
		m.streamLogger(id).Warn("failed to get live stream owner", "error", err)
		return fallback
	}
	return owner
}
