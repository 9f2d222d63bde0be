package livestream

import (
	"context"
	"path/filepath"
	"strings"
)

// StreamDefinition is the persisted description of a stream as stored by the
// stream CRUD service. VideoFile is relative to the upload directory unless
// it is absolute.
type StreamDefinition struct {
	ID            int64
	Owner         string
	VideoFile     string
	IngestURL     string
	StreamKey     string
	Loop          int
	ScheduleStart *int64
	ScheduleEnd   *int64
}

// Destination joins the ingest URL and stream key the way RTMP ingest
// endpoints expect them.
func (d StreamDefinition) Destination() string {
	base := strings.TrimRight(strings.TrimSpace(d.IngestURL), "/")
	key := strings.TrimLeft(strings.TrimSpace(d.StreamKey), "/")
	if key == "" {
		return base
	}
	return base + "/" + key
}

func (d StreamDefinition) videoPath(uploadDir string) string {
	if filepath.IsAbs(d.VideoFile) || uploadDir == "" {
		return d.VideoFile
	}
	return filepath.Join(uploadDir, "videos", d.VideoFile)
}

// Job is one run attempt of a stream. It is only ever touched inside the
// registry entry's exclusive window.
type Job struct {
	ID            int64
	Owner         string
	ScheduleStart *int64
	ScheduleEnd   *int64
	ActualStart   *int64

	status    Status
	process   *Process
	ctx       context.Context
	cancel    context.CancelFunc
	finalized bool
}

func newJob(def StreamDefinition) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:            def.ID,
		Owner:         def.Owner,
		ScheduleStart: cloneInt64(def.ScheduleStart),
		ScheduleEnd:   cloneInt64(def.ScheduleEnd),
		status:        statusOf(StatusOffline),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	return j.status
}

// Finalized reports whether the shutdown routine has claimed the job.
func (j *Job) Finalized() bool {
	return j.finalized
}

// advance moves the job to next when the state machine allows it.
func (j *Job) advance(next Status) bool {
	if j.finalized || !j.status.canAdvance(next) {
		return false
	}
	j.status = next
	return true
}

// attach records a freshly spawned process and moves the job to Starting.
func (j *Job) attach(proc *Process, startedAt int64) {
	j.process = proc
	j.ActualStart = &startedAt
	j.status = statusOf(StatusStarting)
}

// takeProcess hands the process handle to the caller, leaving the entry
// without one.
func (j *Job) takeProcess() *Process {
	proc := j.process
	j.process = nil
	return proc
}

func (j *Job) view() View {
	return View{
		ID:            j.ID,
		Owner:         j.Owner,
		ScheduleStart: cloneInt64(j.ScheduleStart),
		ScheduleEnd:   cloneInt64(j.ScheduleEnd),
		ActualStart:   cloneInt64(j.ActualStart),
		Status:        j.status,
		Label:         j.status.Label(),
	}
}

// View is a read-only copy of a job used for status reporting.
type View struct {
	ID            int64  `json:"id"`
	Owner         string `json:"-"`
	ScheduleStart *int64 `json:"schedule_start"`
	ScheduleEnd   *int64 `json:"schedule_end"`
	ActualStart   *int64 `json:"started_at"`
	Status        Status `json:"-"`
	Label         string `json:"status"`
}

// HistoryRecord is one row of the stream history table.
type HistoryRecord struct {
	Owner     string `json:"owner"`
	StreamID  int64  `json:"live_stream"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	EndStatus string `json:"end_status"`
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
