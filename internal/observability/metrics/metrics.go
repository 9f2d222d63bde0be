package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests and
// stream job lifecycle events. Label maps are guarded by a RWMutex; the
// gauges are atomics so hot paths never take the lock.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobEvents       map[string]uint64
	jobEndings      map[string]uint64
	spawnFailures   atomic.Uint64
	activeJobs      atomic.Int64
	runningProcs    atomic.Int64
	liveStreams     atomic.Int64
	publishFailures atomic.Uint64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[string]uint64),
		jobEndings:      make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(recorder *Recorder) {
	if recorder == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = recorder
	defaultMu.Unlock()
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamJobCreated records an accepted start request.
func (r *Recorder) StreamJobCreated() {
	r.incrementJobEvent("created")
	r.activeJobs.Add(1)
}

// StreamJobStarted records a transcoder that was spawned and attached.
func (r *Recorder) StreamJobStarted() {
	r.incrementJobEvent("started")
	r.runningProcs.Add(1)
}

// StreamJobLive records the first progress report of a job.
func (r *Recorder) StreamJobLive() {
	r.incrementJobEvent("live")
	r.liveStreams.Add(1)
}

// StreamJobFinished records a finalized job by its status label. hadProcess
// tells whether a transcoder was torn down with it and wasLive whether the
// job had reached Live.
func (r *Recorder) StreamJobFinished(status string, hadProcess, wasLive bool) {
	r.incrementJobEvent("finished")
	normalized := normalizeName(status)
	r.mu.Lock()
	r.jobEndings[normalized]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeJobs)
	if hadProcess {
		r.decrementGauge(&r.runningProcs)
	}
	if wasLive {
		r.decrementGauge(&r.liveStreams)
	}
}

// TranscoderSpawnFailed records a transcoder that could not be started.
func (r *Recorder) TranscoderSpawnFailed() {
	r.spawnFailures.Add(1)
}

// DashboardPublishFailed records a failed status push.
func (r *Recorder) DashboardPublishFailed() {
	r.publishFailures.Add(1)
}

func (r *Recorder) incrementJobEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[normalized]++
	r.mu.Unlock()
}

// ActiveJobs returns the number of jobs currently held in the registry.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// RunningTranscoders returns the number of attached transcoder processes.
func (r *Recorder) RunningTranscoders() int64 {
	return r.runningProcs.Load()
}

// JobCounts returns copies of the lifecycle event and ending counters.
func (r *Recorder) JobCounts() (events map[string]uint64, endings map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	endings = make(map[string]uint64, len(r.jobEndings))
	for k, v := range r.jobEndings {
		endings[k] = v
	}
	return events, endings
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.jobEndings = make(map[string]uint64)
	r.spawnFailures.Store(0)
	r.activeJobs.Store(0)
	r.runningProcs.Store(0)
	r.liveStreams.Store(0)
	r.publishFailures.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets
// sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobEvents := sortedKeys(r.jobEvents)
	jobEndings := sortedKeys(r.jobEndings)

	fmt.Fprintln(w, "# HELP livecast_http_requests_total Total number of HTTP requests processed by the control API")
	fmt.Fprintln(w, "# TYPE livecast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP livecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE livecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP livecast_stream_job_events_total Stream job lifecycle events by type")
	fmt.Fprintln(w, "# TYPE livecast_stream_job_events_total counter")
	for _, event := range jobEvents {
		fmt.Fprintf(w, "livecast_stream_job_events_total{event=\"%s\"} %d\n", event, r.jobEvents[event])
	}

	fmt.Fprintln(w, "# HELP livecast_stream_job_endings_total Finalized stream jobs by terminal status")
	fmt.Fprintln(w, "# TYPE livecast_stream_job_endings_total counter")
	for _, status := range jobEndings {
		fmt.Fprintf(w, "livecast_stream_job_endings_total{status=\"%s\"} %d\n", status, r.jobEndings[status])
	}

	fmt.Fprintln(w, "# HELP livecast_transcoder_spawn_failures_total Transcoder processes that failed to start")
	fmt.Fprintln(w, "# TYPE livecast_transcoder_spawn_failures_total counter")
	fmt.Fprintf(w, "livecast_transcoder_spawn_failures_total %d\n", r.spawnFailures.Load())

	fmt.Fprintln(w, "# HELP livecast_dashboard_publish_failures_total Failed dashboard status pushes")
	fmt.Fprintln(w, "# TYPE livecast_dashboard_publish_failures_total counter")
	fmt.Fprintf(w, "livecast_dashboard_publish_failures_total %d\n", r.publishFailures.Load())

	fmt.Fprintln(w, "# HELP livecast_active_jobs Stream jobs currently held in the registry")
	fmt.Fprintln(w, "# TYPE livecast_active_jobs gauge")
	fmt.Fprintf(w, "livecast_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP livecast_running_transcoders Transcoder processes currently attached to jobs")
	fmt.Fprintln(w, "# TYPE livecast_running_transcoders gauge")
	fmt.Fprintf(w, "livecast_running_transcoders %d\n", r.runningProcs.Load())

	fmt.Fprintln(w, "# HELP livecast_live_streams Stream jobs that reported progress")
	fmt.Fprintln(w, "# TYPE livecast_live_streams gauge")
	fmt.Fprintf(w, "livecast_live_streams %d\n", r.liveStreams.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses numeric and long opaque path segments into ":id".
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
