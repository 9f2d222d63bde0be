// Package livestream schedules, launches, supervises and tears down stream
// jobs that push a stored video to an ingest endpoint through ffmpeg.
//
// # Overview
//
// A Manager owns a Registry of jobs keyed by stream id. Create inserts an
// Offline job and detaches a scheduler goroutine which:
//
//   - waits for the scheduled start (status Scheduled) unless cancelled,
//   - records the start time and spawns the transcoder in its own process
//     group (status Starting),
//   - attaches a monitor to the transcoder's stderr progress stream, which
//     moves the job to Live on "progress=continue" and ends it on
//     "progress=end" or on any line containing "error",
//   - waits for the scheduled end, if any, and then ends the job as Done.
//
// # Finalization
//
// Every path that ends a job (Cancel, the scheduled end timer, the monitor,
// Shutdown) goes through finalize. The first caller flips the job's
// finalized flag under the entry lock, cancels the job context, and takes
// the process handle out of the entry; later callers return immediately.
// The winner then signals the process group (SIGTERM, grace, SIGKILL),
// reaps it, writes one history row and removes the registry entry.
// Bookkeeping failures are logged and never block the release of the
// process or the registry slot.
package livestream
