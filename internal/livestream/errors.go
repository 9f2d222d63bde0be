package livestream

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an incompatible job is already active for
	// the stream id.
	ErrConflict = errors.New("live stream conflict")
	// ErrAlreadyLive is returned when the stream is already live.
	ErrAlreadyLive = fmt.Errorf("live stream already live: %w", ErrConflict)
	// ErrAlreadyScheduled is returned when the stream is waiting for its
	// scheduled start.
	ErrAlreadyScheduled = fmt.Errorf("live stream already scheduled: %w", ErrConflict)

	// ErrEnvironmentMissing reports a required configuration value that was
	// not provided.
	ErrEnvironmentMissing = errors.New("required configuration missing")

	// ErrStreamNotFound is returned by stores when no stream definition
	// exists for an id.
	ErrStreamNotFound = errors.New("live stream not found")

	// ErrClosed is returned by Create once Shutdown has begun.
	ErrClosed = errors.New("live stream manager closed")

	// ErrIO wraps filesystem, pipe and network failures.
	ErrIO = errors.New("io failure")
	// ErrPersistence wraps failures reported by the stream store.
	ErrPersistence = errors.New("persistence failure")
	// ErrParse reports malformed configuration, request or stored values.
	ErrParse = errors.New("parse failure")
)

// SpawnError reports that the transcoder could not be started.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func conflictFor(existing View) error {
	switch existing.Status.Kind {
	case StatusLive:
		return ErrAlreadyLive
	case StatusScheduled:
		return ErrAlreadyScheduled
	default:
		return ErrConflict
	}
}
