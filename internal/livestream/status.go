package livestream

import "fmt"

// StatusKind enumerates the lifecycle states of a stream job. The order of
// the constants is the order in which a job moves forward.
type StatusKind int

const (
	StatusOffline StatusKind = iota
	StatusScheduled
	StatusStarting
	StatusLive
	StatusDone
	StatusStopped
	StatusCancelled
	StatusFailed
)

// Status is the current state of a job. Reason is only populated for
// StatusFailed and carries the transcoder or spawn error text.
type Status struct {
	Kind   StatusKind
	Reason string
}

// Failed builds a failure status carrying the provided reason.
func Failed(reason string) Status {
	return Status{Kind: StatusFailed, Reason: reason}
}

func statusOf(kind StatusKind) Status {
	return Status{Kind: kind}
}

// Terminal reports whether the status ends a job.
func (s Status) Terminal() bool {
	switch s.Kind {
	case StatusDone, StatusStopped, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Label returns the lowercase status label reported to dashboards.
func (s Status) Label() string {
	switch s.Kind {
	case StatusOffline:
		return "offline"
	case StatusScheduled:
		return "scheduled"
	case StatusStarting:
		return "starting"
	case StatusLive:
		return "live"
	case StatusDone:
		return "done"
	case StatusStopped:
		return "stopped"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "offline"
	}
}

// HistoryLabel returns the end status written to the history table.
func (s Status) HistoryLabel() string {
	switch s.Kind {
	case StatusDone:
		return "Done"
	case StatusStopped:
		return "Stopped"
	case StatusCancelled:
		return "Canceled"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s Status) String() string {
	if s.Kind == StatusFailed && s.Reason != "" {
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.Label()
}

// canAdvance reports whether a job in status s may move to next. Non-terminal
// states only move forward; Failed is reachable from any of them.
func (s Status) canAdvance(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next.Kind == StatusFailed {
		return true
	}
	return next.Kind > s.Kind
}
