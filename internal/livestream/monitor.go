package livestream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

const (
	progressContinue = "progress=continue"
	progressEnd      = "progress=end"

	// reasonNoEndMarker is the failure reason used when the diagnostic
	// stream closes without an end marker or an error line.
	reasonNoEndMarker = "transcoder exited without end marker"

	maxDiagnosticLine = 64 * 1024
)

type lineKind int

const (
	lineIgnored lineKind = iota
	lineContinue
	lineEnd
	lineError
)

func classifyLine(line string) lineKind {
	switch {
	case line == progressContinue:
		return lineContinue
	case line == progressEnd:
		return lineEnd
	case strings.Contains(line, "error"):
		return lineError
	default:
		return lineIgnored
	}
}

// monitor reads the transcoder's diagnostic stream until it closes or a
// terminal line is seen.
func (m *Manager) monitor(job *Job, diagnostics io.Reader) {
	logger := m.streamLogger(job.ID)
	scanner := bufio.NewScanner(diagnostics)
	scanner.Buffer(make([]byte, 0, 4096), maxDiagnosticLine)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch classifyLine(line) {
		case lineContinue:
			m.registry.WithJob(job, func(job *Job) {
				if job.status.Kind == StatusStarting && job.advance(statusOf(StatusLive)) {
					logger.Info("stream is live")
					m.metrics.StreamJobLive()
				}
			})
		case lineEnd:
			logger.Info("transcoder finished")
			m.finalize(job, statusOf(StatusStopped))
			return
		case lineError:
			reason := sanitizeDiagnostic(line)
			logger.Warn("transcoder error", "line", reason)
			m.finalize(job, Failed(reason))
			return
		}
	}

	reason := reasonNoEndMarker
	if err := scanner.Err(); err != nil {
		reason = fmt.Sprintf("%s: %v", reasonNoEndMarker, fmt.Errorf("%w: %v", ErrIO, err))
	}
	if m.finalize(job, Failed(reason)) {
		logger.Warn("diagnostic stream closed without end marker", "reason", reason)
	}
}

// sanitizeDiagnostic makes a diagnostic line safe to persist and encode:
// ill-formed UTF-8 is replaced and control characters other than tab are
// dropped. Chained transformers keep state, so one is built per call.
func sanitizeDiagnostic(line string) string {
	sanitizer := transform.Chain(
		runes.ReplaceIllFormed(),
		runes.Remove(runes.Predicate(func(r rune) bool {
			return unicode.IsControl(r) && r != '\t'
		})),
	)
	cleaned, _, err := transform.String(sanitizer, line)
	if err != nil {
		return strings.ToValidUTF8(line, "\uFFFD")
	}
	return cleaned
}
