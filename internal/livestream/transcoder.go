package livestream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is the pause between SIGTERM and SIGKILL when a
// transcoder process group is torn down.
const DefaultGracePeriod = 500 * time.Millisecond

// Launch describes one transcoder run.
type Launch struct {
	Video       string
	Destination string
	Loop        int
}

// Args builds the ffmpeg argument vector: realtime input, optional loop,
// machine-readable progress on stderr every second, stream copy and
// low-latency tuning, FLV output to the ingest destination.
func (l Launch) Args() []string {
	args := make([]string, 0, 24)
	if l.Loop > 1 {
		args = append(args, "-stream_loop", strconv.Itoa(l.Loop))
	}
	args = append(args,
		"-re",
		"-i", l.Video,
		"-progress", "pipe:2",
		"-stats_period", "1",
		"-c:v", "copy",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-c:a", "copy",
		"-f", "flv",
		l.Destination,
	)
	return args
}

// Transcoder spawns transcoder processes into their own process group.
type Transcoder struct {
	Binary string
	Logger *slog.Logger
}

// Spawn starts the transcoder for launch. Failures are reported once as a
// *SpawnError and never retried.
func (t *Transcoder) Spawn(launch Launch) (*Process, error) {
	cmd := exec.Command(t.Binary, launch.Args()...)
	cmd.Stdout = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Binary: t.Binary, Err: fmt.Errorf("%w: %v", ErrIO, err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: t.Binary, Err: err}
	}
	if t.Logger != nil {
		t.Logger.Info("transcoder spawned", "pid", cmd.Process.Pid, "video", launch.Video, "loop", launch.Loop)
	}
	return &Process{cmd: cmd, stderr: stderr, logger: t.Logger}, nil
}

// Process is a running transcoder. Its process group id equals its pid.
type Process struct {
	cmd    *exec.Cmd
	stderr io.ReadCloser
	logger *slog.Logger

	waitOnce sync.Once
	waitErr  error
}

// PID returns the process id, which is also the process group id.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Diagnostics returns the transcoder's stderr stream.
func (p *Process) Diagnostics() io.Reader {
	return p.stderr
}

// Terminate signals the whole process group with SIGTERM, waits grace, sends
// SIGKILL unconditionally and reaps the process.
func (p *Process) Terminate(grace time.Duration) error {
	pid := p.PID()
	if pid <= 0 {
		return nil
	}
	p.signalGroup(pid, unix.SIGTERM)
	time.Sleep(grace)
	p.signalGroup(pid, unix.SIGKILL)
	return p.Wait()
}

// Wait reaps the process. It is safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *Process) signalGroup(pid int, sig unix.Signal) {
	err := unix.Kill(-pid, sig)
	if p.logger == nil {
		return
	}
	switch {
	case errors.Is(err, unix.ESRCH):
		p.logger.Debug("transcoder group already gone", "pid", pid, "signal", sig.String())
	case err != nil:
		p.logger.Warn("signal transcoder group", "pid", pid, "signal", sig.String(), "error", err)
	default:
		p.logger.Info("signalled transcoder group", "pid", pid, "signal", sig.String())
	}
}
