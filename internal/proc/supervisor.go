// Package proc spawns and supervises backend CLI child processes.
package proc

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/common/logger"
)

const (
	// gracePeriod is how long a signaled child gets before the forced kill.
	gracePeriod = 5 * time.Second

	maxStdoutBytes = 4 << 20
	maxStderrBytes = 256 << 10

	truncationMarker = "\n...[output truncated]"
)

// Request describes one child invocation.
type Request struct {
	Command string
	Argv    []string
	Dir     string

	// StdinData, when non-empty, is written to the child's stdin which is
	// then closed. Empty means stdin is closed immediately.
	StdinData string

	Timeout time.Duration
}

// Output captures the child's observable behavior.
type Output struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int
	Elapsed         time.Duration
}

// StderrExcerpt returns a short tail of stderr for error payloads.
func (o Output) StderrExcerpt() string {
	const max = 2000
	s := strings.TrimSpace(o.Stderr)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// boundedBuffer keeps the first limit bytes and drops the rest, remembering
// that it truncated.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) <= remaining {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + truncationMarker
	}
	return string(b.buf)
}

// Run executes the child to completion, honoring ctx cancellation and the
// request timeout. Both trigger a graceful terminate followed by a forced
// kill after the grace window.
func Run(ctx context.Context, req Request, log *logger.Logger) (Output, error) {
	log = log.WithFields(zap.String("component", "process-supervisor"))
	start := time.Now()

	cmd := exec.Command(req.Command, req.Argv...)
	cmd.Dir = req.Dir
	// The child leads its own process group so termination reaches any
	// descendants still holding the output pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &boundedBuffer{limit: maxStdoutBytes}
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var stdin io.WriteCloser
	if req.StdinData != "" {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return Output{}, errors.SpawnFailed(err)
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return Output{}, errors.SpawnFailed(err)
	}
	log.Debug("spawned backend",
		zap.String("command", req.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("argc", len(req.Argv)))

	// The prompt write runs concurrently with supervision: a child that
	// never drains stdin must not wedge the timeout path.
	writeDone := make(chan error, 1)
	if stdin != nil {
		go func() {
			_, err := io.WriteString(stdin, req.StdinData)
			if closeErr := stdin.Close(); err == nil {
				err = closeErr
			}
			writeDone <- err
		}()
	} else {
		writeDone <- nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timer = t.C
	}

	var termErr *errors.AppError
	select {
	case <-done:
	case <-ctx.Done():
		terminate(cmd, done)
		termErr = errors.Cancelled("invocation cancelled")
	case <-timer:
		terminate(cmd, done)
		termErr = errors.Timeout("backend timed out after " + req.Timeout.String())
	}

	out := Output{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		ExitCode:        cmd.ProcessState.ExitCode(),
		Elapsed:         time.Since(start),
	}

	if termErr != nil {
		termErr.StderrExcerpt = out.StderrExcerpt()
		return out, termErr
	}
	if writeErr := <-writeDone; writeErr != nil {
		return out, errors.IOFailed("failed to write prompt to stdin", writeErr)
	}
	return out, nil
}

// terminate asks the child to exit, escalating to SIGKILL after the grace
// window, and waits for the reaper goroutine.
func terminate(cmd *exec.Cmd, done <-chan error) {
	_ = signalProcess(cmd.Process, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(gracePeriod):
		_ = signalProcess(cmd.Process, os.Kill)
		<-done
	}
}

// signalProcess sends sig to the child's process group, treating an
// already-exited process as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	if s, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(-proc.Pid, s); err != syscall.ESRCH {
			return err
		}
		return nil
	}
	err := proc.Signal(sig)
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

// ResolveBinary maps a backend id to the command to execute, honoring the
// TROIKA_BIN_<ID> override and the legacy CODEX_BIN / GEMINI_BIN names used
// by test harnesses.
func ResolveBinary(backendID string) string {
	if v := os.Getenv("TROIKA_BIN_" + strings.ToUpper(backendID)); v != "" {
		return v
	}
	switch backendID {
	case "codex":
		if v := os.Getenv("CODEX_BIN"); v != "" {
			return v
		}
	case "gemini":
		if v := os.Getenv("GEMINI_BIN"); v != "" {
			return v
		}
	}
	return backendID
}
