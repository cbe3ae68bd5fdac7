package proc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCapturesStdoutAndStderr(t *testing.T) {
	bin := writeScript(t, "echo out-line\necho err-line >&2\n")
	out, err := Run(context.Background(), Request{
		Command: bin,
		Dir:     t.TempDir(),
		Timeout: 5 * time.Second,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "out-line" {
		t.Errorf("stdout: %q", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "err-line" {
		t.Errorf("stderr: %q", out.Stderr)
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code: %d", out.ExitCode)
	}
}

func TestRunPassesArgv(t *testing.T) {
	bin := writeScript(t, `printf '%s\n' "$@"`+"\n")
	out, err := Run(context.Background(), Request{
		Command: bin,
		Argv:    []string{"--flag", "value with spaces"},
		Dir:     t.TempDir(),
		Timeout: 5 * time.Second,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Stdout != "--flag\nvalue with spaces\n" {
		t.Errorf("argv not passed intact: %q", out.Stdout)
	}
}

func TestRunStdinTransport(t *testing.T) {
	bin := writeScript(t, "cat\n")
	out, err := Run(context.Background(), Request{
		Command:   bin,
		Dir:       t.TempDir(),
		StdinData: "prompt over stdin",
		Timeout:   5 * time.Second,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Stdout != "prompt over stdin" {
		t.Errorf("stdin echo: %q", out.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	bin := writeScript(t, "echo boom >&2\nexit 3\n")
	out, err := Run(context.Background(), Request{
		Command: bin,
		Dir:     t.TempDir(),
		Timeout: 5 * time.Second,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("non-zero exit is not a supervisor error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code: %d", out.ExitCode)
	}
	if !strings.Contains(out.StderrExcerpt(), "boom") {
		t.Errorf("stderr excerpt: %q", out.StderrExcerpt())
	}
}

func TestRunSpawnFailed(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Command: filepath.Join(t.TempDir(), "does-not-exist"),
		Dir:     t.TempDir(),
		Timeout: time.Second,
	}, testLogger(t))
	if !errors.IsKind(err, errors.KindSpawnFailed) {
		t.Errorf("expected spawn_failed, got %v", err)
	}
}

func TestRunTimeoutKillsChild(t *testing.T) {
	bin := writeScript(t, "sleep 30\n")
	start := time.Now()
	_, err := Run(context.Background(), Request{
		Command: bin,
		Dir:     t.TempDir(),
		Timeout: 100 * time.Millisecond,
	}, testLogger(t))
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRunCancellation(t *testing.T) {
	bin := writeScript(t, "sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, Request{
		Command: bin,
		Dir:     t.TempDir(),
		Timeout: time.Minute,
	}, testLogger(t))
	if !errors.IsKind(err, errors.KindCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestBoundedBufferTruncatesTail(t *testing.T) {
	b := &boundedBuffer{limit: 8}
	_, _ = b.Write([]byte("0123456789abcdef"))
	got := b.String()
	if !strings.HasPrefix(got, "01234567") {
		t.Errorf("head lost: %q", got)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("marker missing: %q", got)
	}
	if !b.truncated {
		t.Error("truncated flag not set")
	}
}

func TestResolveBinaryOverrides(t *testing.T) {
	t.Setenv("TROIKA_BIN_KIMI", "/opt/fake-kimi")
	if got := ResolveBinary("kimi"); got != "/opt/fake-kimi" {
		t.Errorf("TROIKA_BIN override ignored: %q", got)
	}

	t.Setenv("CODEX_BIN", "/opt/fake-codex")
	if got := ResolveBinary("codex"); got != "/opt/fake-codex" {
		t.Errorf("legacy CODEX_BIN ignored: %q", got)
	}

	if got := ResolveBinary("claude"); got != "claude" {
		t.Errorf("default should be the backend id: %q", got)
	}
}
