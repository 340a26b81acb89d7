package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestProcessBackend(t *testing.T) *ProcessBackend {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	b, err := NewProcessBackend(ProcessConfig{
		WorkDir:        t.TempDir(),
		DefaultTimeout: 10 * time.Second,
	}, NewValidator(StrictnessNormal), nil)
	if err != nil {
		t.Fatalf("NewProcessBackend: %v", err)
	}
	return b
}

func TestProcessExecuteCommand(t *testing.T) {
	b := newTestProcessBackend(t)
	ec := ExecutionContext{SessionID: uuid.New()}

	res, err := b.ExecuteCommand(context.Background(), "echo hello", ec)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if !res.Success() {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestProcessNonZeroExitIsResultNotError(t *testing.T) {
	b := newTestProcessBackend(t)
	ec := ExecutionContext{SessionID: uuid.New()}

	res, err := b.ExecuteCommand(context.Background(), "exit 3", ec)
	if err != nil {
		t.Fatalf("non-zero exit should not be an error, got: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Success() {
		t.Error("Success() should be false for exit 3")
	}
}

func TestProcessStderrCaptured(t *testing.T) {
	b := newTestProcessBackend(t)
	ec := ExecutionContext{SessionID: uuid.New()}

	res, err := b.ExecuteCommand(context.Background(), "echo oops 1>&2", ec)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if got := strings.TrimSpace(res.Stderr); got != "oops" {
		t.Errorf("stderr = %q, want %q", got, "oops")
	}
}

func TestProcessTimeoutPreservesPartialOutput(t *testing.T) {
	b := newTestProcessBackend(t)
	ec := ExecutionContext{
		SessionID: uuid.New(),
		Timeout:   300 * time.Millisecond,
	}

	_, err := b.ExecuteCommand(context.Background(), "echo partial; sleep 10", ec)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %T", err)
	}
	if !strings.Contains(execErr.Stdout, "partial") {
		t.Errorf("partial stdout lost: %q", execErr.Stdout)
	}
}

func TestProcessEnvironmentIsSanitized(t *testing.T) {
	t.Setenv("RLM_SECRET_LEAK_CHECK", "should-not-appear")
	b := newTestProcessBackend(t)
	ec := ExecutionContext{SessionID: uuid.New()}

	res, err := b.ExecuteCommand(context.Background(), "env", ec)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if strings.Contains(res.Stdout, "RLM_SECRET_LEAK_CHECK") {
		t.Error("host environment leaked into sandbox")
	}
}

func TestProcessExtraEnvPassedThrough(t *testing.T) {
	b := newTestProcessBackend(t)
	ec := ExecutionContext{
		SessionID: uuid.New(),
		Env:       map[string]string{"RLM_CELL_VAR": "42"},
	}

	res, err := b.ExecuteCommand(context.Background(), "printf %s \"$RLM_CELL_VAR\"", ec)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if res.Stdout != "42" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "42")
	}
}

func TestProcessSessionDirectoriesAreIsolated(t *testing.T) {
	b := newTestProcessBackend(t)
	s1 := ExecutionContext{SessionID: uuid.New()}
	s2 := ExecutionContext{SessionID: uuid.New()}

	if _, err := b.ExecuteCommand(context.Background(), "echo data > marker.txt", s1); err != nil {
		t.Fatalf("write in session 1: %v", err)
	}
	res, err := b.ExecuteCommand(context.Background(), "ls", s2)
	if err != nil {
		t.Fatalf("ls in session 2: %v", err)
	}
	if strings.Contains(res.Stdout, "marker.txt") {
		t.Error("session 2 can see session 1's files")
	}
}

func TestProcessSnapshotRoundTrip(t *testing.T) {
	b := newTestProcessBackend(t)
	sessionID := uuid.New()
	ec := ExecutionContext{SessionID: sessionID}
	ctx := context.Background()

	if _, err := b.ExecuteCommand(ctx, "echo v1 > state.txt", ec); err != nil {
		t.Fatalf("seeding state: %v", err)
	}

	snap, err := b.CreateSnapshot(ctx, sessionID, "checkpoint")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	if _, err := b.ExecuteCommand(ctx, "echo v2 > state.txt", ec); err != nil {
		t.Fatalf("mutating state: %v", err)
	}

	if err := b.RestoreSnapshot(ctx, snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	res, err := b.ExecuteCommand(ctx, "cat state.txt", ec)
	if err != nil {
		t.Fatalf("reading restored state: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "v1" {
		t.Errorf("restored state = %q, want %q", got, "v1")
	}
}

func TestProcessRestoreUnknownSnapshot(t *testing.T) {
	b := newTestProcessBackend(t)
	snap := SnapshotID{Name: "ghost", SessionID: uuid.New()}

	err := b.RestoreSnapshot(context.Background(), snap)
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestProcessDeleteSnapshot(t *testing.T) {
	b := newTestProcessBackend(t)
	sessionID := uuid.New()
	ctx := context.Background()

	if _, err := b.sessionDir(sessionID); err != nil {
		t.Fatal(err)
	}
	snap, err := b.CreateSnapshot(ctx, sessionID, "s1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	if err := b.DeleteSnapshot(ctx, snap); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	snaps, err := b.ListSnapshots(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshots remaining after delete: %v", snaps)
	}

	if err := b.DeleteSnapshot(ctx, snap); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("double delete should return ErrSnapshotNotFound, got %v", err)
	}
}

func TestProcessCapabilities(t *testing.T) {
	b := newTestProcessBackend(t)
	if !HasCapability(b, CapBashExecution) {
		t.Error("process backend should support bash execution")
	}
	if HasCapability(b, CapNetworkIsolation) {
		t.Error("process backend should not advertise network isolation")
	}
	if b.BackendType() != BackendProcess {
		t.Errorf("backend type = %q", b.BackendType())
	}
}

func TestLimitedWriterCapsOutput(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	// Writes past the cap report full length so the producer never
	// sees a short write.
	n, err := lw.Write([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("first write n = %d, want 11", n)
	}
	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("post-cap write = (%d, %v), want (4, nil)", n, err)
	}
	if buf.String() != "hello" {
		t.Errorf("buffer = %q, want %q", buf.String(), "hello")
	}
}

func TestSnapshotIDString(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	snap := SnapshotID{Name: "base", SessionID: id}
	want := "base@11111111-2222-3333-4444-555555555555"
	if snap.String() != want {
		t.Errorf("String() = %q, want %q", snap.String(), want)
	}
}
