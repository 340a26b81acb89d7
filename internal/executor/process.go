package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// ProcessConfig configures the process-based backend.
type ProcessConfig struct {
	// WorkDir is the root under which per-session directories live.
	// Empty = os.TempDir()/terraphim-rlm.
	WorkDir string

	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits

	// PythonBin overrides the interpreter used for ExecuteCode. Default: python3.
	PythonBin string
}

// ProcessBackend executes code and commands as isolated OS processes.
//
// Isolation properties:
//   - Each session gets its own working directory, removed on cleanup
//   - Processes run in their own process group (Setpgid); the whole
//     group is killed on timeout/cancel
//   - No environment inheritance from the host, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
//
// Snapshots are tar archives of the session working directory, so
// rollback restores files but not in-flight processes.
type ProcessBackend struct {
	workRoot       string
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	pythonBin      string
	validator      *Validator
	logger         *slog.Logger

	mu        sync.Mutex
	snapshots map[uuid.UUID][]SnapshotID
}

// NewProcessBackend creates a process-based execution backend.
func NewProcessBackend(cfg ProcessConfig, validator *Validator, logger *slog.Logger) (*ProcessBackend, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workRoot := cfg.WorkDir
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "terraphim-rlm")
	}
	if err := os.MkdirAll(workRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating work root %s: %w", workRoot, err)
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	pythonBin := cfg.PythonBin
	if pythonBin == "" {
		pythonBin = "python3"
	}

	return &ProcessBackend{
		workRoot:       workRoot,
		defaultTimeout: timeout,
		defaultLimits:  limits,
		pythonBin:      pythonBin,
		validator:      validator,
		logger:         logger,
		snapshots:      make(map[uuid.UUID][]SnapshotID),
	}, nil
}

// ExecuteCode writes the code to a session-local file and runs it with
// the configured Python interpreter.
func (b *ProcessBackend) ExecuteCode(ctx context.Context, code string, ec ExecutionContext) (*ExecutionResult, error) {
	dir, err := b.sessionDir(ec.SessionID)
	if err != nil {
		return nil, err
	}

	script := filepath.Join(dir, fmt.Sprintf("cell-%s.py", uuid.NewString()[:8]))
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("writing code file: %w", err)
	}
	defer os.Remove(script)

	return b.run(ctx, []string{b.pythonBin, script}, ec, dir)
}

// ExecuteCommand runs a shell command inside the session directory.
func (b *ProcessBackend) ExecuteCommand(ctx context.Context, command string, ec ExecutionContext) (*ExecutionResult, error) {
	dir, err := b.sessionDir(ec.SessionID)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, []string{"/bin/sh", "-c", command}, ec, dir)
}

// run executes argv with process-group isolation, ulimit enforcement,
// a sanitized environment, and capped output.
func (b *ProcessBackend) run(ctx context.Context, argv []string, ec ExecutionContext, dir string) (*ExecutionResult, error) {
	timeout := ec.Timeout
	if timeout == 0 {
		timeout = b.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limits := b.resolveLimits(ec.Limits)

	// The command is wrapped:
	//   sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ argv...
	// exec "$@" with positional parameters prevents shell injection;
	// the payload is never interpolated into the shell string.
	memKB := limits.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(argv))
	args = append(args, "-c", shellScript, "_")
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	if ec.WorkingDir != "" {
		cmd.Dir = ec.WorkingDir
	} else {
		cmd.Dir = dir
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = b.buildEnv(dir, ec.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	b.logger.Info("process backend executing",
		slog.String("session", ec.SessionID.String()),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.Warn("process backend timed out",
				slog.String("session", ec.SessionID.String()),
				slog.Duration("timeout", timeout),
			)
			return nil, &ExecutionError{
				Message: fmt.Sprintf("execution timed out after %s", timeout),
				Stdout:  stdoutBuf.String(),
				Stderr:  stderrBuf.String(),
				Err:     ctx.Err(),
			}
		}

		// A non-zero exit code is a result, not an error.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &ExecutionError{
				Message: runErr.Error(),
				Stdout:  stdoutBuf.String(),
				Stderr:  stderrBuf.String(),
				Err:     runErr,
			}
		}
	}

	b.logger.Info("process backend completed",
		slog.String("session", ec.SessionID.String()),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Validate delegates to the static validator.
func (b *ProcessBackend) Validate(input string) ValidationResult {
	return b.validator.Validate(input)
}

// CreateSnapshot archives the session directory to a tarball.
func (b *ProcessBackend) CreateSnapshot(ctx context.Context, sessionID uuid.UUID, name string) (SnapshotID, error) {
	dir, err := b.sessionDir(sessionID)
	if err != nil {
		return SnapshotID{}, err
	}

	snap := SnapshotID{Name: name, SessionID: sessionID}
	out, err := exec.CommandContext(ctx, "tar", "-czf", b.snapshotPath(snap), "-C", dir, ".").CombinedOutput()
	if err != nil {
		return SnapshotID{}, fmt.Errorf("archiving session dir: %w: %s", err, strings.TrimSpace(string(out)))
	}

	b.mu.Lock()
	b.snapshots[sessionID] = append(b.snapshots[sessionID], snap)
	b.mu.Unlock()

	b.logger.Info("snapshot created",
		slog.String("session", sessionID.String()),
		slog.String("name", name),
	)
	return snap, nil
}

// RestoreSnapshot replaces the session directory contents with the archive.
func (b *ProcessBackend) RestoreSnapshot(ctx context.Context, snap SnapshotID) error {
	if !b.hasSnapshot(snap) {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snap)
	}

	dir, err := b.sessionDir(snap.SessionID)
	if err != nil {
		return err
	}

	// Clear current contents, then unpack.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading session dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clearing session dir: %w", err)
		}
	}

	out, err := exec.CommandContext(ctx, "tar", "-xzf", b.snapshotPath(snap), "-C", dir).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unpacking snapshot %s: %w: %s", snap.Name, err, strings.TrimSpace(string(out)))
	}

	b.logger.Info("snapshot restored",
		slog.String("session", snap.SessionID.String()),
		slog.String("name", snap.Name),
	)
	return nil
}

// ListSnapshots returns the snapshots recorded for the session.
func (b *ProcessBackend) ListSnapshots(_ context.Context, sessionID uuid.UUID) ([]SnapshotID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := b.snapshots[sessionID]
	out := make([]SnapshotID, len(snaps))
	copy(out, snaps)
	return out, nil
}

// DeleteSnapshot removes a snapshot archive and its bookkeeping entry.
func (b *ProcessBackend) DeleteSnapshot(_ context.Context, snap SnapshotID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snaps := b.snapshots[snap.SessionID]
	for i, s := range snaps {
		if s.Name == snap.Name {
			b.snapshots[snap.SessionID] = append(snaps[:i], snaps[i+1:]...)
			if err := os.Remove(b.snapshotPath(snap)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing snapshot archive: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snap)
}

// DeleteSessionSnapshots removes all snapshots for a session.
func (b *ProcessBackend) DeleteSessionSnapshots(_ context.Context, sessionID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.snapshots[sessionID] {
		if err := os.Remove(b.snapshotPath(s)); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("failed to remove snapshot archive",
				slog.String("snapshot", s.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	delete(b.snapshots, sessionID)
	return nil
}

// Capabilities reports the process backend's feature set.
func (b *ProcessBackend) Capabilities() []Capability {
	return []Capability{
		CapPythonExecution,
		CapBashExecution,
		CapSnapshots,
		CapResourceLimits,
	}
}

// BackendType reports BackendProcess.
func (b *ProcessBackend) BackendType() BackendType { return BackendProcess }

// HealthCheck verifies that /bin/sh is runnable.
func (b *ProcessBackend) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "/bin/sh", "-c", "true").Run() == nil
}

// Cleanup removes the work root, including all session directories and
// snapshot archives.
func (b *ProcessBackend) Cleanup(_ context.Context) error {
	b.mu.Lock()
	b.snapshots = make(map[uuid.UUID][]SnapshotID)
	b.mu.Unlock()
	return os.RemoveAll(b.workRoot)
}

func (b *ProcessBackend) sessionDir(sessionID uuid.UUID) (string, error) {
	dir := filepath.Join(b.workRoot, "sessions", sessionID.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	return dir, nil
}

func (b *ProcessBackend) snapshotPath(snap SnapshotID) string {
	snapDir := filepath.Join(b.workRoot, "snapshots")
	_ = os.MkdirAll(snapDir, 0o700)
	return filepath.Join(snapDir, fmt.Sprintf("%s-%s.tar.gz", snap.SessionID, snap.Name))
}

func (b *ProcessBackend) hasSnapshot(snap SnapshotID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.snapshots[snap.SessionID] {
		if s.Name == snap.Name {
			return true
		}
	}
	return false
}

// resolveLimits merges per-call overrides with backend defaults.
func (b *ProcessBackend) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := b.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// buildEnv constructs a minimal, safe environment. The host process's
// environment is NEVER inherited. API keys and credentials must not
// leak into sandboxed executions.
func (b *ProcessBackend) buildEnv(dir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops storing after a byte limit.
// Excess data is silently discarded; writes always report full
// consumption so the producing process never sees a short write.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining > 0 {
		chunk := p
		if len(chunk) > lw.remaining {
			chunk = chunk[:lw.remaining]
		}
		n, err := lw.w.Write(chunk)
		lw.remaining -= n
		if err != nil {
			return n, err
		}
	}
	return len(p), nil
}
