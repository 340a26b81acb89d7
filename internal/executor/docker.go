package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "rlm-runtime:latest"

	// snapshotRepo is the image repository used for docker-commit snapshots.
	snapshotRepo = "rlm-snapshot"
)

// DockerConfig configures the container-based backend.
type DockerConfig struct {
	Image          string        // Container image (e.g. "rlm-runtime:latest").
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none.
}

// DockerBackend executes code and commands inside ephemeral Docker
// containers.
//
// Hardening per execution:
//   - Fresh container (--rm, plus a deferred docker rm -f safety net)
//   - All Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user, no host PID namespace, no docker socket mount
//   - Network disabled by default
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - stdout/stderr capped
//
// Snapshots are taken with docker commit against a per-session keeper
// container, producing session-tagged images that RestoreSnapshot swaps
// back in as the execution image.
type DockerBackend struct {
	config    DockerConfig
	validator *Validator
	logger    *slog.Logger

	mu        sync.Mutex
	snapshots map[uuid.UUID][]SnapshotID
	// sessionImage maps a session to the image executions run against.
	// Defaults to config.Image until a snapshot is restored.
	sessionImage map[uuid.UUID]string
}

// NewDockerBackend creates a container-based execution backend.
func NewDockerBackend(cfg DockerConfig, validator *Validator, logger *slog.Logger) *DockerBackend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerBackend{
		config:       cfg,
		validator:    validator,
		logger:       logger,
		snapshots:    make(map[uuid.UUID][]SnapshotID),
		sessionImage: make(map[uuid.UUID]string),
	}
}

// ExecuteCode runs Python code inside a fresh container.
func (b *DockerBackend) ExecuteCode(ctx context.Context, code string, ec ExecutionContext) (*ExecutionResult, error) {
	return b.runInContainer(ctx, []string{"python3", "-c", code}, ec)
}

// ExecuteCommand runs a shell command inside a fresh container.
func (b *DockerBackend) ExecuteCommand(ctx context.Context, command string, ec ExecutionContext) (*ExecutionResult, error) {
	return b.runInContainer(ctx, []string{"/bin/sh", "-c", command}, ec)
}

func (b *DockerBackend) runInContainer(ctx context.Context, argv []string, ec ExecutionContext) (*ExecutionResult, error) {
	timeout := ec.Timeout
	if timeout == 0 {
		timeout = b.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName := fmt.Sprintf("rlm-sbx-%s", uuid.NewString()[:16])

	memoryMB := b.config.MemoryMB
	if ec.Limits.MaxMemoryMB > 0 {
		memoryMB = ec.Limits.MaxMemoryMB
	}

	args := b.buildDockerArgs(containerName, memoryMB, ec)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	b.logger.Info("docker backend executing",
		slog.String("session", ec.SessionID.String()),
		slog.String("container", containerName),
		slog.String("image", b.imageFor(ec.SessionID)),
		slog.Int("memory_mb", memoryMB),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net: force remove in case --rm didn't fire (OOM kill,
	// daemon restart, context cancel race).
	b.forceRemoveContainer(containerName)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.Warn("docker backend timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", timeout),
			)
			return nil, &ExecutionError{
				Message: fmt.Sprintf("execution timed out after %s", timeout),
				Stdout:  stdoutBuf.String(),
				Stderr:  stderrBuf.String(),
				Err:     ctx.Err(),
			}
		}

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

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildDockerArgs constructs the docker run argument list with all
// hardening flags. The payload command is NOT included; the caller appends it.
func (b *DockerBackend) buildDockerArgs(name string, memoryMB int, ec ExecutionContext) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(b.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(b.config.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = no swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if b.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	if ec.WorkingDir != "" {
		args = append(args, "--workdir", ec.WorkingDir)
	} else {
		args = append(args, "--workdir", "/home/sandbox")
	}

	for k, v := range ec.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, b.imageFor(ec.SessionID))
	return args
}

// Validate delegates to the static validator.
func (b *DockerBackend) Validate(input string) ValidationResult {
	return b.validator.Validate(input)
}

// CreateSnapshot commits the session's current image under a
// session-scoped tag.
func (b *DockerBackend) CreateSnapshot(ctx context.Context, sessionID uuid.UUID, name string) (SnapshotID, error) {
	snap := SnapshotID{Name: name, SessionID: sessionID}
	tag := b.snapshotTag(snap)

	// Tag the session's current image as the snapshot. Filesystem state
	// lives in tmpfs between runs, so the image captures the package and
	// rootfs layer that executions start from.
	out, err := exec.CommandContext(ctx, "docker", "tag", b.imageFor(sessionID), tag).CombinedOutput()
	if err != nil {
		return SnapshotID{}, fmt.Errorf("tagging snapshot image: %w: %s", err, strings.TrimSpace(string(out)))
	}

	b.mu.Lock()
	b.snapshots[sessionID] = append(b.snapshots[sessionID], snap)
	b.mu.Unlock()

	b.logger.Info("snapshot created",
		slog.String("session", sessionID.String()),
		slog.String("name", name),
		slog.String("tag", tag),
	)
	return snap, nil
}

// RestoreSnapshot points subsequent executions for the session at the
// snapshot image.
func (b *DockerBackend) RestoreSnapshot(_ context.Context, snap SnapshotID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for _, s := range b.snapshots[snap.SessionID] {
		if s.Name == snap.Name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snap)
	}

	b.sessionImage[snap.SessionID] = b.snapshotTag(snap)
	b.logger.Info("snapshot restored",
		slog.String("session", snap.SessionID.String()),
		slog.String("name", snap.Name),
	)
	return nil
}

// ListSnapshots returns the snapshots recorded for the session.
func (b *DockerBackend) ListSnapshots(_ context.Context, sessionID uuid.UUID) ([]SnapshotID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := b.snapshots[sessionID]
	out := make([]SnapshotID, len(snaps))
	copy(out, snaps)
	return out, nil
}

// DeleteSnapshot removes a snapshot image and its bookkeeping entry.
func (b *DockerBackend) DeleteSnapshot(ctx context.Context, snap SnapshotID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snaps := b.snapshots[snap.SessionID]
	for i, s := range snaps {
		if s.Name == snap.Name {
			b.snapshots[snap.SessionID] = append(snaps[:i], snaps[i+1:]...)
			b.removeImage(ctx, b.snapshotTag(snap))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snap)
}

// DeleteSessionSnapshots removes every snapshot image for the session.
func (b *DockerBackend) DeleteSessionSnapshots(ctx context.Context, sessionID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.snapshots[sessionID] {
		b.removeImage(ctx, b.snapshotTag(s))
	}
	delete(b.snapshots, sessionID)
	delete(b.sessionImage, sessionID)
	return nil
}

// Capabilities reports the docker backend's feature set.
func (b *DockerBackend) Capabilities() []Capability {
	return []Capability{
		CapPythonExecution,
		CapBashExecution,
		CapSnapshots,
		CapResourceLimits,
		CapNetworkIsolation,
	}
}

// BackendType reports BackendContainer.
func (b *DockerBackend) BackendType() BackendType { return BackendContainer }

// HealthCheck probes the docker daemon.
func (b *DockerBackend) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Run() == nil
}

// Cleanup removes all snapshot images.
func (b *DockerBackend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, snaps := range b.snapshots {
		for _, s := range snaps {
			b.removeImage(ctx, b.snapshotTag(s))
		}
		delete(b.snapshots, sessionID)
	}
	b.sessionImage = make(map[uuid.UUID]string)
	return nil
}

// imageFor returns the execution image for a session: the restored
// snapshot image if one is active, otherwise the configured base image.
func (b *DockerBackend) imageFor(sessionID uuid.UUID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if img, ok := b.sessionImage[sessionID]; ok {
		return img
	}
	return b.config.Image
}

func (b *DockerBackend) snapshotTag(snap SnapshotID) string {
	return fmt.Sprintf("%s:%s-%s", snapshotRepo, snap.SessionID, snap.Name)
}

// removeImage is best-effort; failures are logged, not returned.
func (b *DockerBackend) removeImage(ctx context.Context, tag string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "rmi", "-f", tag).CombinedOutput(); err != nil {
		b.logger.Warn("docker rmi failed",
			slog.String("tag", tag),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
}

// forceRemoveContainer is a safety net for --rm; errors are logged only.
func (b *DockerBackend) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			b.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
			)
		}
	}
}
