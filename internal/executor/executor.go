// Package executor provides isolated execution environments for
// LLM-generated code and commands. All execution flows through the
// ExecutionEnvironment interface, never directly on the host.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackendType identifies a concrete execution backend kind.
type BackendType string

const (
	// BackendContainer executes inside ephemeral hardened containers.
	BackendContainer BackendType = "container"
	// BackendProcess executes as resource-limited local processes.
	BackendProcess BackendType = "process"
)

// Capability is an enumerated backend feature. Callers use capabilities
// to validate that a backend can satisfy a requested operation instead
// of branching on the backend kind.
type Capability string

const (
	CapPythonExecution  Capability = "python_execution"
	CapBashExecution    Capability = "bash_execution"
	CapSnapshots        Capability = "snapshots"
	CapResourceLimits   Capability = "resource_limits"
	CapNetworkIsolation Capability = "network_isolation"
)

// ExecutionContext carries per-call execution constraints. It is derived
// for every call and never persisted.
type ExecutionContext struct {
	// SessionID scopes working directories and snapshots.
	SessionID uuid.UUID

	// Timeout bounds the sandbox call. Zero = backend default.
	Timeout time.Duration

	// WorkingDir overrides the session working directory. Empty = default.
	WorkingDir string

	// Env adds environment variables on top of the sanitized base set.
	Env map[string]string

	// Limits overrides resource limits. Zero values = backend defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains a sandboxed execution.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit.
	MaxMemoryMB   int // Memory limit in MB.
}

// ExecutionResult captures the outcome of a sandboxed execution.
// It is an owned value, never a reference into sandbox memory.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the execution exited cleanly.
func (r *ExecutionResult) Success() bool { return r.ExitCode == 0 }

// SnapshotID uniquely identifies a point-in-time sandbox state snapshot.
type SnapshotID struct {
	Name      string
	SessionID uuid.UUID
}

func (s SnapshotID) String() string {
	return fmt.Sprintf("%s@%s", s.Name, s.SessionID)
}

// ErrSnapshotNotFound is returned when a named snapshot does not exist
// for the session.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ExecutionError is a backend failure that preserves whatever partial
// output was captured before the failure. Partial output is never lost.
type ExecutionError struct {
	Message  string
	ExitCode *int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("execution failed (exit %d): %s", *e.ExitCode, e.Message)
	}
	return "execution failed: " + e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutionEnvironment is the uniform contract over isolated sandbox
// backends. Implementations must be safe to call concurrently for
// different sessions; calls for a single session are serialized by the
// query loop.
type ExecutionEnvironment interface {
	// ExecuteCode runs a Python program and returns its captured output.
	ExecuteCode(ctx context.Context, code string, ec ExecutionContext) (*ExecutionResult, error)

	// ExecuteCommand runs a shell command and returns its captured output.
	ExecuteCommand(ctx context.Context, command string, ec ExecutionContext) (*ExecutionResult, error)

	// Validate statically checks input before spending sandbox resources.
	Validate(input string) ValidationResult

	// CreateSnapshot captures the session's sandbox state under a name.
	CreateSnapshot(ctx context.Context, sessionID uuid.UUID, name string) (SnapshotID, error)

	// RestoreSnapshot rolls the session's sandbox back to a snapshot.
	RestoreSnapshot(ctx context.Context, snap SnapshotID) error

	// ListSnapshots returns all snapshots held for the session.
	ListSnapshots(ctx context.Context, sessionID uuid.UUID) ([]SnapshotID, error)

	// DeleteSnapshot removes a single snapshot.
	DeleteSnapshot(ctx context.Context, snap SnapshotID) error

	// DeleteSessionSnapshots removes every snapshot held for the session.
	DeleteSessionSnapshots(ctx context.Context, sessionID uuid.UUID) error

	// Capabilities reports the backend's feature set.
	Capabilities() []Capability

	// BackendType reports the concrete backend kind.
	BackendType() BackendType

	// HealthCheck probes whether the backend can execute right now.
	HealthCheck(ctx context.Context) bool

	// Cleanup releases backend-held resources.
	Cleanup(ctx context.Context) error
}

// HasCapability reports whether the backend advertises cap.
func HasCapability(env ExecutionEnvironment, cap Capability) bool {
	for _, c := range env.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}
