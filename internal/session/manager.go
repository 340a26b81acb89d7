// Package session tracks sandbox session lifecycle: creation, expiry,
// extension, context variables, and snapshot bookkeeping. The manager
// holds metadata only; sandbox state itself lives in the execution
// backend.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for unknown or destroyed sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session's expiry has passed.
	ErrSessionExpired = errors.New("session expired")
	// ErrExtensionLimit is returned when a session has used all of its
	// allowed extensions.
	ErrExtensionLimit = errors.New("session extension limit reached")
	// ErrVariableNotFound is returned for unknown context variables.
	ErrVariableNotFound = errors.New("context variable not found")
)

// State is a session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateExpired      State = "expired"
	StateTerminated   State = "terminated"
)

// Info is an owned snapshot of a session's metadata. Mutating it does
// not affect the manager's copy.
type Info struct {
	ID              uuid.UUID
	State           State
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ExtensionCount  int
	SnapshotCount   int
	CurrentSnapshot string
	ContextVars     map[string]string
}

// session is the manager-internal mutable record.
type session struct {
	id              uuid.UUID
	state           State
	createdAt       time.Time
	expiresAt       time.Time
	extensionCount  int
	snapshots       []string
	currentSnapshot string
	contextVars     map[string]string
}

func (s *session) info() Info {
	vars := make(map[string]string, len(s.contextVars))
	for k, v := range s.contextVars {
		vars[k] = v
	}
	return Info{
		ID:              s.id,
		State:           s.state,
		CreatedAt:       s.createdAt,
		ExpiresAt:       s.expiresAt,
		ExtensionCount:  s.extensionCount,
		SnapshotCount:   len(s.snapshots),
		CurrentSnapshot: s.currentSnapshot,
		ContextVars:     vars,
	}
}

// Stats summarizes the manager's population.
type Stats struct {
	Total        int
	Active       int
	Initializing int
	Expired      int
	Terminated   int
}

// Manager owns all session records. Safe for concurrent use.
type Manager struct {
	duration      time.Duration
	extensionIncr time.Duration
	maxExtensions int
	logger        *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

// NewManager creates a session manager. Sessions live for duration and
// can be extended by extensionIncr up to maxExtensions times.
func NewManager(duration, extensionIncr time.Duration, maxExtensions int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		duration:      duration,
		extensionIncr: extensionIncr,
		maxExtensions: maxExtensions,
		logger:        logger,
		sessions:      make(map[uuid.UUID]*session),
	}
}

// Create registers a new session in the Initializing state.
func (m *Manager) Create() Info {
	now := time.Now()
	s := &session{
		id:          uuid.New(),
		state:       StateInitializing,
		createdAt:   now,
		expiresAt:   now.Add(m.duration),
		contextVars: make(map[string]string),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("session created",
		slog.String("session", s.id.String()),
		slog.Time("expires_at", s.expiresAt),
	)
	return s.info()
}

// Activate transitions an initializing session to Active. Called once
// the backend is ready to serve it.
func (m *Manager) Activate(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.state == StateInitializing {
		s.state = StateActive
	}
	return nil
}

// Get returns the session's metadata.
func (m *Manager) Get(id uuid.UUID) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.info(), nil
}

// Validate guards operations on a session: unknown sessions fail with
// ErrSessionNotFound, past-expiry sessions transition to Expired and
// fail with ErrSessionExpired.
func (m *Manager) Validate(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.state == StateTerminated || s.state == StateExpired {
		return fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	if time.Now().After(s.expiresAt) {
		s.state = StateExpired
		return fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	return nil
}

// Extend pushes the session's expiry out by the configured increment.
// Fails once the extension limit is reached.
func (m *Manager) Extend(id uuid.UUID) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.extensionCount >= m.maxExtensions {
		return Info{}, fmt.Errorf("%w: %s (%d/%d used)", ErrExtensionLimit, id, s.extensionCount, m.maxExtensions)
	}

	s.expiresAt = s.expiresAt.Add(m.extensionIncr)
	s.extensionCount++

	m.logger.Info("session extended",
		slog.String("session", id.String()),
		slog.Int("extensions", s.extensionCount),
		slog.Time("expires_at", s.expiresAt),
	)
	return s.info(), nil
}

// SetContextVariable stores a named value in the session context.
func (m *Manager) SetContextVariable(id uuid.UUID, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.contextVars[name] = value
	return nil
}

// GetContextVariable looks up a named value from the session context.
func (m *Manager) GetContextVariable(id uuid.UUID, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	v, ok := s.contextVars[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrVariableNotFound, name)
	}
	return v, nil
}

// AllContextVariables returns a copy of the session's variables.
func (m *Manager) AllContextVariables(id uuid.UUID) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	vars := make(map[string]string, len(s.contextVars))
	for k, v := range s.contextVars {
		vars[k] = v
	}
	return vars, nil
}

// RecordSnapshotCreated registers a snapshot name against the session.
func (m *Manager) RecordSnapshotCreated(id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.snapshots = append(s.snapshots, name)
	s.currentSnapshot = name
	return nil
}

// RecordSnapshotRestored marks which snapshot the session currently
// reflects.
func (m *Manager) RecordSnapshotRestored(id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.currentSnapshot = name
	return nil
}

// SnapshotCount returns how many snapshots the session holds.
func (m *Manager) SnapshotCount(id uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return len(s.snapshots), nil
}

// ClearSnapshots drops the session's snapshot bookkeeping.
func (m *Manager) ClearSnapshots(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.snapshots = nil
	s.currentSnapshot = ""
	return nil
}

// Destroy removes the session record. Destroying an unknown session is
// a no-op.
func (m *Manager) Destroy(id uuid.UUID) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if existed {
		m.logger.Info("session destroyed", slog.String("session", id.String()))
	}
}

// CleanupExpired transitions past-expiry sessions to Expired and
// removes them, returning the ids that were reaped.
func (m *Manager) CleanupExpired() []uuid.UUID {
	now := time.Now()

	m.mu.Lock()
	var reaped []uuid.UUID
	for id, s := range m.sessions {
		if s.state == StateExpired || now.After(s.expiresAt) {
			delete(m.sessions, id)
			reaped = append(reaped, id)
		}
	}
	m.mu.Unlock()

	if len(reaped) > 0 {
		m.logger.Info("expired sessions reaped", slog.Int("count", len(reaped)))
	}
	return reaped
}

// List returns metadata for every live session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

// Stats returns population counts by state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Total: len(m.sessions)}
	for _, s := range m.sessions {
		switch s.state {
		case StateActive:
			st.Active++
		case StateInitializing:
			st.Initializing++
		case StateExpired:
			st.Expired++
		case StateTerminated:
			st.Terminated++
		}
	}
	return st
}
