package session

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestManager() *Manager {
	return NewManager(time.Hour, 30*time.Minute, 3, nil)
}

func TestCreateAndActivate(t *testing.T) {
	m := newTestManager()
	info := m.Create()

	if info.State != StateInitializing {
		t.Errorf("new session state = %q, want %q", info.State, StateInitializing)
	}
	if info.ExpiresAt.Sub(info.CreatedAt) != time.Hour {
		t.Errorf("expiry window = %s, want 1h", info.ExpiresAt.Sub(info.CreatedAt))
	}

	if err := m.Activate(info.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	got, err := m.Get(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateActive {
		t.Errorf("state after activate = %q, want %q", got.State, StateActive)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	m := newTestManager()
	err := m.Validate(uuid.New())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	m := NewManager(-time.Second, time.Minute, 3, nil)
	info := m.Create()

	err := m.Validate(info.ID)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	// Expiry transition is recorded.
	got, err := m.Get(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateExpired {
		t.Errorf("state = %q, want %q", got.State, StateExpired)
	}
}

func TestExtendSession(t *testing.T) {
	m := newTestManager()
	info := m.Create()

	for i := 1; i <= 3; i++ {
		ext, err := m.Extend(info.ID)
		if err != nil {
			t.Fatalf("extension %d: %v", i, err)
		}
		if ext.ExtensionCount != i {
			t.Errorf("extension count = %d, want %d", ext.ExtensionCount, i)
		}
	}

	if _, err := m.Extend(info.ID); !errors.Is(err, ErrExtensionLimit) {
		t.Errorf("fourth extension should fail with ErrExtensionLimit, got %v", err)
	}

	got, _ := m.Get(info.ID)
	want := info.ExpiresAt.Add(3 * 30 * time.Minute)
	if !got.ExpiresAt.Equal(want) {
		t.Errorf("expiry = %s, want %s", got.ExpiresAt, want)
	}
}

func TestContextVariables(t *testing.T) {
	m := newTestManager()
	info := m.Create()

	if err := m.SetContextVariable(info.ID, "answer", "42"); err != nil {
		t.Fatal(err)
	}
	v, err := m.GetContextVariable(info.ID, "answer")
	if err != nil {
		t.Fatal(err)
	}
	if v != "42" {
		t.Errorf("value = %q, want %q", v, "42")
	}

	if _, err := m.GetContextVariable(info.ID, "missing"); !errors.Is(err, ErrVariableNotFound) {
		t.Errorf("expected ErrVariableNotFound, got %v", err)
	}

	all, err := m.AllContextVariables(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all["answer"] != "42" {
		t.Errorf("AllContextVariables = %v", all)
	}

	// The returned map is a copy.
	all["answer"] = "tampered"
	v, _ = m.GetContextVariable(info.ID, "answer")
	if v != "42" {
		t.Error("returned map aliases internal state")
	}
}

func TestSnapshotBookkeeping(t *testing.T) {
	m := newTestManager()
	info := m.Create()

	if err := m.RecordSnapshotCreated(info.ID, "base"); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordSnapshotCreated(info.ID, "after-setup"); err != nil {
		t.Fatal(err)
	}

	n, err := m.SnapshotCount(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("snapshot count = %d, want 2", n)
	}

	if err := m.RecordSnapshotRestored(info.ID, "base"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(info.ID)
	if got.CurrentSnapshot != "base" {
		t.Errorf("current snapshot = %q, want %q", got.CurrentSnapshot, "base")
	}

	if err := m.ClearSnapshots(info.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get(info.ID)
	if got.SnapshotCount != 0 || got.CurrentSnapshot != "" {
		t.Errorf("snapshots not cleared: %+v", got)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := newTestManager()
	info := m.Create()

	m.Destroy(info.ID)
	if _, err := m.Get(info.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("destroyed session should be gone, got %v", err)
	}

	// Second destroy is a no-op, not a panic or error.
	m.Destroy(info.ID)
	m.Destroy(uuid.New())
}

func TestCleanupExpired(t *testing.T) {
	m := NewManager(-time.Second, time.Minute, 3, nil)
	expired1 := m.Create()
	expired2 := m.Create()

	reaped := m.CleanupExpired()
	if len(reaped) != 2 {
		t.Fatalf("reaped %d sessions, want 2", len(reaped))
	}
	for _, id := range []uuid.UUID{expired1.ID, expired2.ID} {
		if _, err := m.Get(id); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("session %s should be reaped", id)
		}
	}
	if m.Stats().Total != 0 {
		t.Errorf("total = %d, want 0", m.Stats().Total)
	}
}

func TestStats(t *testing.T) {
	m := newTestManager()
	a := m.Create()
	_ = m.Create()
	if err := m.Activate(a.ID); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if st.Total != 2 || st.Active != 1 || st.Initializing != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestList(t *testing.T) {
	m := newTestManager()
	m.Create()
	m.Create()
	m.Create()

	if got := len(m.List()); got != 3 {
		t.Errorf("List returned %d sessions, want 3", got)
	}
}
