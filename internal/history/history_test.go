package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListBySession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessionID := uuid.NewString()

	run := &QueryRun{
		SessionID:         sessionID,
		Prompt:            "compute 6*7",
		Result:            "42",
		TerminationReason: "final_reached",
		Success:           true,
		Iterations:        2,
		TokensUsed:        120,
		ElapsedMs:         850,
		Commands: []CommandRecord{
			{Iteration: 1, Kind: "code", Input: "print(6*7)", Output: "42\n", ExitCode: 0},
		},
	}
	if err := s.Record(ctx, run); err != nil {
		t.Fatalf("Record: %v", err)
	}

	runs, err := s.BySession(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.Result != "42" || !got.Success {
		t.Errorf("run = %+v", got)
	}
	if len(got.Commands) != 1 || got.Commands[0].Input != "print(6*7)" {
		t.Errorf("commands = %+v", got.Commands)
	}
}

func TestBySessionScoping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, b := uuid.NewString(), uuid.NewString()

	for _, sid := range []string{a, a, b} {
		if err := s.Record(ctx, &QueryRun{SessionID: sid, Prompt: "p"}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.BySession(ctx, a, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("session a has %d runs, want 2", len(runs))
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &QueryRun{
		SessionID: uuid.NewString(),
		Prompt:    "stale",
		CreatedAt: time.Now().Add(-48 * time.Hour),
		Commands:  []CommandRecord{{Kind: "run", Input: "ls"}},
	}
	fresh := &QueryRun{SessionID: uuid.NewString(), Prompt: "fresh"}
	if err := s.Record(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d runs, want 1", n)
	}

	runs, err := s.BySession(ctx, fresh.SessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("fresh run should survive purge")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, nil); err == nil {
		t.Error("expected error for unknown driver")
	}
}
