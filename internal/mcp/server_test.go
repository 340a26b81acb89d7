package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/terraphim-rlm/internal/config"
	"github.com/terraphim/terraphim-rlm/internal/executor"
	"github.com/terraphim/terraphim-rlm/internal/llm"
	"github.com/terraphim/terraphim-rlm/internal/rlm"
)

// stubBackend echoes executions and keeps snapshots in memory.
type stubBackend struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID][]executor.SnapshotID
}

func newStubBackend() *stubBackend {
	return &stubBackend{snapshots: make(map[uuid.UUID][]executor.SnapshotID)}
}

func (b *stubBackend) ExecuteCode(_ context.Context, code string, _ executor.ExecutionContext) (*executor.ExecutionResult, error) {
	return &executor.ExecutionResult{Stdout: "Executed: " + code, ExitCode: 0}, nil
}

func (b *stubBackend) ExecuteCommand(_ context.Context, command string, _ executor.ExecutionContext) (*executor.ExecutionResult, error) {
	return &executor.ExecutionResult{Stdout: "Executed: " + command, ExitCode: 0}, nil
}

func (b *stubBackend) Validate(input string) executor.ValidationResult {
	return executor.NewValidator(executor.StrictnessNormal).Validate(input)
}

func (b *stubBackend) CreateSnapshot(_ context.Context, sessionID uuid.UUID, name string) (executor.SnapshotID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := executor.SnapshotID{Name: name, SessionID: sessionID}
	b.snapshots[sessionID] = append(b.snapshots[sessionID], snap)
	return snap, nil
}

func (b *stubBackend) RestoreSnapshot(_ context.Context, snap executor.SnapshotID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.snapshots[snap.SessionID] {
		if s.Name == snap.Name {
			return nil
		}
	}
	return executor.ErrSnapshotNotFound
}

func (b *stubBackend) ListSnapshots(_ context.Context, sessionID uuid.UUID) ([]executor.SnapshotID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]executor.SnapshotID(nil), b.snapshots[sessionID]...), nil
}

func (b *stubBackend) DeleteSnapshot(_ context.Context, snap executor.SnapshotID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := b.snapshots[snap.SessionID]
	for i, s := range snaps {
		if s.Name == snap.Name {
			b.snapshots[snap.SessionID] = append(snaps[:i], snaps[i+1:]...)
			return nil
		}
	}
	return executor.ErrSnapshotNotFound
}

func (b *stubBackend) DeleteSessionSnapshots(_ context.Context, sessionID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, sessionID)
	return nil
}

func (b *stubBackend) Capabilities() []executor.Capability {
	return []executor.Capability{executor.CapPythonExecution, executor.CapBashExecution, executor.CapSnapshots}
}

func (b *stubBackend) BackendType() executor.BackendType { return executor.BackendProcess }
func (b *stubBackend) HealthCheck(context.Context) bool  { return true }
func (b *stubBackend) Cleanup(context.Context) error     { return nil }

// cannedProvider replays model responses in order.
type cannedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *cannedProvider) SendMessage(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return &llm.Response{Content: "FINAL(out of script)"}, nil
	}
	content := p.responses[p.calls]
	p.calls++
	return &llm.Response{
		Content: content,
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (p *cannedProvider) Name() string { return "canned" }

func newTestServer(t *testing.T, responses ...string) (*Server, uuid.UUID) {
	t.Helper()
	cfg := config.Default()
	cfg.BackendPreference = []string{config.BackendProcess}
	cfg.MaxIterations = 10

	r, err := rlm.NewWithExecutor(cfg, &cannedProvider{responses: responses}, newStubBackend(), nil)
	if err != nil {
		t.Fatalf("NewWithExecutor: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })

	info, err := r.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return NewServer(r, nil), info.ID
}

func callReq(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := mcplib.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is not text: %T", res.Content[0])
	}
	return tc.Text
}

func decodeJSON(t *testing.T, res *mcplib.CallToolResult, v any) {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), v); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
}

func TestHandleCreateSession(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleCreateSession(context.Background(), callReq(toolCreateSession, nil))
	if err != nil {
		t.Fatalf("handleCreateSession: %v", err)
	}

	var payload map[string]any
	decodeJSON(t, res, &payload)
	if _, err := uuid.Parse(payload["session_id"].(string)); err != nil {
		t.Errorf("session_id = %v, want a uuid", payload["session_id"])
	}
	if payload["state"] != "active" {
		t.Errorf("state = %v, want active", payload["state"])
	}
}

func TestHandleQueryDelegatesToLoop(t *testing.T) {
	s, id := newTestServer(t, "FINAL(42)")

	res, err := s.handleQuery(context.Background(), callReq(toolQuery, map[string]any{
		"session_id": id.String(),
		"prompt":     "what is 6*7?",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}

	var payload map[string]any
	decodeJSON(t, res, &payload)
	if payload["termination_reason"] != string(rlm.FinalReached) {
		t.Errorf("termination_reason = %v, want %s", payload["termination_reason"], rlm.FinalReached)
	}
	if payload["result"] != "42" || payload["success"] != true {
		t.Errorf("payload = %v", payload)
	}
	if payload["iterations"].(float64) != 1 {
		t.Errorf("iterations = %v, want 1", payload["iterations"])
	}
}

func TestHandleQueryInvalidSessionID(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleQuery(context.Background(), callReq(toolQuery, map[string]any{
		"session_id": "not-a-uuid",
		"prompt":     "hi",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for invalid session_id")
	}
	if !strings.Contains(resultText(t, res), "not-a-uuid") {
		t.Errorf("error text = %q, want it to name the bad id", resultText(t, res))
	}
}

func TestHandleQueryUnknownSession(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleQuery(context.Background(), callReq(toolQuery, map[string]any{
		"session_id": uuid.New().String(),
		"prompt":     "hi",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for unknown session")
	}
}

func TestHandleExecuteCode(t *testing.T) {
	s, id := newTestServer(t)

	res, err := s.handleExecuteCode(context.Background(), callReq(toolExecuteCode, map[string]any{
		"session_id": id.String(),
		"code":       "print(1)",
	}))
	if err != nil {
		t.Fatalf("handleExecuteCode: %v", err)
	}

	var payload map[string]any
	decodeJSON(t, res, &payload)
	if payload["stdout"] != "Executed: print(1)" {
		t.Errorf("stdout = %v", payload["stdout"])
	}
	if payload["exit_code"].(float64) != 0 {
		t.Errorf("exit_code = %v, want 0", payload["exit_code"])
	}
}

func TestHandleExecuteCodeMissingArgument(t *testing.T) {
	s, id := newTestServer(t)

	res, err := s.handleExecuteCode(context.Background(), callReq(toolExecuteCode, map[string]any{
		"session_id": id.String(),
	}))
	if err != nil {
		t.Fatalf("handleExecuteCode: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for missing code argument")
	}
}

func TestHandleSetVariableThenFinalVar(t *testing.T) {
	s, id := newTestServer(t, "FINAL_VAR(answer)")

	res, err := s.handleSetVariable(context.Background(), callReq(toolSetVariable, map[string]any{
		"session_id": id.String(),
		"name":       "answer",
		"value":      "forty-two",
	}))
	if err != nil {
		t.Fatalf("handleSetVariable: %v", err)
	}
	if res.IsError {
		t.Fatalf("set_variable failed: %s", resultText(t, res))
	}

	qres, err := s.handleQuery(context.Background(), callReq(toolQuery, map[string]any{
		"session_id": id.String(),
		"prompt":     "answer from the variable",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	var payload map[string]any
	decodeJSON(t, qres, &payload)
	if payload["result"] != "forty-two" {
		t.Errorf("result = %v, want forty-two", payload["result"])
	}
}

func TestHandleSnapshotAndRollback(t *testing.T) {
	s, id := newTestServer(t)

	res, err := s.handleSnapshot(context.Background(), callReq(toolSnapshot, map[string]any{
		"session_id": id.String(),
		"name":       "base",
	}))
	if err != nil {
		t.Fatalf("handleSnapshot: %v", err)
	}
	if res.IsError {
		t.Fatalf("snapshot failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "base@"+id.String()) {
		t.Errorf("snapshot text = %q, want the snapshot id", resultText(t, res))
	}

	rres, err := s.handleRollback(context.Background(), callReq(toolRollback, map[string]any{
		"session_id": id.String(),
		"name":       "base",
	}))
	if err != nil {
		t.Fatalf("handleRollback: %v", err)
	}
	if rres.IsError {
		t.Fatalf("rollback failed: %s", resultText(t, rres))
	}
}

func TestHandleRollbackUnknownSnapshot(t *testing.T) {
	s, id := newTestServer(t)

	res, err := s.handleRollback(context.Background(), callReq(toolRollback, map[string]any{
		"session_id": id.String(),
		"name":       "never-created",
	}))
	if err != nil {
		t.Fatalf("handleRollback: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for unknown snapshot")
	}
}

func TestHandleListSessions(t *testing.T) {
	s, id := newTestServer(t)

	res, err := s.handleListSessions(context.Background(), callReq(toolListSessions, nil))
	if err != nil {
		t.Fatalf("handleListSessions: %v", err)
	}

	var payload []map[string]any
	decodeJSON(t, res, &payload)
	if len(payload) != 1 {
		t.Fatalf("sessions = %d, want 1", len(payload))
	}
	if payload[0]["session_id"] != id.String() {
		t.Errorf("session_id = %v, want %s", payload[0]["session_id"], id)
	}
}

func TestHandleDestroySession(t *testing.T) {
	s, id := newTestServer(t)

	res, err := s.handleDestroySession(context.Background(), callReq(toolDestroySession, map[string]any{
		"session_id": id.String(),
	}))
	if err != nil {
		t.Fatalf("handleDestroySession: %v", err)
	}
	if res.IsError {
		t.Fatalf("destroy failed: %s", resultText(t, res))
	}
	if got := len(s.rlm.ListSessions()); got != 0 {
		t.Errorf("sessions after destroy = %d, want 0", got)
	}
}

func TestHandleCancelQueryIsNoopWithoutQuery(t *testing.T) {
	s, id := newTestServer(t)

	res, err := s.handleCancelQuery(context.Background(), callReq(toolCancelQuery, map[string]any{
		"session_id": id.String(),
	}))
	if err != nil {
		t.Fatalf("handleCancelQuery: %v", err)
	}
	if res.IsError {
		t.Fatalf("cancel failed: %s", resultText(t, res))
	}
}
