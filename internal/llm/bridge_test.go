package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/terraphim/terraphim-rlm/internal/budget"
	"github.com/terraphim/terraphim-rlm/internal/session"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*Response
	errs      []error
	calls     int
	lastReq   *Request
}

func (p *scriptedProvider) SendMessage(_ context.Context, req *Request) (*Response, error) {
	i := p.calls
	p.calls++
	p.lastReq = req
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return &Response{Content: "default", StopReason: "end_turn"}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func newBridgeFixture(t *testing.T, p Provider) (*Bridge, uuid.UUID) {
	t.Helper()
	sessions := session.NewManager(time.Hour, time.Minute, 3, nil)
	info := sessions.Create()
	if err := sessions.Activate(info.ID); err != nil {
		t.Fatal(err)
	}
	return NewBridge(p, sessions, 5*time.Second, nil), info.ID
}

func TestBridgeRecordsReportedUsage(t *testing.T) {
	p := &scriptedProvider{responses: []*Response{
		{Content: "hi", Usage: Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	bridge, id := newBridgeFixture(t, p)
	tracker := budget.NewTracker(1000, 60_000, 5)

	resp, err := bridge.Ask(context.Background(), id, &Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	}, tracker)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.TokensUsed != 15 {
		t.Errorf("TokensUsed = %d, want 15", resp.TokensUsed)
	}
	if got := tracker.Status().TokensUsed; got != 15 {
		t.Errorf("tracker recorded %d tokens, want 15", got)
	}
	if resp.RemainingTokens != 985 {
		t.Errorf("RemainingTokens = %d, want 985", resp.RemainingTokens)
	}
}

func TestBridgeEstimatesWhenUsageMissing(t *testing.T) {
	p := &scriptedProvider{responses: []*Response{
		{Content: strings.Repeat("x", 40)}, // no usage reported
	}}
	bridge, id := newBridgeFixture(t, p)
	tracker := budget.NewTracker(1000, 60_000, 5)

	prompt := strings.Repeat("p", 40)
	resp, err := bridge.Ask(context.Background(), id, &Request{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	}, tracker)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	// 40 chars prompt + 40 chars reply at ~4 chars/token = 20 tokens.
	if resp.TokensUsed != 20 {
		t.Errorf("TokensUsed = %d, want 20", resp.TokensUsed)
	}
}

func TestBridgeRejectsUnknownSession(t *testing.T) {
	bridge, _ := newBridgeFixture(t, &scriptedProvider{})
	tracker := budget.NewTracker(1000, 60_000, 5)

	_, err := bridge.Ask(context.Background(), uuid.New(), &Request{}, tracker)
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBridgePropagatesProviderError(t *testing.T) {
	boom := errors.New("upstream down")
	p := &scriptedProvider{errs: []error{boom}}
	bridge, id := newBridgeFixture(t, p)
	tracker := budget.NewTracker(1000, 60_000, 5)

	_, err := bridge.Ask(context.Background(), id, &Request{}, tracker)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped provider error, got %v", err)
	}
	if got := tracker.Status().TokensUsed; got != 0 {
		t.Errorf("failed call should not consume tokens, recorded %d", got)
	}
}

func TestFallbackProviderTriesInOrder(t *testing.T) {
	primary := &scriptedProvider{errs: []error{errors.New("down")}}
	secondary := &scriptedProvider{responses: []*Response{{Content: "from secondary"}}}

	fp := NewFallbackProvider([]Provider{primary, secondary}, nil)
	resp, err := fp.SendMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = (%d, %d), want (1, 1)", primary.calls, secondary.calls)
	}
}

func TestFallbackProviderAllFail(t *testing.T) {
	last := errors.New("also down")
	fp := NewFallbackProvider([]Provider{
		&scriptedProvider{errs: []error{errors.New("down")}},
		&scriptedProvider{errs: []error{last}},
	}, nil)

	_, err := fp.SendMessage(context.Background(), &Request{})
	if !errors.Is(err, last) {
		t.Errorf("expected last error wrapped, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 100), 25},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}
