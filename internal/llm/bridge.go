package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/terraphim/terraphim-rlm/internal/budget"
	"github.com/terraphim/terraphim-rlm/internal/session"
)

// Bridge meters LLM calls against a session and a budget: it validates
// the session, bounds the call with the configured timeout, forwards
// the conversation to the provider, and records token consumption.
type Bridge struct {
	provider Provider
	sessions *session.Manager
	timeout  time.Duration
	logger   *slog.Logger
}

// BridgeResponse is a metered LLM reply.
type BridgeResponse struct {
	Text            string
	TokensUsed      int64
	Elapsed         time.Duration
	RemainingTokens int64
}

// NewBridge creates a bridge over the given provider. timeout bounds
// every individual model call.
func NewBridge(provider Provider, sessions *session.Manager, timeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		provider: provider,
		sessions: sessions,
		timeout:  timeout,
		logger:   logger,
	}
}

// Ask sends the conversation to the provider on behalf of a session and
// charges the tokens consumed to the tracker. When the provider reports
// no usage, consumption is estimated from the text lengths.
func (b *Bridge) Ask(ctx context.Context, sessionID uuid.UUID, req *Request, tracker *budget.Tracker) (*BridgeResponse, error) {
	if err := b.sessions.Validate(sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	resp, err := b.provider.SendMessage(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("llm call failed: %w", err)
	}

	tokens := int64(resp.Usage.TotalTokens())
	if tokens == 0 {
		tokens = int64(b.estimateRequestTokens(req) + EstimateTokens(resp.Content))
	}
	tracker.ConsumeTokens(tokens)

	st := tracker.Status()
	b.logger.Debug("llm round-trip metered",
		slog.String("session", sessionID.String()),
		slog.String("provider", b.provider.Name()),
		slog.Int64("tokens", tokens),
		slog.Int64("tokens_remaining", st.TokensRemaining()),
		slog.Duration("elapsed", elapsed),
	)

	return &BridgeResponse{
		Text:            resp.Content,
		TokensUsed:      tokens,
		Elapsed:         elapsed,
		RemainingTokens: st.TokensRemaining(),
	}, nil
}

func (b *Bridge) estimateRequestTokens(req *Request) int {
	n := EstimateTokens(req.SystemPrompt)
	for _, m := range req.Messages {
		n += EstimateTokens(m.Content)
	}
	return n
}
