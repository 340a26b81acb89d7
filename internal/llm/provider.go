// Package llm defines the provider-agnostic interface for model
// interactions and the bridge that meters them against a budget.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption for budget accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns the combined input and output token count.
func (u Usage) TotalTokens() int { return u.InputTokens + u.OutputTokens }

// EstimateTokens approximates the token count of text when a provider
// reports no usage. Roughly four characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
