package rlm

import (
	"time"

	"github.com/terraphim/terraphim-rlm/internal/parser"
)

// TerminationReason explains why a query loop ended. Budget exhaustion
// is a reason, never an error: callers always get a result.
type TerminationReason string

const (
	FinalReached           TerminationReason = "final_reached"
	TokenBudgetExhausted   TerminationReason = "token_budget_exhausted"
	TimeBudgetExhausted    TerminationReason = "time_budget_exhausted"
	RecursionLimitExceeded TerminationReason = "recursion_limit_exceeded"
	IterationsExhausted    TerminationReason = "iterations_exhausted"
	Cancelled              TerminationReason = "cancelled"
	ParseError             TerminationReason = "parse_error"
)

// CommandOutcome records one command the loop dispatched.
type CommandOutcome struct {
	Iteration int
	Kind      parser.Kind
	Input     string
	Output    string
	ExitCode  int
}

// QueryResult is the outcome of a full query loop run.
type QueryResult struct {
	Result     string
	Success    bool
	Reason     TerminationReason
	Iterations int
	TokensUsed int64
	Elapsed    time.Duration
	History    []CommandOutcome
}
