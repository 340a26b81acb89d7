// Package budget enforces per-query resource ceilings: tokens consumed,
// wall-clock time, and recursion depth. A fresh tracker is created for
// every query so consumption never carries across queries.
package budget

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrRecursionLimit is returned by PushRecursion when the depth
// ceiling has been reached.
var ErrRecursionLimit = errors.New("recursion depth limit reached")

// Status is a point-in-time consumption summary.
type Status struct {
	TokensUsed     int64
	TokenBudget    int64
	ElapsedMs      int64
	TimeBudgetMs   int64
	RecursionDepth int32
	MaxDepth       int32

	TokensExhausted bool
	TimeExhausted   bool
	DepthExhausted  bool
}

// Exhausted reports whether any ceiling has been hit.
func (s Status) Exhausted() bool {
	return s.TokensExhausted || s.TimeExhausted || s.DepthExhausted
}

// TokensRemaining returns the unconsumed token allowance, never negative.
func (s Status) TokensRemaining() int64 {
	if r := s.TokenBudget - s.TokensUsed; r > 0 {
		return r
	}
	return 0
}

// Tracker accumulates consumption against fixed ceilings. All methods
// are safe for concurrent use; counters only grow (except recursion
// depth, which is push/pop balanced).
type Tracker struct {
	tokenBudget  int64
	timeBudgetMs int64
	maxDepth     int32
	start        time.Time

	tokensUsed atomic.Int64
	depth      atomic.Int32
}

// NewTracker creates a tracker with the given ceilings. The time budget
// clock starts immediately.
func NewTracker(tokenBudget, timeBudgetMs int64, maxDepth int32) *Tracker {
	return &Tracker{
		tokenBudget:  tokenBudget,
		timeBudgetMs: timeBudgetMs,
		maxDepth:     maxDepth,
		start:        time.Now(),
	}
}

// ConsumeTokens records n tokens against the budget. Consumption is
// recorded even when it crosses the ceiling; the overshoot shows up in
// Status as TokensExhausted.
func (t *Tracker) ConsumeTokens(n int64) {
	if n > 0 {
		t.tokensUsed.Add(n)
	}
}

// PushRecursion enters one level of LLM-to-LLM recursion. It fails when
// the depth ceiling has been reached, leaving the depth unchanged.
func (t *Tracker) PushRecursion() error {
	for {
		d := t.depth.Load()
		if d >= t.maxDepth {
			return ErrRecursionLimit
		}
		if t.depth.CompareAndSwap(d, d+1) {
			return nil
		}
	}
}

// PopRecursion leaves one level of recursion.
func (t *Tracker) PopRecursion() {
	for {
		d := t.depth.Load()
		if d <= 0 {
			return
		}
		if t.depth.CompareAndSwap(d, d-1) {
			return
		}
	}
}

// Status returns the current consumption snapshot.
func (t *Tracker) Status() Status {
	used := t.tokensUsed.Load()
	elapsed := time.Since(t.start).Milliseconds()
	depth := t.depth.Load()
	return Status{
		TokensUsed:      used,
		TokenBudget:     t.tokenBudget,
		ElapsedMs:       elapsed,
		TimeBudgetMs:    t.timeBudgetMs,
		RecursionDepth:  depth,
		MaxDepth:        t.maxDepth,
		TokensExhausted: used >= t.tokenBudget,
		TimeExhausted:   elapsed >= t.timeBudgetMs,
		DepthExhausted:  depth >= t.maxDepth,
	}
}

// Elapsed returns the wall-clock time since the tracker was created.
func (t *Tracker) Elapsed() time.Duration { return time.Since(t.start) }
