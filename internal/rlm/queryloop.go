package rlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/terraphim/terraphim-rlm/internal/budget"
	"github.com/terraphim/terraphim-rlm/internal/config"
	"github.com/terraphim/terraphim-rlm/internal/executor"
	"github.com/terraphim/terraphim-rlm/internal/llm"
	"github.com/terraphim/terraphim-rlm/internal/observability"
	"github.com/terraphim/terraphim-rlm/internal/parser"
	"github.com/terraphim/terraphim-rlm/internal/session"
)

// systemPrompt teaches the model the command grammar. Exactly one
// command per response.
const systemPrompt = `You are operating a sandboxed execution environment.
Respond with exactly ONE command per message:

  CODE(<python code>)      execute Python in the sandbox
  RUN(<shell command>)     execute a shell command in the sandbox
  SNAPSHOT(<name>)         save the sandbox state under a name
  ROLLBACK(<name>)         restore the sandbox state from a snapshot
  QUERY_LLM(<prompt>)      ask a nested question to the model
  QUERY_LLM_BATCHED(["<p1>", "<p2>", ...])
                           ask several nested questions in sequence
  FINAL(<answer>)          finish with the given answer
  FINAL_VAR(<variable>)    finish with the value of a session variable

Execution output will be returned to you as the next message. When you
have the answer, respond with FINAL(...) and nothing else.`

const correctiveMessage = `Your previous response contained no recognizable command.
Reply with exactly one command: CODE(...), RUN(...), SNAPSHOT(...), ROLLBACK(...), QUERY_LLM(...), QUERY_LLM_BATCHED([...]), FINAL(...) or FINAL_VAR(...).`

// queryLoop drives one conversation: model round-trip, parse, dispatch,
// feed the observation back. Strictly sequential; cancellation and
// budgets are checked at the top of every iteration.
type queryLoop struct {
	cfg      *config.Config
	bridge   *llm.Bridge
	exec     executor.ExecutionEnvironment
	sessions *session.Manager
	parser   *parser.Parser
	obs      *observability.Observability
	tracer   trace.Tracer
	logger   *slog.Logger
}

// run executes the loop for one prompt. The returned error is reserved
// for infrastructure failures (invalid session, provider down); every
// budget or protocol outcome is a QueryResult with a reason.
func (l *queryLoop) run(ctx context.Context, sessionID uuid.UUID, prompt string, tracker *budget.Tracker, cancel <-chan struct{}, depth int) (*QueryResult, error) {
	ctx, span := l.tracer.Start(ctx, "rlm.query_loop", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.Int("recursion.depth", depth),
	))
	defer span.End()

	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	var history []CommandOutcome

	finish := func(result string, success bool, reason TerminationReason, iterations int) *QueryResult {
		st := tracker.Status()
		span.SetAttributes(
			attribute.String("termination.reason", string(reason)),
			attribute.Int("iterations", iterations),
			attribute.Int64("tokens.used", st.TokensUsed),
		)
		return &QueryResult{
			Result:     result,
			Success:    success,
			Reason:     reason,
			Iterations: iterations,
			TokensUsed: st.TokensUsed,
			Elapsed:    tracker.Elapsed(),
			History:    history,
		}
	}

	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		select {
		case <-cancel:
			return finish("", false, Cancelled, iter-1), nil
		case <-ctx.Done():
			return finish("", false, Cancelled, iter-1), nil
		default:
		}

		st := tracker.Status()
		if st.TokensExhausted {
			return finish("", false, TokenBudgetExhausted, iter-1), nil
		}
		if st.TimeExhausted {
			return finish("", false, TimeBudgetExhausted, iter-1), nil
		}

		resp, err := l.bridge.Ask(ctx, sessionID, &llm.Request{
			SystemPrompt: systemPrompt,
			Messages:     messages,
		}, tracker)
		if err != nil {
			l.countLLM("error")
			return nil, err
		}
		l.countLLM("success")
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})

		cmd, perr := l.parser.Parse(resp.Text)
		if perr != nil {
			if l.cfg.StrictParsing {
				return finish(perr.Error(), false, ParseError, iter), nil
			}
			// Corrective retry consumes the iteration but never touches
			// the sandbox.
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: correctiveMessage})
			continue
		}

		l.logger.Debug("command parsed",
			slog.String("session", sessionID.String()),
			slog.Int("iteration", iter),
			slog.String("command", cmd.String()),
		)

		switch cmd.Kind {
		case parser.KindFinal:
			return finish(cmd.Arg, true, FinalReached, iter), nil

		case parser.KindFinalVar:
			value, verr := l.sessions.GetContextVariable(sessionID, cmd.Arg)
			if verr != nil {
				if l.cfg.StrictParsing {
					return finish(fmt.Sprintf("unknown variable %q", cmd.Arg), false, ParseError, iter), nil
				}
				messages = append(messages, llm.Message{
					Role:    llm.RoleUser,
					Content: fmt.Sprintf("Variable %q is not set in this session. Set it or answer with FINAL(...).", cmd.Arg),
				})
				continue
			}
			return finish(value, true, FinalReached, iter), nil

		case parser.KindRun, parser.KindCode:
			observation := l.dispatchExecution(ctx, sessionID, iter, cmd, &history)
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: observation})

		case parser.KindSnapshot:
			observation := l.dispatchSnapshot(ctx, sessionID, iter, cmd.Arg, &history)
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: observation})

		case parser.KindRollback:
			observation := l.dispatchRollback(ctx, sessionID, iter, cmd.Arg, &history)
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: observation})

		case parser.KindRecurse:
			if !l.cfg.AllowRecursion {
				return finish("", false, RecursionLimitExceeded, iter), nil
			}
			if err := tracker.PushRecursion(); err != nil {
				return finish("", false, RecursionLimitExceeded, iter), nil
			}
			nested, nerr := l.run(ctx, sessionID, cmd.Arg, tracker, cancel, depth+1)
			tracker.PopRecursion()
			if nerr != nil {
				return nil, nerr
			}
			if nested.Reason != FinalReached {
				// Budget and cancellation outcomes propagate out of the
				// nested call; they bound the whole query.
				history = append(history, nested.History...)
				return finish(nested.Result, false, nested.Reason, iter), nil
			}
			history = append(history, nested.History...)
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: "Nested query answered:\n" + nested.Result,
			})

		case parser.KindRecurseBatch:
			if !l.cfg.AllowRecursion {
				return finish("", false, RecursionLimitExceeded, iter), nil
			}
			if err := tracker.PushRecursion(); err != nil {
				return finish("", false, RecursionLimitExceeded, iter), nil
			}
			answers := make([]string, 0, len(cmd.Prompts))
			var stopped *QueryResult
			for _, p := range cmd.Prompts {
				nested, nerr := l.run(ctx, sessionID, p, tracker, cancel, depth+1)
				if nerr != nil {
					tracker.PopRecursion()
					return nil, nerr
				}
				history = append(history, nested.History...)
				if nested.Reason != FinalReached {
					stopped = nested
					break
				}
				answers = append(answers, nested.Result)
			}
			tracker.PopRecursion()
			if stopped != nil {
				return finish(stopped.Result, false, stopped.Reason, iter), nil
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: "Nested queries answered:\n" + strings.Join(answers, "\n---\n"),
			})
		}
	}

	return finish("", false, IterationsExhausted, l.cfg.MaxIterations), nil
}

// dispatchExecution validates and runs a RUN or CODE command, records
// the outcome, and formats the observation for the next model turn.
func (l *queryLoop) dispatchExecution(ctx context.Context, sessionID uuid.UUID, iter int, cmd parser.Command, history *[]CommandOutcome) string {
	if vr := l.exec.Validate(cmd.Arg); !vr.Passed {
		l.countSandbox(string(cmd.Kind), "rejected")
		return "Execution rejected by validator: " + vr.Message
	}

	ec := executor.ExecutionContext{
		SessionID: sessionID,
		Timeout:   l.cfg.CommandTimeout(),
	}

	var res *executor.ExecutionResult
	var err error
	if cmd.Kind == parser.KindCode {
		res, err = l.exec.ExecuteCode(ctx, cmd.Arg, ec)
	} else {
		res, err = l.exec.ExecuteCommand(ctx, cmd.Arg, ec)
	}
	if err != nil {
		l.countSandbox(string(cmd.Kind), "error")
		var execErr *executor.ExecutionError
		if errors.As(err, &execErr) {
			*history = append(*history, CommandOutcome{
				Iteration: iter,
				Kind:      cmd.Kind,
				Input:     cmd.Arg,
				Output:    execErr.Stdout + execErr.Stderr,
				ExitCode:  -1,
			})
			return formatFailure(execErr)
		}
		return "Execution failed: " + err.Error()
	}

	l.countSandbox(string(cmd.Kind), "success")
	l.observeSandbox(string(cmd.Kind), res.Duration.Seconds())

	*history = append(*history, CommandOutcome{
		Iteration: iter,
		Kind:      cmd.Kind,
		Input:     cmd.Arg,
		Output:    res.Stdout + res.Stderr,
		ExitCode:  res.ExitCode,
	})
	return formatResult(res)
}

func (l *queryLoop) dispatchSnapshot(ctx context.Context, sessionID uuid.UUID, iter int, name string, history *[]CommandOutcome) string {
	count, err := l.sessions.SnapshotCount(sessionID)
	if err != nil {
		return "Snapshot failed: " + err.Error()
	}
	if count >= l.cfg.MaxSnapshotsPerSession {
		l.countSnapshot("create", "rejected")
		return fmt.Sprintf("Snapshot rejected: session already holds %d snapshots (limit %d).", count, l.cfg.MaxSnapshotsPerSession)
	}

	snap, err := l.exec.CreateSnapshot(ctx, sessionID, name)
	if err != nil {
		l.countSnapshot("create", "error")
		return "Snapshot failed: " + err.Error()
	}
	_ = l.sessions.RecordSnapshotCreated(sessionID, snap.Name)
	l.countSnapshot("create", "success")

	*history = append(*history, CommandOutcome{Iteration: iter, Kind: parser.KindSnapshot, Input: name})
	return fmt.Sprintf("Snapshot %q created.", name)
}

func (l *queryLoop) dispatchRollback(ctx context.Context, sessionID uuid.UUID, iter int, name string, history *[]CommandOutcome) string {
	err := l.exec.RestoreSnapshot(ctx, executor.SnapshotID{Name: name, SessionID: sessionID})
	if err != nil {
		l.countSnapshot("restore", "error")
		return "Rollback failed: " + err.Error()
	}
	_ = l.sessions.RecordSnapshotRestored(sessionID, name)
	l.countSnapshot("restore", "success")

	*history = append(*history, CommandOutcome{Iteration: iter, Kind: parser.KindRollback, Input: name})
	return fmt.Sprintf("Sandbox restored to snapshot %q.", name)
}

// formatResult renders an execution outcome as the next user turn.
func formatResult(res *executor.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString("Stdout:\n")
		b.WriteString(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if res.Stderr != "" {
		b.WriteString("Stderr:\n")
		b.WriteString(res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if res.Stdout == "" && res.Stderr == "" {
		b.WriteString("(no output)\n")
	}
	return b.String()
}

func formatFailure(execErr *executor.ExecutionError) string {
	var b strings.Builder
	b.WriteString("Execution failed: ")
	b.WriteString(execErr.Message)
	b.WriteByte('\n')
	if execErr.Stdout != "" {
		b.WriteString("Partial stdout:\n")
		b.WriteString(execErr.Stdout)
		b.WriteByte('\n')
	}
	if execErr.Stderr != "" {
		b.WriteString("Partial stderr:\n")
		b.WriteString(execErr.Stderr)
		b.WriteByte('\n')
	}
	return b.String()
}

func (l *queryLoop) countLLM(status string) {
	if l.obs != nil && l.obs.Metrics != nil {
		l.obs.Metrics.LLMRequestsTotal.WithLabelValues("bridge", status).Inc()
	}
}

func (l *queryLoop) countSandbox(kind, status string) {
	if l.obs != nil && l.obs.Metrics != nil {
		l.obs.Metrics.SandboxExecutionsTotal.WithLabelValues(kind, status).Inc()
	}
}

func (l *queryLoop) observeSandbox(kind string, seconds float64) {
	if l.obs != nil && l.obs.Metrics != nil {
		l.obs.Metrics.SandboxExecutionDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func (l *queryLoop) countSnapshot(op, status string) {
	if l.obs != nil && l.obs.Metrics != nil {
		l.obs.Metrics.SnapshotOpsTotal.WithLabelValues(op, status).Inc()
	}
}
