// Package rlm is the orchestration facade: it owns the execution
// backend, session manager, LLM bridge, and query loop, and exposes the
// operations embedders call.
package rlm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/terraphim/terraphim-rlm/internal/budget"
	"github.com/terraphim/terraphim-rlm/internal/config"
	"github.com/terraphim/terraphim-rlm/internal/executor"
	"github.com/terraphim/terraphim-rlm/internal/history"
	"github.com/terraphim/terraphim-rlm/internal/llm"
	"github.com/terraphim/terraphim-rlm/internal/observability"
	"github.com/terraphim/terraphim-rlm/internal/parser"
	"github.com/terraphim/terraphim-rlm/internal/session"
)

// Version of the orchestrator, reported by the facade and the CLI.
const Version = "0.1.0"

// Rlm is the top-level orchestrator. One instance serves many sessions
// concurrently; a single session runs at most one query at a time.
type Rlm struct {
	cfg      *config.Config
	exec     executor.ExecutionEnvironment
	sessions *session.Manager
	bridge   *llm.Bridge
	parser   *parser.Parser
	hist     *history.Store
	obs      *observability.Observability
	tracer   trace.Tracer
	logger   *slog.Logger
	reaper   *cron.Cron

	// cancels maps session id to a single-slot cancellation channel for
	// the session's in-flight query.
	cancels sync.Map
}

// Stats aggregates orchestrator state for operators.
type Stats struct {
	Sessions session.Stats
	Backend  executor.BackendType
}

// New probes the configured backends in preference order and builds the
// orchestrator on the first healthy one.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, logger *slog.Logger) (*Rlm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exec, err := executor.Select(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithExecutor(cfg, provider, exec, logger)
}

// NewWithExecutor builds the orchestrator on an injected backend. Used
// by tests and embedders that manage their own sandbox.
func NewWithExecutor(cfg *config.Config, provider llm.Provider, exec executor.ExecutionEnvironment, logger *slog.Logger) (*Rlm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("building observability: %w", err)
	}

	var hist *history.Store
	if cfg.History != nil {
		hist, err = history.Open(history.Config{
			Driver: cfg.History.Driver,
			Path:   cfg.History.Path,
			DSN:    cfg.History.DSN,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
	}

	sessions := session.NewManager(cfg.SessionDuration, cfg.ExtensionIncrement, cfg.MaxExtensions, logger)
	bridge := llm.NewBridge(provider, sessions, cfg.CommandTimeout(), logger)

	tracer := noop.NewTracerProvider().Tracer("")
	if obs != nil {
		tracer = obs.Tracer.Tracer()
	}

	r := &Rlm{
		cfg:      cfg,
		exec:     exec,
		sessions: sessions,
		bridge:   bridge,
		parser:   parser.New(cfg.StrictParsing),
		hist:     hist,
		obs:      obs,
		tracer:   tracer,
		logger:   logger,
	}

	if obs != nil {
		obs.Health.AddCheck("backend", func(ctx context.Context) error {
			if !exec.HealthCheck(ctx) {
				return fmt.Errorf("backend %s unavailable", exec.BackendType())
			}
			return nil
		})
		if cfg.Observability != nil {
			obs.ServeMetrics(cfg.Observability.Metrics)
		}
	}

	r.reaper = cron.New()
	if _, err := r.reaper.AddFunc("@every 1m", r.reapExpired); err != nil {
		return nil, fmt.Errorf("%w: scheduling session reaper: %v", ErrInternal, err)
	}
	r.reaper.Start()

	logger.Info("orchestrator ready",
		slog.String("backend", string(exec.BackendType())),
		slog.String("version", Version),
	)
	return r, nil
}

// reapExpired removes expired sessions and releases their backend
// snapshots.
func (r *Rlm) reapExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range r.sessions.CleanupExpired() {
		r.CancelQuery(id)
		if err := r.exec.DeleteSessionSnapshots(ctx, id); err != nil {
			r.logger.Warn("releasing snapshots for expired session failed",
				slog.String("session", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	r.setActiveSessions()
}

// CreateSession provisions a new sandbox session.
func (r *Rlm) CreateSession(_ context.Context) (session.Info, error) {
	info := r.sessions.Create()
	if err := r.sessions.Activate(info.ID); err != nil {
		return session.Info{}, err
	}
	r.setActiveSessions()
	return r.sessions.Get(info.ID)
}

// DestroySession cancels any in-flight query, releases backend
// snapshots, and removes the session. Idempotent.
func (r *Rlm) DestroySession(ctx context.Context, id uuid.UUID) error {
	r.CancelQuery(id)
	if err := r.exec.DeleteSessionSnapshots(ctx, id); err != nil {
		r.logger.Warn("releasing snapshots failed",
			slog.String("session", id.String()),
			slog.String("error", err.Error()),
		)
	}
	r.sessions.Destroy(id)
	r.setActiveSessions()
	return nil
}

// GetSession returns the session's metadata.
func (r *Rlm) GetSession(id uuid.UUID) (session.Info, error) {
	return r.sessions.Get(id)
}

// ExtendSession pushes the session expiry out by the configured
// increment.
func (r *Rlm) ExtendSession(id uuid.UUID) (session.Info, error) {
	return r.sessions.Extend(id)
}

// ListSessions returns metadata for every live session.
func (r *Rlm) ListSessions() []session.Info {
	return r.sessions.List()
}

// SetContextVariable stores a named value in the session context.
func (r *Rlm) SetContextVariable(id uuid.UUID, name, value string) error {
	if err := r.sessions.Validate(id); err != nil {
		return err
	}
	return r.sessions.SetContextVariable(id, name, value)
}

// GetContextVariable looks up a named value from the session context.
func (r *Rlm) GetContextVariable(id uuid.UUID, name string) (string, error) {
	if err := r.sessions.Validate(id); err != nil {
		return "", err
	}
	return r.sessions.GetContextVariable(id, name)
}

// ExecuteCode runs Python code in the session sandbox, bypassing the
// query loop.
func (r *Rlm) ExecuteCode(ctx context.Context, id uuid.UUID, code string) (*executor.ExecutionResult, error) {
	if err := r.sessions.Validate(id); err != nil {
		return nil, err
	}
	if vr := r.exec.Validate(code); !vr.Passed {
		return nil, &executor.ExecutionError{Message: "validation rejected input: " + vr.Message}
	}
	return r.exec.ExecuteCode(ctx, code, executor.ExecutionContext{
		SessionID: id,
		Timeout:   r.cfg.CommandTimeout(),
	})
}

// ExecuteCommand runs a shell command in the session sandbox, bypassing
// the query loop.
func (r *Rlm) ExecuteCommand(ctx context.Context, id uuid.UUID, command string) (*executor.ExecutionResult, error) {
	if err := r.sessions.Validate(id); err != nil {
		return nil, err
	}
	if vr := r.exec.Validate(command); !vr.Passed {
		return nil, &executor.ExecutionError{Message: "validation rejected input: " + vr.Message}
	}
	return r.exec.ExecuteCommand(ctx, command, executor.ExecutionContext{
		SessionID: id,
		Timeout:   r.cfg.CommandTimeout(),
	})
}

// Query runs the full loop for one prompt. Budgets are scoped to this
// call: a fresh tracker is created every time. Starting a new query on
// a session replaces the cancellation slot of any previous one.
func (r *Rlm) Query(ctx context.Context, id uuid.UUID, prompt string) (*QueryResult, error) {
	if err := r.sessions.Validate(id); err != nil {
		return nil, err
	}

	tracker := budget.NewTracker(r.cfg.TokenBudget, r.cfg.TimeBudgetMs, int32(r.cfg.MaxRecursionDepth))
	cancelCh := make(chan struct{}, 1)
	r.cancels.Store(id, cancelCh)
	defer r.cancels.CompareAndDelete(id, cancelCh)

	if r.obs != nil && r.obs.Metrics != nil {
		r.obs.Metrics.ActiveQueries.Inc()
		defer r.obs.Metrics.ActiveQueries.Dec()
	}

	loop := &queryLoop{
		cfg:      r.cfg,
		bridge:   r.bridge,
		exec:     r.exec,
		sessions: r.sessions,
		parser:   r.parser,
		obs:      r.obs,
		tracer:   r.tracer,
		logger:   r.logger,
	}
	result, err := loop.run(ctx, id, prompt, tracker, cancelCh, 0)
	if err != nil {
		return nil, err
	}

	r.recordQuery(ctx, id, prompt, result)
	r.logger.Info("query completed",
		slog.String("session", id.String()),
		slog.String("reason", string(result.Reason)),
		slog.Int("iterations", result.Iterations),
		slog.Int64("tokens_used", result.TokensUsed),
		slog.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// CancelQuery requests cooperative cancellation of the session's active
// query. Calling it with no query in flight is a successful no-op.
func (r *Rlm) CancelQuery(id uuid.UUID) {
	if v, ok := r.cancels.Load(id); ok {
		select {
		case v.(chan struct{}) <- struct{}{}:
		default: // Slot already holds a pending cancellation.
		}
	}
}

// CreateSnapshot captures the session sandbox state under a name. The
// per-session cap is checked before the backend is asked to do any
// work.
func (r *Rlm) CreateSnapshot(ctx context.Context, id uuid.UUID, name string) (executor.SnapshotID, error) {
	if err := r.sessions.Validate(id); err != nil {
		return executor.SnapshotID{}, err
	}
	count, err := r.sessions.SnapshotCount(id)
	if err != nil {
		return executor.SnapshotID{}, err
	}
	if count >= r.cfg.MaxSnapshotsPerSession {
		return executor.SnapshotID{}, fmt.Errorf("%w: %d/%d", ErrMaxSnapshotsReached, count, r.cfg.MaxSnapshotsPerSession)
	}

	snap, err := r.exec.CreateSnapshot(ctx, id, name)
	if err != nil {
		return executor.SnapshotID{}, fmt.Errorf("creating snapshot %q: %w", name, err)
	}
	if err := r.sessions.RecordSnapshotCreated(id, snap.Name); err != nil {
		return executor.SnapshotID{}, err
	}
	return snap, nil
}

// RestoreSnapshot rolls the session sandbox back to a named snapshot.
// The name is resolved against the backend's listing; an unknown name
// fails with executor.ErrSnapshotNotFound.
func (r *Rlm) RestoreSnapshot(ctx context.Context, id uuid.UUID, name string) error {
	if err := r.sessions.Validate(id); err != nil {
		return err
	}

	snaps, err := r.exec.ListSnapshots(ctx, id)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	for _, s := range snaps {
		if s.Name == name {
			if err := r.exec.RestoreSnapshot(ctx, s); err != nil {
				return fmt.Errorf("restoring snapshot %q: %w", name, err)
			}
			return r.sessions.RecordSnapshotRestored(id, name)
		}
	}
	return fmt.Errorf("%w: %q", executor.ErrSnapshotNotFound, name)
}

// ListSnapshots returns the snapshots held for the session.
func (r *Rlm) ListSnapshots(ctx context.Context, id uuid.UUID) ([]executor.SnapshotID, error) {
	if err := r.sessions.Validate(id); err != nil {
		return nil, err
	}
	return r.exec.ListSnapshots(ctx, id)
}

// QueryHistory returns the most recent persisted runs for a session.
// Returns nil when history is disabled.
func (r *Rlm) QueryHistory(ctx context.Context, id uuid.UUID, limit int) ([]history.QueryRun, error) {
	if r.hist == nil {
		return nil, nil
	}
	return r.hist.BySession(ctx, id.String(), limit)
}

// Version reports the orchestrator version.
func (r *Rlm) Version() string { return Version }

// Stats reports orchestrator-level counters.
func (r *Rlm) Stats() Stats {
	return Stats{
		Sessions: r.sessions.Stats(),
		Backend:  r.exec.BackendType(),
	}
}

// HealthCheck reports aggregate readiness.
func (r *Rlm) HealthCheck(ctx context.Context) observability.HealthStatus {
	if r.obs != nil {
		return r.obs.Health.CheckReady(ctx)
	}
	if r.exec.HealthCheck(ctx) {
		return observability.HealthStatus{Status: "ok"}
	}
	return observability.HealthStatus{Status: "degraded"}
}

// Close releases every resource the orchestrator owns.
func (r *Rlm) Close(ctx context.Context) error {
	if r.reaper != nil {
		r.reaper.Stop()
	}
	r.obs.Shutdown(ctx)
	if r.hist != nil {
		if err := r.hist.Close(); err != nil {
			r.logger.Warn("closing history store failed", slog.String("error", err.Error()))
		}
	}
	return r.exec.Cleanup(ctx)
}

// recordQuery persists the run and updates metrics.
func (r *Rlm) recordQuery(ctx context.Context, id uuid.UUID, prompt string, result *QueryResult) {
	if r.obs != nil && r.obs.Metrics != nil {
		m := r.obs.Metrics
		m.QueriesTotal.WithLabelValues(string(result.Reason)).Inc()
		m.QueryDuration.Observe(result.Elapsed.Seconds())
		m.QueryIterations.Observe(float64(result.Iterations))
		m.TokensUsedTotal.Add(float64(result.TokensUsed))
	}

	if r.hist == nil {
		return
	}
	run := &history.QueryRun{
		SessionID:         id.String(),
		Prompt:            prompt,
		Result:            result.Result,
		TerminationReason: string(result.Reason),
		Success:           result.Success,
		Iterations:        result.Iterations,
		TokensUsed:        result.TokensUsed,
		ElapsedMs:         result.Elapsed.Milliseconds(),
	}
	for _, c := range result.History {
		run.Commands = append(run.Commands, history.CommandRecord{
			Iteration: c.Iteration,
			Kind:      string(c.Kind),
			Input:     c.Input,
			Output:    c.Output,
			ExitCode:  c.ExitCode,
		})
	}
	if err := r.hist.Record(ctx, run); err != nil {
		r.logger.Warn("recording query run failed", slog.String("error", err.Error()))
	}
}

func (r *Rlm) setActiveSessions() {
	if r.obs != nil && r.obs.Metrics != nil {
		r.obs.Metrics.ActiveSessions.Set(float64(r.sessions.Stats().Total))
	}
}
