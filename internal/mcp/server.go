// Package mcp exposes the orchestrator's operations as MCP tools so
// agent frontends can drive sessions, queries, and snapshots over the
// Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/terraphim/terraphim-rlm/internal/rlm"
)

// Tool names exposed by the server.
const (
	toolCreateSession  = "rlm.create_session"
	toolDestroySession = "rlm.destroy_session"
	toolQuery          = "rlm.query"
	toolCancelQuery    = "rlm.cancel_query"
	toolExecuteCode    = "rlm.execute_code"
	toolExecuteCommand = "rlm.execute_command"
	toolSetVariable    = "rlm.set_variable"
	toolSnapshot       = "rlm.create_snapshot"
	toolRollback       = "rlm.restore_snapshot"
	toolListSessions   = "rlm.list_sessions"
)

// Server wraps an mcp-go server around the orchestrator facade.
type Server struct {
	mcpServer *server.MCPServer
	rlm       *rlm.Rlm
	logger    *slog.Logger
}

// NewServer builds the MCP server and registers every tool.
func NewServer(r *rlm.Rlm, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mcpServer := server.NewMCPServer(
		"terraphim-rlm",
		rlm.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		rlm:       r,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// ServeStdio runs the server on stdin/stdout until the client hangs up.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(toolCreateSession,
		mcp.WithDescription("Create a new sandbox session and return its id"),
	), s.handleCreateSession)

	s.mcpServer.AddTool(mcp.NewTool(toolDestroySession,
		mcp.WithDescription("Destroy a session, cancelling any running query and releasing its snapshots"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), s.handleDestroySession)

	s.mcpServer.AddTool(mcp.NewTool(toolQuery,
		mcp.WithDescription("Run a full budgeted query loop for a prompt in the given session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Task for the model to solve with sandbox access")),
	), s.handleQuery)

	s.mcpServer.AddTool(mcp.NewTool(toolCancelQuery,
		mcp.WithDescription("Request cooperative cancellation of the session's running query"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), s.handleCancelQuery)

	s.mcpServer.AddTool(mcp.NewTool(toolExecuteCode,
		mcp.WithDescription("Execute Python code in the session sandbox, bypassing the query loop"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python code to execute")),
	), s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.NewTool(toolExecuteCommand,
		mcp.WithDescription("Execute a shell command in the session sandbox, bypassing the query loop"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to execute")),
	), s.handleExecuteCommand)

	s.mcpServer.AddTool(mcp.NewTool(toolSetVariable,
		mcp.WithDescription("Set a context variable on the session, usable via FINAL_VAR"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Variable name")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Variable value")),
	), s.handleSetVariable)

	s.mcpServer.AddTool(mcp.NewTool(toolSnapshot,
		mcp.WithDescription("Capture the session sandbox state under a name"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Snapshot name")),
	), s.handleSnapshot)

	s.mcpServer.AddTool(mcp.NewTool(toolRollback,
		mcp.WithDescription("Restore the session sandbox to a named snapshot"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Snapshot name")),
	), s.handleRollback)

	s.mcpServer.AddTool(mcp.NewTool(toolListSessions,
		mcp.WithDescription("List all live sessions with their state and expiry"),
	), s.handleListSessions)
}

func (s *Server) handleCreateSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.rlm.CreateSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": info.ID.String(),
		"state":      string(info.State),
		"expires_at": info.ExpiresAt,
	})
}

func (s *Server) handleDestroySession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.rlm.DestroySession(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("session destroyed"), nil
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.rlm.Query(ctx, id, prompt)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"result":             result.Result,
		"success":            result.Success,
		"termination_reason": string(result.Reason),
		"iterations":         result.Iterations,
		"tokens_used":        result.TokensUsed,
		"elapsed_ms":         result.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleCancelQuery(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.rlm.CancelQuery(id)
	return mcp.NewToolResultText("cancellation requested"), nil
}

func (s *Server) handleExecuteCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.rlm.ExecuteCode(ctx, id, code)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return executionResult(res.Stdout, res.Stderr, res.ExitCode)
}

func (s *Server) handleExecuteCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.rlm.ExecuteCommand(ctx, id, command)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return executionResult(res.Stdout, res.Stderr, res.ExitCode)
}

func (s *Server) handleSetVariable(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.rlm.SetContextVariable(id, name, value); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("variable set"), nil
}

func (s *Server) handleSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.rlm.CreateSnapshot(ctx, id, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("snapshot created: " + snap.String()), nil
}

func (s *Server) handleRollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.rlm.RestoreSnapshot(ctx, id, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("sandbox restored to snapshot " + name), nil
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.rlm.ListSessions()
	out := make([]map[string]any, 0, len(sessions))
	for _, info := range sessions {
		out = append(out, map[string]any{
			"session_id": info.ID.String(),
			"state":      string(info.State),
			"expires_at": info.ExpiresAt,
			"snapshots":  info.SnapshotCount,
		})
	}
	return jsonResult(out)
}

// sessionID extracts and parses the session_id argument.
func sessionID(req mcp.CallToolRequest) (uuid.UUID, error) {
	raw, err := req.RequireString("session_id")
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id %q: %w", raw, err)
	}
	return id, nil
}

func executionResult(stdout, stderr string, exitCode int) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"stdout":    stdout,
		"stderr":    stderr,
		"exit_code": exitCode,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
