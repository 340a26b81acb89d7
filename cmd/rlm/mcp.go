package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/terraphim/terraphim-rlm/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the orchestrator over the Model Context Protocol on stdio",
	Long: `Serve sessions, queries, one-shot execution, and snapshots as MCP
tools on stdin/stdout, for use by agent frontends.

Example (Claude Desktop / generic MCP client config):
  { "command": "rlm", "args": ["mcp"] }`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	r, logger, err := buildRlm(ctx)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	return mcp.NewServer(r, logger).ServeStdio()
}
