package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes for the query command.
const (
	exitSuccess  = 0
	exitFailure  = 1
	exitNoAnswer = 2
)

var (
	queryPrompt string
	queryJSON   bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a full query loop for a prompt",
	Long: `Run the query loop: the model plans, executes code in the sandbox,
inspects results, and iterates until it answers or a budget runs out.

Examples:
  rlm query -p "What is the SHA-256 of the string 'terraphim'?"
  rlm query -p "Parse /data/events.csv and report the busiest hour" --json

Exit codes:
  0  final answer produced
  1  infrastructure failure
  2  terminated without an answer (budget, iterations, cancellation)`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryPrompt, "prompt", "p", "", "prompt to solve (required)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the full result as JSON")
	_ = queryCmd.MarkFlagRequired("prompt")
}

func runQuery(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, logger, err := buildRlm(ctx)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	info, err := r.CreateSession(ctx)
	if err != nil {
		return err
	}
	defer r.DestroySession(context.Background(), info.ID)

	// Ctrl-C requests cooperative cancellation; the loop stops at its
	// next checkpoint.
	go func() {
		<-ctx.Done()
		r.CancelQuery(info.ID)
	}()

	result, err := r.Query(ctx, info.ID, queryPrompt)
	if err != nil {
		return err
	}

	if queryJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(result.Result)
		logger.Info("query finished",
			"reason", string(result.Reason),
			"iterations", result.Iterations,
			"tokens_used", result.TokensUsed,
		)
	}

	if !result.Success {
		os.Exit(exitNoAnswer)
	}
	return nil
}
