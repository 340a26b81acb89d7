package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terraphim/terraphim-rlm/internal/executor"
	"github.com/terraphim/terraphim-rlm/internal/rlm"
)

var (
	execCode    string
	execCommand string
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute code or a command in a sandbox, without the query loop",
	Long: `Execute a single piece of Python code or a shell command in a fresh
sandbox session and print its output. No model is involved.

Examples:
  rlm exec --code "print(2 ** 32)"
  rlm exec --command "uname -a"`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execCode, "code", "", "Python code to execute")
	execCmd.Flags().StringVar(&execCommand, "command", "", "shell command to execute")
	execCmd.MarkFlagsOneRequired("code", "command")
	execCmd.MarkFlagsMutuallyExclusive("code", "command")
}

func runExec(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	r, _, err := buildRlm(ctx)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	info, err := r.CreateSession(ctx)
	if err != nil {
		return err
	}
	defer r.DestroySession(context.Background(), info.ID)

	res, err := runOne(ctx, r, info.ID, execCode, execCommand)
	if err != nil {
		return err
	}

	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}

func runOne(ctx context.Context, r *rlm.Rlm, id uuid.UUID, code, command string) (*executor.ExecutionResult, error) {
	if code != "" {
		return r.ExecuteCode(ctx, id, code)
	}
	return r.ExecuteCommand(ctx, id, command)
}
