// Terraphim RLM is an orchestration layer that lets a language model
// drive code execution in isolated sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rlm",
	Short: "Terraphim RLM: LLM-driven sandboxed code execution",
	Long: `Terraphim RLM orchestrates a query loop in which a language model
plans, executes code and shell commands in an isolated sandbox, inspects
the results, and iterates until it produces a final answer, all under
token, time, and iteration budgets with snapshot/rollback support.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(queryCmd, execCmd, sessionCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
