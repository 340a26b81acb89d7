package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraphim/terraphim-rlm/internal/rlm"
)

var (
	commit = "unknown"
	date   = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("rlm %s (commit: %s, built: %s)\n", rlm.Version, commit, date)
	},
}
