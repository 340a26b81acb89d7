package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage sandbox sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE:  runSessionList,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its id",
	RunE:  runSessionCreate,
}

var sessionDestroyCmd = &cobra.Command{
	Use:   "destroy <session-id>",
	Short: "Destroy a session and release its sandbox and snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDestroy,
}

var sessionExtendCmd = &cobra.Command{
	Use:   "extend <session-id>",
	Short: "Extend a session's expiry",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionExtend,
}

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionDestroyCmd, sessionExtendCmd)
}

func runSessionList(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	r, _, err := buildRlm(ctx)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	sessions := r.ListSessions()
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tEXPIRES\tSNAPSHOTS")
	for _, info := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			info.ID, info.State,
			info.ExpiresAt.Format(time.RFC3339),
			info.SnapshotCount,
		)
	}
	return w.Flush()
}

func runSessionCreate(_ *cobra.Command, _ []string) error {
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
	fmt.Println(info.ID)
	return nil
}

func runSessionDestroy(_ *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", args[0], err)
	}

	ctx := context.Background()
	r, _, err := buildRlm(ctx)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	if err := r.DestroySession(ctx, id); err != nil {
		return err
	}
	fmt.Println("destroyed", id)
	return nil
}

func runSessionExtend(_ *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", args[0], err)
	}

	ctx := context.Background()
	r, _, err := buildRlm(ctx)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	info, err := r.ExtendSession(id)
	if err != nil {
		return err
	}
	fmt.Printf("session %s now expires at %s (extension %d)\n",
		info.ID, info.ExpiresAt.Format(time.RFC3339), info.ExtensionCount)
	return nil
}
