package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a worker: kill its session, remove its worktree and branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

func runRm(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("cmd: invalid worker id %q: %w", args[0], err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.lc.Delete(id); err != nil {
		return fmt.Errorf("cmd: deleting worker %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted worker %d\n", id)
	return nil
}
