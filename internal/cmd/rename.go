package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var renameCmd = &cobra.Command{
	Use:   "rename <id> <new-name>",
	Short: "Rename a worker's branch and worktree",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

func init() {
	rootCmd.AddCommand(renameCmd)
}

func runRename(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("cmd: invalid worker id %q: %w", args[0], err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	w, err := a.lc.Rename(id, args[1])
	if err != nil {
		return fmt.Errorf("cmd: renaming worker %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d renamed to %s (%s)\n", w.ID, w.Name, w.Branch)
	return nil
}
