package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	createCount        int
	createContainerRef string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create one or more workers",
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().IntVarP(&createCount, "count", "n", 1, "number of workers to create")
	createCmd.Flags().StringVar(&createContainerRef, "container", "", "container_ref for the new workers (default: unisolated)")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	created, err := a.lc.Create(createCount, createContainerRef)
	for _, w := range created {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (id %d) at %s\n", w.Name, w.Branch, w.ID, w.WorktreePath)
	}
	if err != nil {
		return fmt.Errorf("cmd: creating workers: %w", err)
	}
	return nil
}
