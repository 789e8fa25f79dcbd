package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List workers",
	RunE:  runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

var lsHeaderStyle = lipgloss.NewStyle().Bold(true)

func runLs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	workers := a.idx.Snapshot()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, lsHeaderStyle.Render("ID\tNAME\tSTATUS\tBRANCH\tCONTAINER\tDIFF"))
	for _, wk := range workers {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			wk.ID, wk.Name, wk.Status, wk.Branch, containerLabel(wk), diffLabel(wk.DiffStats))
	}
	return w.Flush()
}

func containerLabel(w worker.Worker) string {
	if w.ContainerRef == "" {
		return worker.UnisolatedContainerRef
	}
	return w.ContainerRef
}

func diffLabel(d worker.DiffStats) string {
	return fmt.Sprintf("+%d -%d (%d files)", d.Insertions, d.Deletions, d.FilesChanged)
}
