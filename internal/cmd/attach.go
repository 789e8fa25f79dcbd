package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach <id>",
	Short: "Attach to a worker's terminal session, replacing the current process",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("cmd: invalid worker id %q: %w", args[0], err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	w, ok := a.idx.Get(id)
	if !ok {
		return fmt.Errorf("cmd: worker %d not found", id)
	}

	sessionName := a.sessions.SessionName(w.SessionID)
	if err := a.tm.AttachSession(sessionName); err != nil {
		return fmt.Errorf("cmd: attaching to worker %d: %w", id, err)
	}
	return nil
}
