package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <id> <text>",
	Short: "Send text to a worker's assistant session",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
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
	if w.ContainerRef != "" && w.ContainerRef != "unisolated" {
		if err := a.sessions.ContainerSendText(w.ContainerRef, sessionName, args[1], true); err != nil {
			return fmt.Errorf("cmd: sending to worker %d: %w", id, err)
		}
		return nil
	}
	if err := a.sessions.SendText(sessionName, args[1], true); err != nil {
		return fmt.Errorf("cmd: sending to worker %d: %w", id, err)
	}
	return nil
}
