package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Launch the assistant in a worker's terminal session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
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
	assistantCmd := a.cfg.Get().AssistantCommand

	var sendErr error
	if w.ContainerRef != "" && w.ContainerRef != "unisolated" {
		sendErr = a.sessions.ContainerSendText(w.ContainerRef, sessionName, assistantCmd, true)
	} else {
		sendErr = a.sessions.SendText(sessionName, assistantCmd, true)
	}
	if sendErr != nil {
		return fmt.Errorf("cmd: starting assistant for worker %d: %w", id, sendErr)
	}

	w.SessionStarted = true
	if err := a.idx.Put(w); err != nil {
		return fmt.Errorf("cmd: updating worker %d: %w", id, err)
	}
	if err := a.store.Save(w); err != nil {
		return fmt.Errorf("cmd: persisting worker %d: %w", id, err)
	}
	return nil
}
