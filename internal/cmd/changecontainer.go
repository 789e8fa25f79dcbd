package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var changeContainerCmd = &cobra.Command{
	Use:   "change-container <id> <ref>",
	Short: "Move a worker's session to a different container_ref",
	Args:  cobra.ExactArgs(2),
	RunE:  runChangeContainer,
}

func init() {
	rootCmd.AddCommand(changeContainerCmd)
}

func runChangeContainer(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("cmd: invalid worker id %q: %w", args[0], err)
	}
	ref := args[1]

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
		if err := a.sessions.ContainerKill(w.ContainerRef, sessionName); err != nil {
			return fmt.Errorf("cmd: stopping session in %s: %w", w.ContainerRef, err)
		}
	} else {
		if err := a.sessions.Kill(sessionName); err != nil {
			return fmt.Errorf("cmd: stopping session: %w", err)
		}
	}

	if ref != "" && ref != "unisolated" {
		if err := a.sessions.ContainerCreateDetached(ref, sessionName, w.WorktreePath); err != nil {
			return fmt.Errorf("cmd: starting session in %s: %w", ref, err)
		}
	} else {
		if err := a.sessions.CreateDetached(sessionName, w.WorktreePath); err != nil {
			return fmt.Errorf("cmd: starting session: %w", err)
		}
	}

	w.ContainerRef = ref
	w.SessionStarted = false
	if err := a.idx.Put(w); err != nil {
		return fmt.Errorf("cmd: updating worker %d: %w", id, err)
	}
	if err := a.store.Save(w); err != nil {
		return fmt.Errorf("cmd: persisting worker %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "worker %d moved to %s\n", id, containerLabel(w))
	return nil
}
