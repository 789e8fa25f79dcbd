package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/renxida/opus-orchestra-sub001/internal/termsession"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reconcile the worker index against disk: drop entries with no worktree, kill orphaned sessions",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	opts := a.cfg.Get()
	wtRoot := worktreesRoot(a.repoPath, opts)
	results, err := a.store.Scan(wtRoot, opts.WorkerPrefix+"-")
	if err != nil {
		return fmt.Errorf("cmd: scanning %s: %w", wtRoot, err)
	}
	onDisk := make(map[int]bool, len(results))
	for _, r := range results {
		onDisk[r.Worker.ID] = true
	}

	var removed int
	for _, w := range a.idx.Snapshot() {
		if onDisk[w.ID] {
			continue
		}
		sessionName := a.sessions.SessionName(w.SessionID)
		if w.ContainerRef != "" && w.ContainerRef != "unisolated" {
			_ = a.sessions.ContainerKill(w.ContainerRef, sessionName)
		} else {
			_ = a.sessions.Kill(sessionName)
		}
		if err := a.idx.Remove(w.ID); err != nil {
			return fmt.Errorf("cmd: removing worker %d: %w", w.ID, err)
		}
		removed++
	}

	sessions, err := a.sessions.ListSessions()
	if err != nil {
		return fmt.Errorf("cmd: listing sessions: %w", err)
	}
	live := make(map[string]bool, len(a.idx.Snapshot()))
	for _, w := range a.idx.Snapshot() {
		live[a.sessions.SessionName(w.SessionID)] = true
	}
	var orphaned int
	for _, s := range sessions {
		if live[s] {
			continue
		}
		_ = a.sessions.Kill(s)
		orphaned++
	}

	orphanedPIDs, pidProblems := termsession.KillOrphanedPIDs(a.repoPath)
	for _, p := range pidProblems {
		fmt.Fprintf(cmd.ErrOrStderr(), "cmd: orphan pid cleanup: %s\n", p)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale worker(s), killed %d orphaned session(s), reaped %d orphaned process(es)\n", removed, orphaned, orphanedPIDs)
	return nil
}
