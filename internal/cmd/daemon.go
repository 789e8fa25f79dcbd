package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the reconciliation daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reconciliation daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the daemon in the foreground (internal)",
	Hidden: true,
	RunE:   runDaemonRun,
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if _, running, err := daemonPID(a.repoPath); err != nil {
		return err
	} else if running {
		return fmt.Errorf("cmd: daemon already running")
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cmd: finding executable: %w", err)
	}

	logFile, err := os.OpenFile(logFilePath(a.repoPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cmd: opening daemon log: %w", err)
	}
	defer logFile.Close()

	proc := exec.Command(exePath, "--repo", a.repoPath, "daemon", "run")
	proc.Stdin = nil
	proc.Stdout = logFile
	proc.Stderr = logFile
	if err := proc.Start(); err != nil {
		return fmt.Errorf("cmd: starting daemon: %w", err)
	}

	time.Sleep(200 * time.Millisecond)
	if _, running, err := daemonPID(a.repoPath); err != nil || !running {
		return fmt.Errorf("cmd: daemon failed to start (check %s)", logFilePath(a.repoPath))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "daemon started (PID %d)\n", proc.Process.Pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	pid, running, err := daemonPID(a.repoPath)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("cmd: daemon is not running")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("cmd: stopping daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "daemon stopped (was PID %d)\n", pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	pid, running, err := daemonPID(a.repoPath)
	if err != nil {
		return err
	}
	if running {
		fmt.Fprintf(cmd.OutOrStdout(), "running (PID %d)\n", pid)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "not running")
	}
	return nil
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := writePIDFile(a.repoPath, os.Getpid()); err != nil {
		return err
	}
	defer removePIDFile(a.repoPath)

	if err := a.engine.Start(a.idx.Snapshot, a.applyWorkerUpdate, a.reconcileConfig()); err != nil {
		return fmt.Errorf("cmd: starting reconciliation engine: %w", err)
	}
	defer a.engine.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	return nil
}
