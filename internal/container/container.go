// Package container defines the ContainerAdapter capability interface
// (§6) and two implementations: an `unisolated` no-op and a `dockerexec`
// adapter that shells out to the `docker` CLI, mirroring the teacher's
// subprocess-wrapping-an-external-binary style used for its own sidecar
// processes.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Definition describes the container a worker should run in. Free-form
// beyond Image, since container runtimes vary in what else they need.
type Definition struct {
	Image string
	Env   map[string]string
}

// Stats is a coarse resource snapshot for a running container.
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
}

// Adapter is the capability interface every container runtime binding
// implements. A worker's container_ref selects which Adapter handles it;
// "unisolated" always resolves to the no-op Adapter.
type Adapter interface {
	// IsAvailable reports whether this adapter's runtime can be used at all
	// on the current host (binary present, daemon reachable).
	IsAvailable() bool

	// Create starts a container for worktree/workerID/sessionID per def,
	// returning an opaque container id. sessionID may be empty.
	Create(ctx context.Context, def Definition, worktreePath string, workerID int, sessionID string) (string, error)

	// Exec runs argv inside containerID and returns combined output.
	Exec(ctx context.Context, containerID string, argv []string) (string, error)

	// Destroy tears down containerID. Safe to call on an already-gone id.
	Destroy(ctx context.Context, containerID string) error

	// Stats reports a resource snapshot for containerID.
	Stats(ctx context.Context, containerID string) (Stats, error)

	// ShellCommand returns the argv that, run on the host, attaches an
	// interactive shell inside containerID (for a human to drop into it).
	ShellCommand(containerID string) []string

	// CleanupByWorktree removes any containers this adapter associates with
	// worktreePath, for use during worker deletion when the container id
	// itself may not be known to the caller.
	CleanupByWorktree(ctx context.Context, worktreePath string) error
}

// Unisolated is the sentinel no-op Adapter used for worker.UnisolatedContainerRef.
// Every operation is a successful no-op: Create returns the sentinel id
// itself so callers have something stable to store in ContainerRef.
type Unisolated struct{}

var _ Adapter = Unisolated{}

func (Unisolated) IsAvailable() bool { return true }

func (Unisolated) Create(context.Context, Definition, string, int, string) (string, error) {
	return "unisolated", nil
}

func (Unisolated) Exec(context.Context, string, []string) (string, error) {
	return "", fmt.Errorf("container: cannot exec inside an unisolated worker")
}

func (Unisolated) Destroy(context.Context, string) error { return nil }

func (Unisolated) Stats(context.Context, string) (Stats, error) { return Stats{}, nil }

func (Unisolated) ShellCommand(string) []string { return nil }

func (Unisolated) CleanupByWorktree(context.Context, string) error { return nil }

// DockerExec is an Adapter backed by the `docker` CLI.
type DockerExec struct {
	// Timeout bounds every docker invocation so a wedged daemon can't hang
	// a reconciliation cycle. Defaults to the §5 container-operation bound
	// of 2s if zero.
	Timeout time.Duration
}

var _ Adapter = DockerExec{}

func (d DockerExec) timeout() time.Duration {
	if d.Timeout <= 0 {
		return 2 * time.Second
	}
	return d.Timeout
}

func (d DockerExec) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func (d DockerExec) IsAvailable() bool {
	cmd := exec.Command("docker", "version", "--format", "{{.Server.Version}}")
	return cmd.Run() == nil
}

func (d DockerExec) Create(ctx context.Context, def Definition, worktreePath string, workerID int, sessionID string) (string, error) {
	args := []string{"run", "-d",
		"--label", fmt.Sprintf("orchestra.worker_id=%d", workerID),
		"-v", worktreePath + ":" + worktreePath,
		"-w", worktreePath,
	}
	if sessionID != "" {
		args = append(args, "--label", "orchestra.session_id="+sessionID)
	}
	for k, v := range def.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, def.Image)

	return d.run(ctx, args...)
}

func (d DockerExec) Exec(ctx context.Context, containerID string, argv []string) (string, error) {
	args := append([]string{"exec", containerID}, argv...)
	return d.run(ctx, args...)
}

func (d DockerExec) Destroy(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "rm", "-f", containerID)
	return err
}

func (d DockerExec) Stats(ctx context.Context, containerID string) (Stats, error) {
	out, err := d.run(ctx, "stats", "--no-stream", "--format", "{{.CPUPerc}},{{.MemUsage}}", containerID)
	if err != nil {
		return Stats{}, err
	}
	return parseDockerStats(out), nil
}

func (d DockerExec) ShellCommand(containerID string) []string {
	return []string{"docker", "exec", "-it", containerID, "bash"}
}

func (d DockerExec) CleanupByWorktree(ctx context.Context, worktreePath string) error {
	ids, err := d.run(ctx, "ps", "-aq", "--filter", "volume="+worktreePath)
	if err != nil {
		return err
	}
	for _, id := range strings.Fields(ids) {
		if err := d.Destroy(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func parseDockerStats(out string) Stats {
	var s Stats
	parts := strings.SplitN(out, ",", 2)
	if len(parts) > 0 {
		cpuStr := strings.TrimSuffix(strings.TrimSpace(parts[0]), "%")
		fmt.Sscanf(cpuStr, "%f", &s.CPUPercent)
	}
	if len(parts) > 1 {
		memStr := strings.SplitN(parts[1], "/", 2)[0]
		memStr = strings.TrimSpace(memStr)
		memStr = strings.TrimSuffix(memStr, "MiB")
		fmt.Sscanf(memStr, "%f", &s.MemoryMB)
	}
	return s
}
