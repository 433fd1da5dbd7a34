package agentrunner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner launches the agent CLI inside an ephemeral container instead
// of a bare subprocess, for operators who want worker isolation. It
// implements the same Runner interface as SubprocessRunner, adapting
// internal/tools/docker.go's ad hoc "run one tool call in a container"
// lifecycle to "run the whole worker session in a container".
type DockerRunner struct {
	cli         *client.Client
	image       string
	memoryMB    int64
	networkMode string
	binaryPath  string
	extraArgs   []string
	logger      *slog.Logger
}

// NewDockerRunner creates a DockerRunner. image defaults to a generic
// toolchain image if empty; memoryMB defaults to 1024; networkMode
// defaults to "bridge" (the agent typically needs outbound network access
// to reach the tool server and any package registries).
func NewDockerRunner(image string, memoryMB int64, networkMode, binaryPath string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "node:20-bookworm"
	}
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	return &DockerRunner{
		cli:         cli,
		image:       image,
		memoryMB:    memoryMB * 1024 * 1024,
		networkMode: networkMode,
		binaryPath:  binaryPath,
		logger:      slog.Default(),
	}, nil
}

// Run launches one invocation inside a fresh container bind-mounting
// inv.WorkDir at /workspace. The container is removed on exit regardless of
// outcome (AutoRemove), so there is no cleanup step between invocations.
func (d *DockerRunner) Run(ctx context.Context, inv Invocation, onLine LineCallback) (Result, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{d.binaryPath}, buildDockerArgs(inv, d.extraArgs)...)
	binds := []string{fmt.Sprintf("%s:/workspace", inv.WorkDir)}
	for _, dir := range inv.AddDirs {
		binds = append(binds, fmt.Sprintf("%s:%s:ro", dir, dir))
	}

	resp, err := d.cli.ContainerCreate(runCtx, &container.Config{
		Image:      d.image,
		Cmd:        args,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryMB},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       binds,
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("agentrunner: create container: %w", err)
	}
	containerID := resp.ID

	if err := d.cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("agentrunner: start container: %w", err)
	}

	var exitCode int
	statusCh, errCh := d.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return Result{}, fmt.Errorf("agentrunner: wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		_ = d.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{TimedOut: true}, ErrTimedOut
	}

	out, err := d.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{ExitCode: exitCode}, fmt.Errorf("agentrunner: container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	combined := stdoutBuf.String() + stderrBuf.String()

	if onLine != nil {
		scanner := bufio.NewScanner(strings.NewReader(combined))
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}

	return Result{
		Output:   combined,
		ExitCode: exitCode,
	}, nil
}

// buildDockerArgs mirrors SubprocessRunner.buildArgs but omits --add-dir
// (handled via read-only bind mounts instead of a host filesystem flag).
func buildDockerArgs(inv Invocation, extra []string) []string {
	var args []string
	if inv.SessionID != "" {
		args = append(args, "--resume", inv.SessionID)
	}
	if inv.ToolServerURL != "" {
		args = append(args, "--mcp-server", inv.ToolServerURL)
	}
	args = append(args, "--no-interactive")
	args = append(args, extra...)
	args = append(args, "--prompt", inv.Prompt)
	return args
}

// Close releases the underlying docker client.
func (d *DockerRunner) Close() error {
	return d.cli.Close()
}
