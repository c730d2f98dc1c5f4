package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// timeoutExitCode is what coreutils timeout returns when it kills the child.
const timeoutExitCode = 124

// DockerConfig configures the container sandbox backend.
type DockerConfig struct {
	Image       string
	RunTimeout  time.Duration
	MemoryBytes int64
	CPUQuota    int64
	OutputLimit int
}

// DockerBackend runs Python source in a throwaway container on the local
// Docker daemon.
type DockerBackend struct {
	cli *client.Client
	cfg DockerConfig
	log zerolog.Logger
}

// NewDockerBackend connects to the daemon from the environment and pulls the
// image so the first run is not slowed by the download.
func NewDockerBackend(ctx context.Context, cfg DockerConfig, log zerolog.Logger) (*DockerBackend, error) {
	if cfg.Image == "" {
		cfg.Image = "python:3.12-slim"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Second
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = 256 * 1024 * 1024
	}
	if cfg.CPUQuota <= 0 {
		cfg.CPUQuota = 100000
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 8192
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	b := &DockerBackend{cli: cli, cfg: cfg, log: log.With().Str("component", "docker_backend").Logger()}
	if err := b.pullImage(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the daemon connection.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// The pull stream must be drained fully or the daemon aborts the download.
func (b *DockerBackend) pullImage(ctx context.Context) error {
	b.log.Info().Str("image", b.cfg.Image).Msg("Pulling sandbox image")
	out, err := b.cli.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", b.cfg.Image, err)
	}
	defer out.Close()
	if _, err := io.Copy(io.Discard, out); err != nil {
		b.log.Warn().Err(err).Msg("Error reading image pull stream")
	}
	return nil
}

// Run implements Backend.
func (b *DockerBackend) Run(ctx context.Context, source string) (*model.ExecutionResult, error) {
	dir, err := os.MkdirTemp("", "proctor-py-")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	secs := int(b.cfg.RunTimeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	cmd := fmt.Sprintf("timeout --foreground %ds python3 main.py", secs)

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:           b.cfg.Image,
		WorkingDir:      "/workdir",
		Cmd:             []string{"sh", "-c", cmd},
		NetworkDisabled: true,
	}, &container.HostConfig{
		Binds: []string{dir + ":/workdir:ro"},
		Resources: container.Resources{
			Memory:   b.cfg.MemoryBytes,
			CPUQuota: b.cfg.CPUQuota,
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			b.log.Warn().Err(err).Str("container_id", resp.ID).Msg("Failed to remove container")
		}
	}()

	attach, err := b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.RunTimeout+10*time.Second)
	defer cancel()

	okCh, errCh := b.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("wait container: %w", err)
	case data := <-okCh:
		var stdout, stderr bytes.Buffer
		if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
			b.log.Warn().Err(err).Msg("stdcopy error")
		}

		res := &model.ExecutionResult{
			Stdout:     truncate(stdout.String(), b.cfg.OutputLimit),
			Stderr:     truncate(stderr.String(), b.cfg.OutputLimit),
			DurationMs: b.runTime(ctx, resp.ID),
		}
		res.Error = exitError(data.StatusCode, res.Stderr)
		return res, nil
	}
}

func (b *DockerBackend) runTime(ctx context.Context, id string) int64 {
	inspect, err := b.cli.ContainerInspect(ctx, id)
	if err != nil || inspect.ContainerJSONBase == nil || inspect.State == nil {
		return 0
	}
	started, err := dateparse.ParseAny(inspect.State.StartedAt)
	if err != nil {
		return 0
	}
	finished, err := dateparse.ParseAny(inspect.State.FinishedAt)
	if err != nil {
		return 0
	}
	return finished.Sub(started).Milliseconds()
}

// exitError maps a container exit status to an execution error.
func exitError(code int64, stderr string) *model.ExecutionError {
	switch code {
	case 0:
		return nil
	case timeoutExitCode:
		return &model.ExecutionError{Kind: model.ExecErrTimeout, Message: "time limit exceeded"}
	default:
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("process exited with code %d", code)
		}
		return &model.ExecutionError{Kind: model.ExecErrRuntime, Message: msg}
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... output truncated"
}
