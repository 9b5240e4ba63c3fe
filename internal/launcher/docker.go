package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ivoronin/scandog/internal/logging"
)

// Docker runs each worker in its own container. The chunk directory is
// bind-mounted read-only at the same path it has on the host, and the
// catalog directory is mounted read-write at /data, so the worker's
// database writes land in the shared catalog.
type Docker struct {
	cli    *client.Client
	image  string
	logger *log.Logger

	mu     sync.Mutex
	pulled bool
}

// NewDocker creates a Docker launcher using the environment's daemon
// configuration. The image must contain the scandog binary on PATH.
func NewDocker(img string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Docker{
		cli:    cli,
		image:  img,
		logger: logging.Get("docker"),
	}, nil
}

// Close releases the client connection. Running workers are not touched.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Start creates and starts one worker container for spec.
func (d *Docker) Start(ctx context.Context, spec Spec) (Handle, error) {
	if err := d.ensureImage(ctx); err != nil {
		return "", err
	}

	catalogDir := filepath.Dir(spec.CatalogPath)
	catalogName := filepath.Base(spec.CatalogPath)

	cfg := &container.Config{
		Image: d.image,
		Cmd: []string{
			"scandog", "walk", spec.Chunk.Path, spec.Chunk.Mount,
			"--db", "/data/" + catalogName,
			"--threads", strconv.Itoa(spec.Threads),
			"--batch-size", strconv.Itoa(spec.BatchSize),
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{
			spec.Chunk.Path + ":" + spec.Chunk.Path + ":ro",
			catalogDir + ":/data",
		},
		Resources: container.Resources{
			NanoCPUs: int64(spec.Quota.CPUs * 1e9),
			Memory:   spec.Quota.MemoryBytes,
		},
	}

	name := containerName(spec.Chunk.Path)

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	d.logger.Debug("worker started", "container", name, "chunk", spec.Chunk.Path)

	return Handle(resp.ID), nil
}

// Wait blocks until the container exits and returns its exit code. The
// container is kept around so Logs still works; Stop removes it.
func (d *Docker) Wait(ctx context.Context, h Handle) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, string(h), container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("wait container: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats takes a one-shot usage sample from the daemon.
func (d *Docker) Stats(ctx context.Context, h Handle) (Usage, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, string(h))
	if err != nil {
		return Usage{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("decode stats: %w", err)
	}

	return Usage{
		CPUPercent:  cpuPercent(&stats),
		MemoryBytes: stats.MemoryStats.Usage,
	}, nil
}

// Logs returns up to tail trailing lines of the worker's combined output.
func (d *Docker) Logs(ctx context.Context, h Handle, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, string(h), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil && err != io.EOF {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return buf.String(), nil
}

// Stop terminates and removes the container. Stopping an already exited
// container is a no-op, so Stop doubles as cleanup after Wait.
func (d *Docker) Stop(ctx context.Context, h Handle) error {
	timeout := 30
	if err := d.cli.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return d.cli.ContainerRemove(ctx, string(h), container.RemoveOptions{})
}

// ensureImage pulls the worker image once per launcher. The daemon's cache
// makes subsequent pulls cheap, but skipping them avoids log noise.
func (d *Docker) ensureImage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pulled {
		return nil
	}

	reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)

	d.pulled = true
	return nil
}

// cpuPercent computes CPU usage from the daemon's cumulative counters, the
// same way `docker stats` does.
func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	return cpuDelta / sysDelta * online * 100
}

// containerName derives a daemon-unique name from the chunk path. Docker
// names must match [a-zA-Z0-9_.-].
func containerName(chunkPath string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.TrimPrefix(chunkPath, "/"))
	if len(s) > 40 {
		s = s[len(s)-40:]
	}
	return fmt.Sprintf("scandog_%s_%d", s, time.Now().UnixNano())
}
