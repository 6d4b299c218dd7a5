// Package sandbox implements one isolated, resource-limited container per
// task: a read-only workspace mount, a writable scratch area, and timeout-
// bounded code execution with output truncation and image-artifact
// extraction. It is backed by the Docker Engine API.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// unavailableMarker is the explicit, propagated stderr marker used when
	// the container engine cannot be reached. Execution must never be
	// silently treated as passing when this marker is present.
	unavailableMarker = "[System] engine unavailable"

	scratchDir         = "/tmp"
	workspaceMount     = "/workspace"
	maxOutputBytes     = 50 * 1024
	truncationMarker   = "\n...[truncated]..."
	defaultExecTimeout = 30 * time.Second
	timeoutExitCode    = 124

	memoryLimitBytes = 512 * 1024 * 1024
	nanoCPUs         = 500_000_000 // 0.5 core
)

var plottingImportPattern = regexp.MustCompile(`(?m)^\s*(import|from)\s+matplotlib`)

// Engine is the subset of the Docker client this package depends on,
// narrowed to an interface so tests can substitute a fake instead of talking
// to a real daemon.
type Engine interface {
	Ping(ctx context.Context) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error)
	ContainerStart(ctx context.Context, containerID string) error
	ContainerRemove(ctx context.Context, containerID string) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)
	ContainerExec(ctx context.Context, containerID string, cmd []string) (stdout, stderr string, exitCode int, err error)
}

// Sandbox is the per-task container session.
type Sandbox struct {
	taskID        string
	containerName string
	engine        Engine
	logger        *slog.Logger

	mu          sync.Mutex
	containerID string
	unavailable bool
}

// Config configures sandbox creation.
type Config struct {
	Image         string
	ContainerName string
	WorkspaceRoot string
}

// Start creates (or adopts, if a container of the same canonical name
// already exists) the task's container. If the engine cannot be reached at
// all, the sandbox is marked unavailable instead of failing: degraded mode
// is an explicit, propagated state, never a silent success.
func Start(ctx context.Context, taskID string, engine Engine, cfg Config, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	sb := &Sandbox{
		taskID:        taskID,
		containerName: cfg.ContainerName,
		engine:        engine,
		logger:        logger,
	}

	if err := engine.Ping(ctx); err != nil {
		logger.Warn("sandbox engine unavailable", "task_id", taskID, "error", err)
		sb.unavailable = true
		return sb
	}

	if existing, ok := findExisting(ctx, engine, cfg.ContainerName); ok {
		sb.containerID = existing
		if err := engine.ContainerStart(ctx, existing); err != nil {
			logger.Warn("sandbox resume start failed", "task_id", taskID, "error", err)
		}
		return sb
	}

	id, err := createContainer(ctx, engine, cfg)
	if err != nil {
		logger.Warn("sandbox create failed", "task_id", taskID, "error", err)
		sb.unavailable = true
		return sb
	}
	sb.containerID = id
	return sb
}

func findExisting(ctx context.Context, engine Engine, name string) (string, bool) {
	list, err := engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil || len(list) == 0 {
		return "", false
	}
	return list[0].ID, true
}

func createContainer(ctx context.Context, engine Engine, cfg Config) (string, error) {
	mounts := []mount.Mount{}
	if info, err := os.Stat(cfg.WorkspaceRoot); err == nil && info.IsDir() {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   cfg.WorkspaceRoot,
			Target:   workspaceMount,
			ReadOnly: true,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Entrypoint: []string{"tail", "-f", "/dev/null"},
		Tty:        true,
		WorkingDir: scratchDir,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   memoryLimitBytes,
			NanoCPUs: nanoCPUs,
		},
	}

	id, err := engine.ContainerCreate(ctx, containerCfg, hostCfg, cfg.ContainerName)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := engine.ContainerStart(ctx, id); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return id, nil
}

// Unavailable reports whether the sandbox could not reach the container
// engine. Callers must check this explicitly rather than inferring success
// from an empty stderr.
func (s *Sandbox) Unavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable
}

// ImageArtifact is a produced plot or screenshot, base64-encoded as a data
// URI ready to attach to an event or a review prompt.
type ImageArtifact struct {
	Filename string
	DataURI  string
}

// ExecuteCode writes code to the scratch directory, runs it under a
// timeout, and returns truncated stdout/stderr plus any image artifacts the
// run produced.
func (s *Sandbox) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (stdout, stderr string, images []ImageArtifact) {
	if s.Unavailable() {
		return "", unavailableMarker, nil
	}
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	runID := newRunID()
	scriptPath := fmt.Sprintf("%s/script_%s.py", scratchDir, runID)
	plotPath := fmt.Sprintf("%s/plot_%s.png", scratchDir, runID)

	source := code
	plotting := plottingImportPattern.MatchString(code)
	if plotting {
		source = withPlotFooter(code, plotPath)
	}

	if err := s.writeFile(ctx, scriptPath, source); err != nil {
		return "", fmt.Sprintf("[System] failed to stage script: %v", err), nil
	}

	cmd := []string{"timeout", fmt.Sprintf("%d", int(timeout.Seconds())), "python3", scriptPath}
	rawStdout, rawStderr, exitCode, err := s.engine.ContainerExec(ctx, s.containerID, cmd)
	if err != nil {
		return "", fmt.Sprintf("[System] exec failed: %v", err), nil
	}
	if exitCode == timeoutExitCode {
		rawStderr += fmt.Sprintf("\n[System] execution timed out after %s", timeout)
	}

	if plotting {
		if img, ok := s.extractImage(ctx, plotPath, runID); ok {
			images = append(images, img)
		}
	}

	s.cleanupRun(ctx, scriptPath, plotPath)

	return truncate(rawStdout), truncate(rawStderr), images
}

// ExecuteCommand runs an opaque shell command in the scratch directory,
// used for linting and package operations.
func (s *Sandbox) ExecuteCommand(ctx context.Context, cmd string) string {
	if s.Unavailable() {
		return unavailableMarker
	}
	stdout, stderr, _, err := s.engine.ContainerExec(ctx, s.containerID, []string{"sh", "-c", cmd})
	if err != nil {
		return fmt.Sprintf("[System] exec failed: %v", err)
	}
	if stderr != "" {
		return truncate(stdout + "\n" + stderr)
	}
	return truncate(stdout)
}

// Close force-removes the container.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return s.engine.ContainerRemove(ctx, id)
}

func (s *Sandbox) writeFile(ctx context.Context, path, content string) error {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	name := strings.TrimPrefix(path, scratchDir+"/")
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(content)),
	}); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return s.engine.CopyToContainer(ctx, s.containerID, scratchDir, buf)
}

func (s *Sandbox) extractImage(ctx context.Context, plotPath, runID string) (ImageArtifact, bool) {
	reader, err := s.engine.CopyFromContainer(ctx, s.containerID, plotPath)
	if err != nil {
		return ImageArtifact{}, false
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	hdr, err := tr.Next()
	if err != nil {
		return ImageArtifact{}, false
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return ImageArtifact{}, false
	}
	_ = hdr

	encoded := base64.StdEncoding.EncodeToString(data)
	return ImageArtifact{
		Filename: fmt.Sprintf("plot_%s.png", runID),
		DataURI:  "data:image/png;base64," + encoded,
	}, true
}

func (s *Sandbox) cleanupRun(ctx context.Context, paths ...string) {
	cmd := append([]string{"rm", "-f"}, paths...)
	_, _, _, _ = s.engine.ContainerExec(ctx, s.containerID, cmd)
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + truncationMarker
}

func withPlotFooter(code, plotPath string) string {
	preamble := "import matplotlib\nmatplotlib.use('Agg')\n"
	footer := fmt.Sprintf("\nimport matplotlib.pyplot as _plt\nif _plt.get_fignums():\n    _plt.savefig(%q)\n", plotPath)
	return preamble + code + footer
}

var runIDCounter = struct {
	mu sync.Mutex
	n  int
}{}

// newRunID generates a short, monotonically increasing identifier for one
// ExecuteCode invocation's temporary files. It deliberately avoids
// time-based or random identifiers so sandbox behavior stays deterministic
// under test.
func newRunID() string {
	runIDCounter.mu.Lock()
	defer runIDCounter.mu.Unlock()
	runIDCounter.n++
	return fmt.Sprintf("%d", runIDCounter.n)
}

// NewEngine builds a Docker-backed Engine from the ambient docker context
// (DOCKER_HOST, TLS config, etc.), matching the daemon connection the
// operator already has configured.
func NewEngine() (Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

type dockerEngine struct {
	cli *client.Client
}

func (d *dockerEngine) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *dockerEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return d.cli.ContainerList(ctx, options)
}

func (d *dockerEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerEngine) ContainerStart(ctx context.Context, containerID string) error {
	return d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *dockerEngine) ContainerRemove(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (d *dockerEngine) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error {
	return d.cli.CopyToContainer(ctx, containerID, dstPath, content, container.CopyToContainerOptions{})
}

func (d *dockerEngine) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, containerID, srcPath)
	return reader, err
}

func (d *dockerEngine) ContainerExec(ctx context.Context, containerID string, cmd []string) (string, string, int, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", "", 0, err
	}
	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, err
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return "", "", 0, err
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), stderr.String(), 0, err
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}
