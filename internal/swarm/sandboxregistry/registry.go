// Package sandboxregistry tracks the process-wide mapping from task id to
// the sandbox executing that task, and provides a shutdown hook that forces
// every tracked container closed and sweeps orphans left by a previous hard
// crash.
package sandboxregistry

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// Sandbox is the subset of sandbox.Sandbox the registry needs. Declaring it
// here (instead of importing the sandbox package's concrete type) keeps the
// registry usable in isolation and in tests.
type Sandbox interface {
	Close(ctx context.Context) error
}

// Registry is a mutex-guarded TaskId→Sandbox map.
type Registry struct {
	mu        sync.Mutex
	sandboxes map[string]Sandbox
	logger    *slog.Logger
}

// New constructs an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sandboxes: make(map[string]Sandbox),
		logger:    logger,
	}
}

// Register associates a sandbox with a task id.
func (r *Registry) Register(taskID string, sb Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sandboxes[taskID] = sb
}

// Get returns the sandbox for a task id, if any.
func (r *Registry) Get(taskID string) (Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[taskID]
	return sb, ok
}

// Unregister closes the sandbox for taskID, if present, and removes it from
// the map regardless of whether Close succeeded.
func (r *Registry) Unregister(ctx context.Context, taskID string) {
	r.mu.Lock()
	sb, ok := r.sandboxes[taskID]
	delete(r.sandboxes, taskID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := sb.Close(ctx); err != nil {
		r.logger.Warn("sandbox close failed", "task_id", taskID, "error", err)
	}
}

// ContainerNamePrefixLister is the narrow Docker client surface the orphan
// sweep needs: list and force-remove containers whose name matches the
// canonical prefix.
type ContainerNamePrefixLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string) error
}

// CleanupAll closes every tracked sandbox (the process-exit hook) and then
// force-removes any container whose name matches namePrefix that the
// registry did not itself know about — defending against orphans left by a
// previous hard crash of this process.
func (r *Registry) CleanupAll(ctx context.Context, engine ContainerNamePrefixLister, namePrefix string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sandboxes))
	for id := range r.sandboxes {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(ctx, id)
	}

	if engine == nil {
		return
	}
	containers, err := engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		r.logger.Warn("orphan sweep list failed", "error", err)
		return
	}
	for _, c := range containers {
		if !hasPrefixedName(c.Names, namePrefix) {
			continue
		}
		if err := engine.ContainerRemove(ctx, c.ID); err != nil {
			r.logger.Warn("orphan sweep remove failed", "container_id", c.ID, "error", err)
		}
	}
}

func hasPrefixedName(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), prefix) {
			return true
		}
	}
	return false
}
