package sandboxregistry

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSandbox struct {
	closed bool
}

func (f *fakeSandbox) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func TestRegisterGetUnregister(t *testing.T) {
	r := New(nil)
	sb := &fakeSandbox{}

	r.Register("task-1", sb)
	got, ok := r.Get("task-1")
	require.True(t, ok)
	assert.Same(t, sb, got)

	r.Unregister(context.Background(), "task-1")
	_, ok = r.Get("task-1")
	assert.False(t, ok)
	assert.True(t, sb.closed)
}

func TestUnregister_UnknownTaskIsNoop(t *testing.T) {
	r := New(nil)
	assert.NotPanics(t, func() {
		r.Unregister(context.Background(), "never-registered")
	})
}

type fakeLister struct {
	containers []container.Summary
	removed    []string
}

func (f *fakeLister) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return f.containers, nil
}

func (f *fakeLister) ContainerRemove(ctx context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func TestCleanupAll_ClosesTrackedAndSweepsOrphans(t *testing.T) {
	r := New(nil)
	sb := &fakeSandbox{}
	r.Register("task-1", sb)

	lister := &fakeLister{
		containers: []container.Summary{
			{ID: "orphan-1", Names: []string{"/swarm_session_orphan"}},
			{ID: "unrelated", Names: []string{"/some_other_container"}},
		},
	}

	r.CleanupAll(context.Background(), lister, "swarm_session_")

	assert.True(t, sb.closed)
	_, ok := r.Get("task-1")
	assert.False(t, ok)
	assert.Equal(t, []string{"orphan-1"}, lister.removed)
}
