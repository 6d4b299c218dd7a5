package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	pingErr       error
	existing      []container.Summary
	created       string
	execStdout    string
	execStderr    string
	execExitCode  int
	execErr       error
	copyFromErr   error
	removed       []string
	execCommands  [][]string
}

func (f *fakeEngine) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return f.existing, nil
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error) {
	f.created = name
	return "container-1", nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, containerID string) error { return nil }

func (f *fakeEngine) ContainerRemove(ctx context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeEngine) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error {
	return nil
}

func (f *fakeEngine) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	if f.copyFromErr != nil {
		return nil, f.copyFromErr
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	_ = tw.WriteHeader(&tar.Header{Name: "plot.png", Size: 4})
	_, _ = tw.Write([]byte("png!"))
	_ = tw.Close()
	return io.NopCloser(buf), nil
}

func (f *fakeEngine) ContainerExec(ctx context.Context, containerID string, cmd []string) (string, string, int, error) {
	f.execCommands = append(f.execCommands, cmd)
	return f.execStdout, f.execStderr, f.execExitCode, f.execErr
}

func TestStart_DegradedModeWhenEngineUnreachable(t *testing.T) {
	engine := &fakeEngine{pingErr: errors.New("connection refused")}
	sb := Start(context.Background(), "task-1", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-1"}, nil)

	assert.True(t, sb.Unavailable())

	stdout, stderr, images := sb.ExecuteCode(context.Background(), "print(1)", 0)
	assert.Empty(t, stdout)
	assert.Equal(t, unavailableMarker, stderr)
	assert.Nil(t, images)
}

func TestStart_CreatesNewContainer(t *testing.T) {
	engine := &fakeEngine{}
	sb := Start(context.Background(), "task-2", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-2"}, nil)

	require.False(t, sb.Unavailable())
	assert.Equal(t, "swarm_session_task-2", engine.created)
}

func TestStart_AdoptsExistingContainer(t *testing.T) {
	engine := &fakeEngine{existing: []container.Summary{{ID: "existing-id"}}}
	sb := Start(context.Background(), "task-3", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-3"}, nil)

	require.False(t, sb.Unavailable())
	assert.Equal(t, "existing-id", sb.containerID)
	assert.Empty(t, engine.created)
}

func TestExecuteCode_SuccessfulRun(t *testing.T) {
	engine := &fakeEngine{execStdout: "hi\n", execStderr: ""}
	sb := Start(context.Background(), "task-4", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-4"}, nil)

	stdout, stderr, images := sb.ExecuteCode(context.Background(), "print('hi')", 0)
	assert.Equal(t, "hi\n", stdout)
	assert.Empty(t, stderr)
	assert.Empty(t, images)
}

func TestExecuteCode_TimeoutAppendsMarker(t *testing.T) {
	engine := &fakeEngine{execExitCode: timeoutExitCode}
	sb := Start(context.Background(), "task-5", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-5"}, nil)

	_, stderr, _ := sb.ExecuteCode(context.Background(), "while True: pass", 0)
	assert.Contains(t, stderr, "timed out")
}

func TestExecuteCode_OutputTruncated(t *testing.T) {
	huge := make([]byte, maxOutputBytes+1000)
	for i := range huge {
		huge[i] = 'a'
	}
	engine := &fakeEngine{execStdout: string(huge)}
	sb := Start(context.Background(), "task-6", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-6"}, nil)

	stdout, _, _ := sb.ExecuteCode(context.Background(), "print('x'*100000)", 0)
	assert.LessOrEqual(t, len(stdout), maxOutputBytes+len(truncationMarker))
	assert.Contains(t, stdout, "truncated")
}

func TestExecuteCode_PlottingCodeExtractsImage(t *testing.T) {
	engine := &fakeEngine{execStdout: "plot saved\n"}
	sb := Start(context.Background(), "task-7", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-7"}, nil)

	code := "import matplotlib.pyplot as plt\nplt.plot([1,2,3])\n"
	_, _, images := sb.ExecuteCode(context.Background(), code, 0)
	require.Len(t, images, 1)
	assert.Contains(t, images[0].DataURI, "data:image/png;base64,")
}

func TestClose_RemovesContainer(t *testing.T) {
	engine := &fakeEngine{}
	sb := Start(context.Background(), "task-8", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-8"}, nil)

	require.NoError(t, sb.Close(context.Background()))
	assert.Equal(t, []string{"container-1"}, engine.removed)
}

func TestExecuteCommand_Degraded(t *testing.T) {
	engine := &fakeEngine{pingErr: errors.New("down")}
	sb := Start(context.Background(), "task-9", engine, Config{Image: "python:3.11-slim", ContainerName: "swarm_session_task-9"}, nil)

	out := sb.ExecuteCommand(context.Background(), "python3 -m py_compile script.py")
	assert.Equal(t, unavailableMarker, out)
}
