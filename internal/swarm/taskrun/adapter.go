package taskrun

import (
	"context"
	"time"

	"github.com/codeforge/swarmengine/internal/swarm/sandbox"
	"github.com/codeforge/swarmengine/internal/swarm/telemetry"
	"github.com/codeforge/swarmengine/internal/swarm/workflow"
)

// sandboxAdapter narrows a *sandbox.Sandbox to workflow.Executor, converting
// sandbox.ImageArtifact to workflow.Image at the boundary so the two
// packages stay independently importable.
type sandboxAdapter struct {
	sb      *sandbox.Sandbox
	metrics *telemetry.Metrics
}

func (a *sandboxAdapter) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (string, string, []workflow.Image) {
	start := time.Now()
	stdout, stderr, artifacts := a.sb.ExecuteCode(ctx, code, timeout)
	if a.metrics != nil {
		a.metrics.RecordSandboxExec("code", time.Since(start))
	}
	images := make([]workflow.Image, len(artifacts))
	for i, img := range artifacts {
		images[i] = workflow.Image{Filename: img.Filename, DataURI: img.DataURI}
	}
	return stdout, stderr, images
}

func (a *sandboxAdapter) ExecuteCommand(ctx context.Context, cmd string) string {
	start := time.Now()
	out := a.sb.ExecuteCommand(ctx, cmd)
	if a.metrics != nil {
		a.metrics.RecordSandboxExec("command", time.Since(start))
	}
	return out
}

func (a *sandboxAdapter) Unavailable() bool {
	return a.sb.Unavailable()
}
