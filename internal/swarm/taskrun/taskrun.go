// Package taskrun is the task runtime: it admits tasks through a concurrency
// gate, starts and registers a sandbox per task, drives the workflow graph in
// the background, and fans the graph's events out through a per-task queue
// for the HTTP layer's SSE handler to drain. It also owns the two background
// loops that keep the process honest over a long run: a parent-liveness
// monitor (the "suicide pact") and a stale-stream sweeper.
package taskrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge/swarmengine/internal/swarm/llm"
	"github.com/codeforge/swarmengine/internal/swarm/sandbox"
	"github.com/codeforge/swarmengine/internal/swarm/sandboxregistry"
	"github.com/codeforge/swarmengine/internal/swarm/telemetry"
	"github.com/codeforge/swarmengine/internal/swarm/workflow"
)

// ErrAdmissionRefused is returned by StartTask when the concurrency gate is
// full. Callers surface this as HTTP 503; the engine never retries on the
// caller's behalf.
var ErrAdmissionRefused = errors.New("taskrun: admission refused, engine at capacity")

// ErrTaskNotFound is returned by PullEvent for a task id the runtime has no
// queue for, whether because it never existed or because it has already been
// swept.
var ErrTaskNotFound = errors.New("taskrun: unknown task id")

const containerNamePrefix = "swarmengine_sandbox"

func containerName(taskID string) string {
	return fmt.Sprintf("%s_%s", containerNamePrefix, taskID)
}

// StartTaskRequest is the admission-time input for one task.
type StartTaskRequest struct {
	UserInput     string
	WorkspaceRoot string
	FileContext   *workflow.FileContext
	Mode          workflow.Mode
}

// Runtime is the process-wide task admission gate, sandbox registry, and
// event-queue table.
type Runtime struct {
	cfg     Config
	engine  sandbox.Engine
	llm     *llm.Client
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	registry *sandboxregistry.Registry
	sem      *semaphore

	mu     sync.Mutex
	queues map[string]*eventQueue

	stopSweeper  func()
	stopLiveness func()
}

// Config is the subset of engine configuration the runtime needs, kept
// narrow so this package doesn't import config directly.
type Config struct {
	ModelName          string
	SandboxImage       string
	MaxConcurrentTasks int
	SweepSchedule      string
	HostPID            int
	Metrics            *telemetry.Metrics
	Tracer             *telemetry.Tracer
}

// New constructs a Runtime. It does not start the liveness monitor or
// sweeper — call Start for that once the HTTP surface is also ready to
// serve, so a crash during construction doesn't leave background loops
// running with no server behind them.
func New(cfg Config, engine sandbox.Engine, llmClient *llm.Client, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.MaxConcurrentTasks
	if capacity <= 0 {
		capacity = 1
	}
	return &Runtime{
		cfg:      cfg,
		engine:   engine,
		llm:      llmClient,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		registry: sandboxregistry.New(logger),
		sem:      newSemaphore(capacity),
		queues:   make(map[string]*eventQueue),
	}
}

// Start launches the background liveness monitor and stale-stream sweeper.
// ctx governs both loops' lifetime.
func (r *Runtime) Start(ctx context.Context) {
	r.stopLiveness = r.startLivenessMonitor(ctx)
	r.stopSweeper = r.startSweeper(ctx)
}

// Stop tears down the background loops and force-cleans every tracked
// sandbox plus any orphaned container matching the engine's naming prefix.
func (r *Runtime) Stop(ctx context.Context) {
	if r.stopSweeper != nil {
		r.stopSweeper()
	}
	if r.stopLiveness != nil {
		r.stopLiveness()
	}
	r.registry.CleanupAll(ctx, asLister(r.engine), containerNamePrefix)
}

// asLister narrows Engine down to the ContainerNamePrefixLister shape
// CleanupAll wants. Every sandbox.Engine has both methods, so the result is
// nil only when engine itself is nil.
func asLister(engine sandbox.Engine) sandboxregistry.ContainerNamePrefixLister {
	lister, ok := engine.(sandboxregistry.ContainerNamePrefixLister)
	if !ok {
		return nil
	}
	return lister
}

// StartTask admits a task if the concurrency gate has room, creates its
// sandbox and event queue, and launches the workflow in the background. It
// returns the generated task id immediately; the caller does not block on
// task completion.
func (r *Runtime) StartTask(ctx context.Context, req StartTaskRequest) (string, error) {
	if !r.sem.tryAcquire() {
		return "", ErrAdmissionRefused
	}

	taskID := uuid.NewString()
	q := newEventQueue()

	r.mu.Lock()
	r.queues[taskID] = q
	r.mu.Unlock()

	go r.runTask(taskID, req, q)

	return taskID, nil
}

func (r *Runtime) runTask(taskID string, req StartTaskRequest, q *eventQueue) {
	defer r.sem.release()
	defer q.close()
	if r.metrics != nil {
		defer r.metrics.DeleteEventQueueDepth(taskID)
	}

	ctx := context.Background()
	logger := r.logger.With("task_id", taskID)

	sb := sandbox.Start(ctx, taskID, r.engine, sandbox.Config{
		Image:         r.cfg.SandboxImage,
		ContainerName: containerName(taskID),
		WorkspaceRoot: req.WorkspaceRoot,
	}, logger)
	if r.metrics != nil {
		r.metrics.RecordSandboxStart(sb.Unavailable())
	}
	r.registry.Register(taskID, sb)
	defer r.registry.Unregister(ctx, taskID)

	g, err := workflow.BuildGraph(workflow.Deps{
		LLM:       r.llm,
		Sandbox:   &sandboxAdapter{sb: sb, metrics: r.metrics},
		ModelName: r.cfg.ModelName,
		Metrics:   r.metrics,
		Tracer:    r.tracer,
	})
	if err != nil {
		logger.Error("build graph failed", "error", err)
		q.push(workflow.Event{Type: "error", Data: map[string]any{"error": err.Error()}})
		q.push(workflow.Event{Type: "finish", Data: map[string]any{"finalOutput": ""}})
		r.recordOutcome("error")
		return
	}

	state := workflow.NewState(taskID, req.UserInput, req.WorkspaceRoot, req.FileContext, req.Mode)

	if err := g.Run(ctx, state, r.observe(taskID, q)); err != nil {
		logger.Warn("workflow run failed", "error", err)
		q.push(workflow.Event{Type: "error", Data: map[string]any{"error": err.Error()}})
		q.push(workflow.Event{Type: "finish", Data: map[string]any{"finalOutput": state.FinalOutput}})
		r.recordOutcome("error")
		return
	}
	r.recordOutcome("completed")
}

// observe wraps q.push so every event updates the backlog gauge alongside
// the queue itself.
func (r *Runtime) observe(taskID string, q *eventQueue) func(workflow.Event) {
	return func(e workflow.Event) {
		q.push(e)
		if r.metrics != nil {
			r.metrics.SetEventQueueDepth(taskID, q.depth())
		}
	}
}

func (r *Runtime) recordOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.TaskFinished(outcome)
	}
}

// PullResult is the outcome of one PullEvent call.
type PullResult int

const (
	// PullGotEvent means Event is populated.
	PullGotEvent PullResult = iota
	// PullTimeout means no event arrived within the requested window; the
	// stream is still open and the caller should poll again.
	PullTimeout
	// PullEnded means the stream has closed and every buffered event has
	// already been delivered; the caller should stop polling.
	PullEnded
)

// PullEvent waits up to timeout for the next event on taskID's queue.
func (r *Runtime) PullEvent(ctx context.Context, taskID string, timeout time.Duration) (workflow.Event, PullResult, error) {
	r.mu.Lock()
	q, ok := r.queues[taskID]
	r.mu.Unlock()
	if !ok {
		return workflow.Event{}, PullEnded, ErrTaskNotFound
	}
	event, result := q.pull(ctx, timeout)
	if result == PullEnded {
		r.mu.Lock()
		delete(r.queues, taskID)
		r.mu.Unlock()
	}
	return event, result, nil
}
