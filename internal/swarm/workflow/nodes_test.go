package workflow

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeforge/swarmengine/internal/swarm/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// route is one entry in a routedLLM's dispatch table: when a prompt
// contains match, respond with text. Routes are tried in order, which lets
// a test put a more specific match ahead of a catch-all.
type route struct {
	match string
	text  string
}

// routedLLM dispatches on prompt content rather than call order, so it
// behaves correctly even when reviewer and security run concurrently and
// race for "the next call".
type routedLLM struct {
	routes []route
	calls  atomic.Int64
}

func (r *routedLLM) Call(ctx context.Context, model string, contents []llm.Message, systemInstruction string, complexity llm.Complexity, maxRetries int) (string, llm.Usage, error) {
	r.calls.Add(1)
	prompt := contents[len(contents)-1].Content
	for _, rt := range r.routes {
		if strings.Contains(prompt, rt.match) {
			return rt.text, llm.Usage{PromptTokens: 1, CompletionTokens: 1}, nil
		}
	}
	return "", llm.Usage{}, nil
}

type fakeExecutor struct {
	stdout      string
	stderr      string
	unavailable bool
}

func (f *fakeExecutor) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (string, string, []Image) {
	return f.stdout, f.stderr, nil
}

func (f *fakeExecutor) ExecuteCommand(ctx context.Context, cmd string) string { return "" }

func (f *fakeExecutor) Unavailable() bool { return f.unavailable }

const (
	approveJSON = `{"status": "approve", "feedback": "looks good"}`
	safeJSON    = `{"safe": true, "issues": ""}`
)

func TestWorkflow_HappyPathSingleStep(t *testing.T) {
	llmClient := &routedLLM{routes: []route{
		{match: "Break the following", text: `["print hi"]`},
		{match: "Review this code", text: approveJSON},
		{match: "Audit this code", text: safeJSON},
		{match: "Summarize the outcome", text: "Done: printed hi"},
		{match: "Write a one-line Conventional-Commit", text: "feat: print hi"},
		{match: "", text: "```python\nprint(\"hi\")\n```"},
	}}
	sandbox := &fakeExecutor{stdout: "hi\n", stderr: ""}

	g, err := BuildGraph(Deps{LLM: llmClient, Sandbox: sandbox, ModelName: "test-model"})
	require.NoError(t, err)

	s := NewState("task-1", "print hi in python", "", nil, ModeCoder)

	var events []Event
	err = g.Run(context.Background(), s, func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	assert.Equal(t, ReviewApprove, s.ReviewStatus)
	assert.NotEmpty(t, s.FinalOutput)
	assert.Equal(t, 0, s.CurrentStepIndex)

	var sawCodeGenerated, sawFinish bool
	for _, e := range events {
		if e.Type == "code_generated" {
			sawCodeGenerated = true
		}
		if e.Type == "finish" {
			sawFinish = true
		}
	}
	assert.True(t, sawCodeGenerated)
	assert.True(t, sawFinish)
}

type failThenSucceedExecutor struct {
	calls atomic.Int64
}

func (f *failThenSucceedExecutor) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (string, string, []Image) {
	n := f.calls.Add(1)
	if n == 1 {
		return "", "Traceback (most recent call last):\nNameError: x", nil
	}
	return "fixed\n", "", nil
}

func (f *failThenSucceedExecutor) ExecuteCommand(ctx context.Context, cmd string) string { return "" }
func (f *failThenSucceedExecutor) Unavailable() bool                                      { return false }

func TestWorkflow_RetryThenSucceed(t *testing.T) {
	llmClient := &routedLLM{routes: []route{
		{match: "Break the following", text: `["fix the bug"]`},
		{match: "NameError", text: `{"status": "reject", "feedback": "NameError: x"}`},
		{match: "Review this code", text: approveJSON},
		{match: "Audit this code", text: safeJSON},
		{match: "Summarize the outcome", text: "All good now"},
		{match: "remediation strategy", text: "try again with the fix"},
		{match: "", text: "```python\nprint('fixed')\n```"},
	}}
	sandbox := &failThenSucceedExecutor{}

	g, err := BuildGraph(Deps{LLM: llmClient, Sandbox: sandbox, ModelName: "test-model"})
	require.NoError(t, err)

	s := NewState("task-2", "fix the bug", "", nil, ModeCoder)
	err = g.Run(context.Background(), s, nil)
	require.NoError(t, err)

	assert.Equal(t, ReviewApprove, s.ReviewStatus)
	assert.Equal(t, 0, s.CurrentStepIndex, "single-step plan never advances")
	assert.Equal(t, int64(2), sandbox.calls.Load(), "expected exactly one retry before success")
}

func TestWorkflow_RetryCapForcesSummarize(t *testing.T) {
	llmClient := &routedLLM{routes: []route{
		{match: "Break the following", text: `["one step"]`},
		{match: "Review this code", text: `{"status": "reject", "feedback": "still broken"}`},
		{match: "Audit this code", text: safeJSON},
		{match: "Summarize the outcome", text: "forced summary"},
		{match: "remediation strategy", text: "no luck, try again"},
		{match: "", text: "```python\nraise RuntimeError()\n```"},
	}}
	sandbox := &fakeExecutor{stdout: "", stderr: "Traceback: boom"}

	g, err := BuildGraph(Deps{LLM: llmClient, Sandbox: sandbox, ModelName: "test-model"})
	require.NoError(t, err)

	s := NewState("task-3", "always fails", "", nil, ModeCoder)
	err = g.Run(context.Background(), s, nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, s.IterationCount, perStepIterationCap+1)
	assert.Equal(t, ReviewReject, s.ReviewStatus)
	assert.NotEmpty(t, s.FinalOutput)
}

func TestWorkflow_ParallelDisjointness(t *testing.T) {
	llmClient := &routedLLM{routes: []route{
		{match: "Break the following", text: `["step"]`},
		{match: "Review this code", text: approveJSON},
		{match: "Audit this code", text: safeJSON},
		{match: "Summarize the outcome", text: "summary"},
		{match: "", text: "```python\nprint(1)\n```"},
	}}
	sandbox := &fakeExecutor{stdout: "1\n"}

	g, err := BuildGraph(Deps{LLM: llmClient, Sandbox: sandbox, ModelName: "test-model"})
	require.NoError(t, err)

	s := NewState("task-4", "print 1", "", nil, ModeCoder)
	err = g.Run(context.Background(), s, nil)
	require.NoError(t, err)

	assert.Equal(t, ReviewApprove, s.FunctionalStatus)
	assert.NotEmpty(t, s.ReviewReport)
	assert.Equal(t, "", s.SecurityFeedback)
}

func TestExecutionPassed(t *testing.T) {
	assert.True(t, executionPassed(""))
	assert.False(t, executionPassed("Traceback (most recent call last):"))
	assert.False(t, executionPassed("ValueError: bad input"))
	assert.False(t, executionPassed("[System] engine unavailable"))
	assert.True(t, executionPassed("just some warnings, nothing fatal"))
}

func TestDeclareFanOut_RejectsOverlappingFields(t *testing.T) {
	g := NewGraph("entry")
	g.AddNode("a", func(ctx context.Context, s *State) (*Patch, *Event, error) { return nil, nil, nil })
	g.AddNode("b", func(ctx context.Context, s *State) (*Patch, *Event, error) { return nil, nil, nil })

	err := g.DeclareFanOut("entry", "join", map[string][]string{
		"a": {"ReviewStatus"},
		"b": {"ReviewStatus"},
	})
	require.Error(t, err)
}
