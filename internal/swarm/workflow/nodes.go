package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/codeforge/swarmengine/internal/swarm/llm"
	"github.com/codeforge/swarmengine/internal/swarm/telemetry"
	"github.com/codeforge/swarmengine/internal/swarm/toolcall"
)

const (
	perStepIterationCap = 5
	historyWindow        = 10
	fileContextLimit     = 10 * 1024
	feedbackTruncateLimit = 2 * 1024

	fallbackPlanStep = "Execute user request directly."

	pendingToolCallStdout = "[Waiting for Client Tool Execution]"
	truncationSuffix      = "\n...[truncated]..."

	NodePlanner    = "planner"
	NodeCoder      = "coder"
	NodeExecutor   = "executor"
	NodeReviewer   = "reviewer"
	NodeSecurity   = "security"
	NodeAggregator = "aggregator"
	NodeReflector  = "reflector"
	NodeStepManager = "step_manager"
	NodeSummarizer = "summarizer"
)

var localhostURLPattern = regexp.MustCompile(`http://(localhost|127\.0\.0\.1|0\.0\.0\.0):\d+`)

// Completer is the narrow LLM surface nodes need.
type Completer interface {
	Call(ctx context.Context, model string, contents []llm.Message, systemInstruction string, complexity llm.Complexity, maxRetries int) (string, llm.Usage, error)
}

// Executor is the narrow sandbox surface nodes need.
type Executor interface {
	ExecuteCode(ctx context.Context, code string, timeout time.Duration) (stdout, stderr string, images []Image)
	ExecuteCommand(ctx context.Context, cmd string) string
	Unavailable() bool
}

// Image mirrors sandbox.ImageArtifact without importing the sandbox package
// from workflow, keeping the dependency direction one-way (callers adapt
// their sandbox to this shape).
type Image struct {
	Filename string
	DataURI  string
}

// Deps bundles the collaborators every node needs.
type Deps struct {
	LLM       Completer
	Sandbox   Executor
	ModelName string

	// Metrics and Tracer are optional; a nil value just means BuildGraph's
	// result runs without recording anything.
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// BuildGraph assembles the full plan→code→execute→review→reflect/advance→
// summarize graph, wired to deps.
func BuildGraph(deps Deps) (*Graph, error) {
	g := NewGraph(NodePlanner)

	g.AddNode(NodePlanner, plannerNode(deps))
	g.AddNode(NodeCoder, coderNode(deps))
	g.AddNode(NodeExecutor, executorNode(deps))
	g.AddNode(NodeReviewer, reviewerNode(deps))
	g.AddNode(NodeSecurity, securityNode(deps))
	g.AddNode(NodeAggregator, aggregatorNode())
	g.AddNode(NodeReflector, reflectorNode(deps))
	g.AddNode(NodeStepManager, stepManagerNode())
	g.AddNode(NodeSummarizer, summarizerNode(deps))

	g.AddEdge(NodePlanner, NodeCoder)
	g.AddEdge(NodeCoder, NodeExecutor)

	if err := g.DeclareFanOut(NodeExecutor, NodeAggregator, map[string][]string{
		NodeReviewer: {"FunctionalStatus", "FunctionalFeedback", "ReviewReport"},
		NodeSecurity: {"SecurityFeedback"},
	}); err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	g.AddConditionalEdge(NodeAggregator, routeAfterAggregate)

	g.AddEdge(NodeReflector, NodeCoder)
	g.AddEdge(NodeStepManager, NodeCoder)

	g.SetObservability(deps.Metrics, deps.Tracer)

	return g, nil
}

// plannerNode produces an ordered plan from the user's request, falling
// back to a single catch-all step if the model's output doesn't yield a
// usable sequence.
func plannerNode(deps Deps) NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		prompt := fmt.Sprintf(
			"Break the following coding request into an ordered list of concrete steps. "+
				"Respond with a JSON array of strings only.\n\nRequest: %s", s.UserInput)

		text, usage, err := deps.LLM.Call(ctx, deps.ModelName, []llm.Message{{Role: "user", Content: prompt}}, "", llm.ComplexityComplex, 0)
		plan := fallbackPlan()
		if err == nil {
			if parsed, ok := extractPlan(text); ok {
				plan = parsed
			}
		}

		zero := 0
		return &Patch{
			Plan:                  &plan,
			CurrentStepIndex:      &zero,
			CostDeltaInputTokens:  usage.PromptTokens,
			CostDeltaOutputTokens: usage.CompletionTokens,
		}, nil, nil
	}
}

func fallbackPlan() []string {
	return []string{fallbackPlanStep}
}

func extractPlan(text string) ([]string, bool) {
	v, ok := toolcall.ExtractJSON(text)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	plan := make([]string, 0, len(arr))
	for _, item := range arr {
		step, ok := item.(string)
		if !ok || strings.TrimSpace(step) == "" {
			continue
		}
		plan = append(plan, step)
	}
	if len(plan) == 0 {
		return nil, false
	}
	return plan, true
}

// coderNode constructs a focused prompt for the current step and asks the
// model for either a tool call or a fenced code block.
func coderNode(deps Deps) NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		prompt := buildCoderPrompt(s)

		history := recentHistory(s.FullChatHistory, historyWindow)
		messages := append(history, llm.Message{Role: "user", Content: prompt})

		text, usage, err := deps.LLM.Call(ctx, deps.ModelName, messages, "", llm.ComplexityComplex, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("coder: %w", err)
		}

		patch := &Patch{
			ChatHistoryAppend: []ChatTurn{
				{Role: "user", Content: prompt},
				{Role: "model", Content: text},
			},
			IterationCount:        intPtr(s.IterationCount + 1),
			Reflection:            strPtr(""),
			LinterPassed:          boolPtr(true),
			CostDeltaInputTokens:  usage.PromptTokens,
			CostDeltaOutputTokens: usage.CompletionTokens,
		}

		var event *Event
		if call, ok := toolcall.ParseToolCall(text); ok {
			patch.Artifacts = map[string]any{"pendingToolCall": call}
			event = &Event{Type: "tool_proposal", Data: map[string]any{"tool": string(call.Tool), "params": call.Params}}
		} else if code, ok := extractCodeBlock(text); ok {
			patch.GeneratedCode = &code
			patch.CodeBlocks = map[string]string{"generated": code}
			event = &Event{Type: "code_generated", Data: map[string]any{"code": code}}
		}

		return patch, event, nil
	}
}

func buildCoderPrompt(s *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", s.UserInput)
	if step := s.CurrentStep(); step != "" {
		fmt.Fprintf(&b, "Current step: %s\n", step)
	}
	if s.RepoMap != "" {
		fmt.Fprintf(&b, "Repository map:\n%s\n", s.RepoMap)
	}
	if s.FileContext != nil {
		fmt.Fprintf(&b, "File %s:\n%s\n", s.FileContext.Filename, truncateWithMarker(s.FileContext.Content, fileContextLimit))
	}
	if s.Reflection != "" {
		fmt.Fprintf(&b, "Remediation guidance from a previous attempt: %s\n", s.Reflection)
	}
	if s.ReviewFeedback != "" {
		fmt.Fprintf(&b, "Review feedback to address: %s\n", s.ReviewFeedback)
	}
	return b.String()
}

func recentHistory(history []ChatTurn, n int) []llm.Message {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	messages := make([]llm.Message, 0, len(history))
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

var (
	fencedLangBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9]+\\s*(.*?)\\s*```")
	fencedAnyCode   = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

func extractCodeBlock(text string) (string, bool) {
	if m := fencedLangBlock.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := fencedAnyCode.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}

func truncateWithMarker(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncationSuffix
}

// executorNode runs the generated code in the sandbox, unless the coder
// instead proposed a client-side tool call, in which case execution is
// skipped entirely.
func executorNode(deps Deps) NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		if _, pending := s.Artifacts["pendingToolCall"]; pending {
			stdout := pendingToolCallStdout
			return &Patch{
				ExecutionStdout: &stdout,
				ExecutionPassed: boolPtr(true),
			}, nil, nil
		}

		code := s.GeneratedCode
		if needsLint(code) {
			lintOutput := deps.Sandbox.ExecuteCommand(ctx, "python3 -m py_compile "+stagedLintPath(s.TaskID))
			if lintFailed(lintOutput) {
				return &Patch{LinterPassed: boolPtr(false)}, nil, nil
			}
		}

		stdout, stderr, images := deps.Sandbox.ExecuteCode(ctx, code, 30*time.Second)
		passed := executionPassed(stderr) && !deps.Sandbox.Unavailable()

		patch := &Patch{
			ExecutionStdout: &stdout,
			ExecutionStderr: &stderr,
			ExecutionPassed: boolPtr(passed),
			LinterPassed:    boolPtr(true),
		}

		var event *Event
		if len(images) > 0 {
			artifacts := make([]map[string]any, 0, len(images))
			for _, img := range images {
				artifacts = append(artifacts, map[string]any{"type": "image", "filename": img.Filename, "data": img.DataURI})
			}
			patch.Artifacts = map[string]any{"imageArtifacts": artifacts}
			event = &Event{Type: "image_generated", Data: map[string]any{"images": artifacts}}
		}
		if localhostURLPattern.MatchString(stdout) {
			// Screenshot capture of a locally-served app is a no-op here;
			// left as an explicit branch so the control flow stays visible.
		}

		return patch, event, nil
	}
}

func needsLint(code string) bool {
	return strings.Contains(code, "def ") || strings.Contains(code, "import ")
}

func stagedLintPath(taskID string) string {
	return fmt.Sprintf("/tmp/script_%s_lint.py", taskID)
}

func lintFailed(output string) bool {
	return strings.Contains(output, "Error") || strings.Contains(output, "SyntaxError")
}

// executionPassed treats stderr as a failure if it contains "Error" or
// "Traceback", or the sandbox's engine-unavailable marker.
func executionPassed(stderr string) bool {
	if strings.Contains(stderr, "Error") || strings.Contains(stderr, "Traceback") {
		return false
	}
	if strings.Contains(stderr, "[System] engine unavailable") {
		return false
	}
	return true
}

func reviewerNode(deps Deps) NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		if !s.LinterPassed {
			return &Patch{
				FunctionalStatus:   reviewStatusPtr(ReviewReject),
				FunctionalFeedback: strPtr("linter failed; functional review skipped"),
			}, nil, nil
		}

		prompt := fmt.Sprintf(
			"Review this code for correctness.\nCode:\n%s\nStdout:\n%s\nStderr:\n%s\n"+
				"Respond with strict JSON: {\"status\": \"approve\"|\"reject\", \"feedback\": \"...\"}",
			s.GeneratedCode,
			truncateWithMarker(s.ExecutionStdout, feedbackTruncateLimit),
			truncateWithMarker(s.ExecutionStderr, feedbackTruncateLimit))

		text, _, err := deps.LLM.Call(ctx, deps.ModelName, []llm.Message{{Role: "user", Content: prompt}}, "", llm.ComplexitySimple, 0)
		if err != nil {
			return &Patch{
				FunctionalStatus:   reviewStatusPtr(ReviewReject),
				FunctionalFeedback: strPtr(fmt.Sprintf("reviewer call failed: %v", err)),
			}, nil, nil
		}

		status, feedback, report, ok := parseReviewJSON(text)
		if !ok {
			return &Patch{
				FunctionalStatus:   reviewStatusPtr(ReviewReject),
				FunctionalFeedback: strPtr("reviewer response was not valid JSON"),
			}, nil, nil
		}
		return &Patch{
			FunctionalStatus:   &status,
			FunctionalFeedback: &feedback,
			ReviewReport:       &report,
		}, nil, nil
	}
}

func parseReviewJSON(text string) (ReviewStatus, string, string, bool) {
	v, ok := toolcall.ExtractJSON(text)
	if !ok || !toolcall.ValidateReviewPayload(v) {
		return "", "", "", false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", "", "", false
	}
	statusStr, _ := m["status"].(string)
	feedback, _ := m["feedback"].(string)
	if statusStr != string(ReviewApprove) && statusStr != string(ReviewReject) {
		return "", "", "", false
	}
	return ReviewStatus(statusStr), feedback, text, true
}

func securityNode(deps Deps) NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		prompt := fmt.Sprintf(
			"Audit this code for security vulnerabilities.\nCode:\n%s\n"+
				"Respond with strict JSON: {\"safe\": true|false, \"issues\": \"...\"}",
			s.GeneratedCode)

		text, _, err := deps.LLM.Call(ctx, deps.ModelName, []llm.Message{{Role: "user", Content: prompt}}, "", llm.ComplexitySimple, 0)
		if err != nil {
			feedback := fmt.Sprintf("VULNERABILITY: security review failed: %v", err)
			return &Patch{SecurityFeedback: &feedback}, nil, nil
		}

		v, ok := toolcall.ExtractJSON(text)
		if !ok || !toolcall.ValidateSecurityPayload(v) {
			feedback := "VULNERABILITY: security response was not valid JSON"
			return &Patch{SecurityFeedback: &feedback}, nil, nil
		}
		m, _ := v.(map[string]any)
		safe, _ := m["safe"].(bool)
		issues, _ := m["issues"].(string)

		feedback := issues
		if !safe {
			feedback = "VULNERABILITY: " + issues
		}
		return &Patch{SecurityFeedback: &feedback}, nil, nil
	}
}

// aggregatorNode is the join after reviewer+security: it computes the
// overall verdict from the linter result, the security marker, and the
// functional status.
func aggregatorNode() NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		reject := !s.LinterPassed ||
			strings.Contains(s.SecurityFeedback, "VULNERABILITY") ||
			s.FunctionalStatus != ReviewApprove

		status := ReviewApprove
		if reject {
			status = ReviewReject
		}

		feedback := strings.TrimSpace(s.FunctionalFeedback + "\n" + s.SecurityFeedback)
		return &Patch{
			ReviewStatus:   &status,
			ReviewFeedback: &feedback,
		}, nil, nil
	}
}

// routeAfterAggregate implements the router's ordered decision: reject with
// a step's iteration cap exhausted forces summarize; reject otherwise loops
// to reflect; approve advances to the next step or, if this was the last
// step, summarizes.
func routeAfterAggregate(s *State) string {
	if s.ReviewStatus != ReviewApprove {
		if s.IterationCount >= perStepIterationCap {
			return NodeSummarizer
		}
		return NodeReflector
	}
	if s.CurrentStepIndex+1 < len(s.Plan) {
		return NodeStepManager
	}
	return NodeSummarizer
}

func reflectorNode(deps Deps) NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		prompt := fmt.Sprintf(
			"The following code failed review. Propose a concise remediation strategy.\n"+
				"Code:\n%s\nStderr:\n%s\nReview feedback:\n%s",
			s.GeneratedCode,
			truncateWithMarker(s.ExecutionStderr, feedbackTruncateLimit),
			s.ReviewFeedback)

		text, usage, err := deps.LLM.Call(ctx, deps.ModelName, []llm.Message{{Role: "user", Content: prompt}}, "", llm.ComplexitySimple, 0)
		if err != nil {
			text = fmt.Sprintf("retry the previous attempt; reflection unavailable: %v", err)
		}
		return &Patch{
			Reflection:            &text,
			CostDeltaInputTokens:  usage.PromptTokens,
			CostDeltaOutputTokens: usage.CompletionTokens,
		}, nil, nil
	}
}

func stepManagerNode() NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		emptyFeedback := ""
		emptyReflection := ""
		return &Patch{
			CurrentStepIndex: intPtr(s.CurrentStepIndex + 1),
			IterationCount:   intPtr(0),
			Reflection:       &emptyReflection,
			ReviewFeedback:   &emptyFeedback,
			LinterPassed:     boolPtr(true),
		}, nil, nil
	}
}

func summarizerNode(deps Deps) NodeFunc {
	return func(ctx context.Context, s *State) (*Patch, *Event, error) {
		prompt := fmt.Sprintf("Summarize the outcome of this task for the user.\nGoal: %s\nFinal review: %s", s.UserInput, s.ReviewFeedback)
		text, usage, err := deps.LLM.Call(ctx, deps.ModelName, []llm.Message{{Role: "user", Content: prompt}}, "", llm.ComplexitySimple, 0)
		if err != nil {
			text = "Task finished; a summary could not be generated."
		}

		patch := &Patch{
			FinalOutput:           &text,
			FinalReport:           &text,
			CostDeltaInputTokens:  usage.PromptTokens,
			CostDeltaOutputTokens: usage.CompletionTokens,
		}

		if len(s.CodeBlocks) > 0 {
			commitPrompt := fmt.Sprintf("Write a one-line Conventional-Commit-style message for this change:\n%s", s.GeneratedCode)
			commitMsg, commitUsage, err := deps.LLM.Call(ctx, deps.ModelName, []llm.Message{{Role: "user", Content: commitPrompt}}, "", llm.ComplexitySimple, 0)
			if err == nil {
				patch.Artifacts = map[string]any{"commitProposal": strings.TrimSpace(commitMsg)}
				patch.CostDeltaInputTokens += commitUsage.PromptTokens
				patch.CostDeltaOutputTokens += commitUsage.CompletionTokens
			}
		}

		event := &Event{Type: "finish", Data: map[string]any{"finalOutput": text}}
		return patch, event, nil
	}
}
