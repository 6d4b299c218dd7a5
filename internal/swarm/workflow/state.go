// Package workflow implements the directed-graph state machine that drives
// one coding task from plan through code, execution, review, and summary.
package workflow

// ChatTurn is one entry of the rolling conversation history sent back to the
// model on each Coder invocation.
type ChatTurn struct {
	Role    string
	Content string
}

// FileContext is the read-only editor context a task was started with.
type FileContext struct {
	Filename   string
	Content    string
	Selection  string
	CursorLine int
	LanguageID string
}

// CostStats accumulates token usage monotonically across a task's lifetime.
// Cost is carried in the struct but nothing in this package sets it.
type CostStats struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	RequestCount int
}

// Add folds one patch's usage into the running totals and counts it as one
// request (the summarizer's patch carries the usage of two calls).
func (c CostStats) Add(inputTokens, outputTokens int) CostStats {
	c.InputTokens += inputTokens
	c.OutputTokens += outputTokens
	c.RequestCount++
	return c
}

// Mode selects the task's operating posture. Only "coder" drives the full
// plan/code/execute/review state machine in this engine; the other values
// are accepted on the wire for forward compatibility but behave the same
// way, since architect- and debugger-specific node sets are out of scope.
type Mode string

const (
	ModeCoder     Mode = "coder"
	ModeArchitect Mode = "architect"
	ModeDebugger  Mode = "debugger"
)

// ReviewStatus is the aggregator's approve/reject verdict.
type ReviewStatus string

const (
	ReviewApprove ReviewStatus = "approve"
	ReviewReject  ReviewStatus = "reject"
)

// State is the full mutable record threaded through every node of one
// task's workflow run. It combines task identity, inputs, and accumulated
// cost/history with the plan, per-step progress, and the current step's
// review/execution results into a single struct because every node
// operates on both halves together.
type State struct {
	TaskID        string
	UserInput     string
	WorkspaceRoot string
	FileContext   *FileContext
	RepoMap       string

	CostStats CostStats

	// CodeBlocks maps a role name (e.g. "generated") to the latest code
	// string produced for that role.
	CodeBlocks map[string]string

	// Artifacts holds open-ended named side-outputs: pendingToolCall,
	// imageArtifacts, commitProposal.
	Artifacts map[string]any

	FullChatHistory []ChatTurn

	FinalReport string
	LastError   string
	Mode        Mode

	Plan             []string
	CurrentStepIndex int
	IterationCount   int

	GeneratedCode string

	ExecutionStdout  string
	ExecutionStderr  string
	ExecutionPassed  bool
	LinterPassed     bool

	FunctionalStatus   ReviewStatus
	FunctionalFeedback string
	SecurityFeedback   string

	ReviewStatus   ReviewStatus
	ReviewFeedback string
	ReviewReport   string

	Reflection  string
	FinalOutput string
}

// NewState builds the initial state for an admitted task.
func NewState(taskID, userInput, workspaceRoot string, fileContext *FileContext, mode Mode) *State {
	if mode == "" {
		mode = ModeCoder
	}
	return &State{
		TaskID:        taskID,
		UserInput:     userInput,
		WorkspaceRoot: workspaceRoot,
		FileContext:   fileContext,
		Mode:          mode,
		CodeBlocks:    make(map[string]string),
		Artifacts:     make(map[string]any),
		LinterPassed:  true,
	}
}

// CurrentStep returns the plan step at CurrentStepIndex, or "" if the plan
// is empty or the index has advanced past the end.
func (s *State) CurrentStep() string {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Plan) {
		return ""
	}
	return s.Plan[s.CurrentStepIndex]
}

// Clone produces a shallow copy of s suitable for handing to concurrent
// fan-out branches: each branch gets its own State value to mutate (and the
// graph runtime requires each branch to write disjoint fields), but the
// underlying maps and slices are shared read-only inputs for that step.
func (s *State) Clone() *State {
	clone := *s
	return &clone
}
