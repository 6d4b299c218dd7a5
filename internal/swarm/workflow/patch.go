package workflow

// Patch is the partial result one node contributes back to the running
// State. Every scalar field is a pointer so that "unset" is distinguishable
// from "set to the zero value" — a node that doesn't touch ReviewStatus must
// not accidentally clear it. The two maps, the chat-history slice and the
// cost deltas are plain values; nil or zero means "nothing to add".
//
// CodeBlocks and Artifacts entries are merged key-by-key into the existing
// maps rather than replacing them outright, since multiple nodes across a
// task's lifetime contribute different keys to the same map.
type Patch struct {
	Plan             *[]string
	CurrentStepIndex *int
	IterationCount   *int

	GeneratedCode *string

	ExecutionStdout *string
	ExecutionStderr *string
	ExecutionPassed *bool
	LinterPassed    *bool

	FunctionalStatus   *ReviewStatus
	FunctionalFeedback *string
	SecurityFeedback   *string

	ReviewStatus   *ReviewStatus
	ReviewFeedback *string
	ReviewReport   *string

	Reflection  *string
	FinalOutput *string
	FinalReport *string
	LastError   *string

	CodeBlocks        map[string]string
	Artifacts         map[string]any
	ChatHistoryAppend []ChatTurn

	CostDeltaInputTokens  int
	CostDeltaOutputTokens int
}

// FieldsWritten lists the names of every field this patch actually sets,
// including the map, slice and cost-delta fields. The graph uses it at a
// fan-out join to check that each branch's patch wrote only the fields that
// branch declared in DeclareFanOut.
func (p *Patch) FieldsWritten() []string {
	var fields []string
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("Plan", p.Plan != nil)
	add("CurrentStepIndex", p.CurrentStepIndex != nil)
	add("IterationCount", p.IterationCount != nil)
	add("GeneratedCode", p.GeneratedCode != nil)
	add("ExecutionStdout", p.ExecutionStdout != nil)
	add("ExecutionStderr", p.ExecutionStderr != nil)
	add("ExecutionPassed", p.ExecutionPassed != nil)
	add("LinterPassed", p.LinterPassed != nil)
	add("FunctionalStatus", p.FunctionalStatus != nil)
	add("FunctionalFeedback", p.FunctionalFeedback != nil)
	add("SecurityFeedback", p.SecurityFeedback != nil)
	add("ReviewStatus", p.ReviewStatus != nil)
	add("ReviewFeedback", p.ReviewFeedback != nil)
	add("ReviewReport", p.ReviewReport != nil)
	add("Reflection", p.Reflection != nil)
	add("FinalOutput", p.FinalOutput != nil)
	add("FinalReport", p.FinalReport != nil)
	add("LastError", p.LastError != nil)
	add("CodeBlocks", len(p.CodeBlocks) > 0)
	add("Artifacts", len(p.Artifacts) > 0)
	add("ChatHistoryAppend", len(p.ChatHistoryAppend) > 0)
	add("CostDelta", p.CostDeltaInputTokens != 0 || p.CostDeltaOutputTokens != 0)
	return fields
}

// Apply merges p into s.
func (p *Patch) Apply(s *State) {
	if p.Plan != nil {
		s.Plan = *p.Plan
	}
	if p.CurrentStepIndex != nil {
		s.CurrentStepIndex = *p.CurrentStepIndex
	}
	if p.IterationCount != nil {
		s.IterationCount = *p.IterationCount
	}
	if p.GeneratedCode != nil {
		s.GeneratedCode = *p.GeneratedCode
	}
	if p.ExecutionStdout != nil {
		s.ExecutionStdout = *p.ExecutionStdout
	}
	if p.ExecutionStderr != nil {
		s.ExecutionStderr = *p.ExecutionStderr
	}
	if p.ExecutionPassed != nil {
		s.ExecutionPassed = *p.ExecutionPassed
	}
	if p.LinterPassed != nil {
		s.LinterPassed = *p.LinterPassed
	}
	if p.FunctionalStatus != nil {
		s.FunctionalStatus = *p.FunctionalStatus
	}
	if p.FunctionalFeedback != nil {
		s.FunctionalFeedback = *p.FunctionalFeedback
	}
	if p.SecurityFeedback != nil {
		s.SecurityFeedback = *p.SecurityFeedback
	}
	if p.ReviewStatus != nil {
		s.ReviewStatus = *p.ReviewStatus
	}
	if p.ReviewFeedback != nil {
		s.ReviewFeedback = *p.ReviewFeedback
	}
	if p.ReviewReport != nil {
		s.ReviewReport = *p.ReviewReport
	}
	if p.Reflection != nil {
		s.Reflection = *p.Reflection
	}
	if p.FinalOutput != nil {
		s.FinalOutput = *p.FinalOutput
	}
	if p.FinalReport != nil {
		s.FinalReport = *p.FinalReport
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	for k, v := range p.CodeBlocks {
		s.CodeBlocks[k] = v
	}
	for k, v := range p.Artifacts {
		s.Artifacts[k] = v
	}
	if len(p.ChatHistoryAppend) > 0 {
		s.FullChatHistory = append(s.FullChatHistory, p.ChatHistoryAppend...)
	}
	if p.CostDeltaInputTokens != 0 || p.CostDeltaOutputTokens != 0 {
		s.CostStats = s.CostStats.Add(p.CostDeltaInputTokens, p.CostDeltaOutputTokens)
	}
}

func strPtr(s string) *string               { return &s }
func boolPtr(b bool) *bool                   { return &b }
func intPtr(i int) *int                      { return &i }
func reviewStatusPtr(r ReviewStatus) *ReviewStatus { return &r }
