package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/codeforge/swarmengine/internal/swarm/telemetry"
)

// Terminal is the distinguished sentinel node name that ends a run.
const Terminal = "__terminal__"

// NodeFunc is one stage of the workflow: given the current state, it
// returns a patch to merge and/or an event to emit, or an error.
type NodeFunc func(ctx context.Context, s *State) (*Patch, *Event, error)

// RouterFunc inspects the current (already-patched) state and returns the
// name of the next node to run.
type RouterFunc func(s *State) string

// Graph is a directed graph of named nodes: unconditional edges chain
// directly to their successor(s) (successors declared with DeclareFanOut run
// concurrently and join before the graph proceeds; several plain AddEdge
// successors without a join are an error at run time); conditional edges
// instead consult a RouterFunc.
type Graph struct {
	entry string

	nodes map[string]NodeFunc

	// successors holds unconditional edges. A node with more than one
	// entry here is a fan-out only if DeclareFanOut registered it: its
	// successors then run concurrently and their patches are merged before
	// the join node runs.
	successors map[string][]string

	// routers holds conditional edges: the router is consulted instead of
	// following a fixed successor list.
	routers map[string]RouterFunc

	// ownedFields records, for each node that participates in a fan-out,
	// the set of State fields it is declared to write. Validated pairwise
	// disjoint across every fan-out group at construction time.
	ownedFields map[string][]string

	// joinTarget maps a fan-out node to the single join node that runs
	// once all of its branches have completed and merged.
	joinTarget map[string]string

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// SetObservability attaches optional metrics and tracing. Either may be nil;
// a graph with neither set just runs without recording anything.
func (g *Graph) SetObservability(metrics *telemetry.Metrics, tracer *telemetry.Tracer) {
	g.metrics = metrics
	g.tracer = tracer
}

// NewGraph constructs an empty graph with the given entry node.
func NewGraph(entry string) *Graph {
	return &Graph{
		entry:       entry,
		nodes:       make(map[string]NodeFunc),
		successors:  make(map[string][]string),
		routers:     make(map[string]RouterFunc),
		ownedFields: make(map[string][]string),
		joinTarget:  make(map[string]string),
	}
}

// AddNode registers a node's implementation.
func (g *Graph) AddNode(name string, fn NodeFunc) {
	g.nodes[name] = fn
}

// AddEdge adds an unconditional edge from -> to.
func (g *Graph) AddEdge(from, to string) {
	g.successors[from] = append(g.successors[from], to)
}

// AddConditionalEdge installs a router for `from`; its return value selects
// the next node (which may be Terminal).
func (g *Graph) AddConditionalEdge(from string, router RouterFunc) {
	g.routers[from] = router
}

// DeclareFanOut registers a fan-out from `from` to `branches`, joining at
// `joinTo` once every branch has completed and its patch has been merged.
// Each branch declares the State fields (by the names Patch.FieldsWritten
// uses) it is allowed to write. Construction fails with an error if any two
// branches' declared fields overlap — the static disjointness guarantee
// required of a parallel merge.
func (g *Graph) DeclareFanOut(from, joinTo string, branches map[string][]string) error {
	seen := make(map[string]string)
	for branch, fields := range branches {
		for _, f := range fields {
			if owner, ok := seen[f]; ok {
				return fmt.Errorf("field %q claimed by both %q and %q", f, owner, branch)
			}
			seen[f] = branch
		}
		g.ownedFields[branch] = fields
		g.AddEdge(from, branch)
	}
	g.joinTarget[from] = joinTo
	return nil
}

// Event is an observation a node wants the task runtime to stream to the
// client, independent of the state patch it also returns.
type Event struct {
	Type string
	Data map[string]any
}

// Run drives the graph from its entry node to Terminal, applying each
// node's patch to s as it completes, and invoking onEvent for every event a
// node emits along the way. A node's own function always runs exactly once
// per visit; whether it is also a fan-out point (and therefore followed by
// its declared branches before the join) is a separate question, decided
// after that node has run.
func (g *Graph) Run(ctx context.Context, s *State, onEvent func(Event)) error {
	current := g.entry
	for current != Terminal {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := g.runNode(ctx, current, s, onEvent); err != nil {
			return err
		}

		if _, isFanOut := g.joinTarget[current]; isFanOut {
			if err := g.runFanOut(ctx, current, g.successors[current], s, onEvent); err != nil {
				return err
			}
		}

		next, err := g.next(current, s)
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}

func (g *Graph) runNode(ctx context.Context, name string, s *State, onEvent func(Event)) error {
	fn, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("workflow: node %q not registered", name)
	}

	start := time.Now()
	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.StartNode(ctx, name, s.TaskID)
	}

	patch, event, err := fn(ctx, s)

	if span != nil {
		telemetry.End(span, err)
	}
	g.recordNode(name, start, err)

	if err != nil {
		return fmt.Errorf("node %q: %w", name, err)
	}
	if patch != nil {
		patch.Apply(s)
	}
	if event != nil && onEvent != nil {
		onEvent(*event)
	}
	return nil
}

func (g *Graph) recordNode(name string, start time.Time, err error) {
	if g.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	g.metrics.RecordNode(name, outcome, time.Since(start))
}

// branchResult carries one fan-out branch's outcome back to the join.
type branchResult struct {
	name  string
	patch *Patch
	event *Event
	err   error
}

func (g *Graph) runFanOut(ctx context.Context, from string, branches []string, s *State, onEvent func(Event)) error {
	results := make(chan branchResult, len(branches))
	// Sort for deterministic goroutine launch order; completion order is
	// still whatever the scheduler gives us, which is fine since each
	// branch's patch is applied atomically once every branch is in.
	sorted := append([]string(nil), branches...)
	sort.Strings(sorted)

	for _, name := range sorted {
		name := name
		fn, ok := g.nodes[name]
		if !ok {
			return fmt.Errorf("workflow: node %q not registered", name)
		}
		branchInput := s.Clone()
		go func() {
			start := time.Now()
			branchCtx := ctx
			var span trace.Span
			if g.tracer != nil {
				branchCtx, span = g.tracer.StartNode(ctx, name, s.TaskID)
			}
			patch, event, err := fn(branchCtx, branchInput)
			if span != nil {
				telemetry.End(span, err)
			}
			g.recordNode(name, start, err)
			results <- branchResult{name: name, patch: patch, event: event, err: err}
		}()
	}

	collected := make([]branchResult, 0, len(sorted))
	var firstErr error
	for i := 0; i < len(sorted); i++ {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("node %q: %w", r.name, r.err)
		}
		collected = append(collected, r)
	}
	if firstErr != nil {
		return firstErr
	}

	for _, r := range collected {
		if r.patch == nil {
			continue
		}
		if allowed, declared := g.ownedFields[r.name]; declared {
			if !fieldsWithinAllowed(r.patch.FieldsWritten(), allowed) {
				return fmt.Errorf("node %q wrote fields outside its declared ownership", r.name)
			}
		}
		r.patch.Apply(s)
		if r.event != nil && onEvent != nil {
			onEvent(*r.event)
		}
	}
	return nil
}

func fieldsWithinAllowed(written, allowed []string) bool {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		allowedSet[f] = struct{}{}
	}
	for _, f := range written {
		if _, ok := allowedSet[f]; !ok {
			return false
		}
	}
	return true
}

func (g *Graph) next(current string, s *State) (string, error) {
	if router, ok := g.routers[current]; ok {
		return router(s), nil
	}
	if join, ok := g.joinTarget[current]; ok {
		return join, nil
	}
	successors := g.successors[current]
	switch len(successors) {
	case 0:
		return Terminal, nil
	case 1:
		return successors[0], nil
	default:
		return Terminal, fmt.Errorf("workflow: node %q has multiple successors but no router or join declared", current)
	}
}
