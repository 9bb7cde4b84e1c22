package graph

import (
	"fmt"
	"strings"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/schemacheck"
)

// Result is the output of one validation pass. It is a pure value: the
// derived views below never re-run validation.
type Result struct {
	Issues []core.ValidationIssue `json:"issues"`
}

// Valid reports whether the pass found no error-severity issues.
// Warnings do not block runs.
func (r Result) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == core.SeverityError {
			return false
		}
	}
	return true
}

// Errors returns only the error-severity issues.
func (r Result) Errors() []core.ValidationIssue {
	var out []core.ValidationIssue
	for _, issue := range r.Issues {
		if issue.Severity == core.SeverityError {
			out = append(out, issue)
		}
	}
	return out
}

// Warnings returns only the warning-severity issues.
func (r Result) Warnings() []core.ValidationIssue {
	var out []core.ValidationIssue
	for _, issue := range r.Issues {
		if issue.Severity == core.SeverityWarning {
			out = append(out, issue)
		}
	}
	return out
}

// ForNode returns the issues touching the given node.
func (r Result) ForNode(id string) []core.ValidationIssue {
	var out []core.ValidationIssue
	for _, issue := range r.Issues {
		if issue.TouchesNode(id) {
			out = append(out, issue)
		}
	}
	return out
}

// ForEdge returns the issues touching the given edge.
func (r Result) ForEdge(id string) []core.ValidationIssue {
	var out []core.ValidationIssue
	for _, issue := range r.Issues {
		if issue.TouchesEdge(id) {
			out = append(out, issue)
		}
	}
	return out
}

// Validator runs the structural checks over a graph. It holds the
// condition evaluator used for syntax checking and a schema checker for
// declared structured outputs; both are optional, and the corresponding
// checks are skipped when absent.
type Validator struct {
	eval    core.ConditionEvaluator
	schemas *schemacheck.Checker
}

// NewValidator creates a validator. A nil evaluator disables condition
// syntax checking; variable resolution checks run regardless.
func NewValidator(eval core.ConditionEvaluator) *Validator {
	return &Validator{eval: eval, schemas: schemacheck.New()}
}

// Validate runs every check in order and accumulates all findings: a
// graph with several problems reports them all in one pass. The checks,
// in order:
//
//  1. exactly one start node
//  2. at least one end node
//  3. at most one edge per (source node, source handle)
//  4. per-node configuration
//  5. condition syntax
//  6. condition variable resolution
//  7. cycle detection
//  8. reachability (warnings)
//
// Validation is read-only and idempotent: the same graph yields the same
// result every time.
func (v *Validator) Validate(g *Graph) Result {
	var issues []core.ValidationIssue

	issues = append(issues, checkStartCount(g)...)
	issues = append(issues, checkEndCount(g)...)
	issues = append(issues, checkFanOut(g)...)
	issues = append(issues, v.checkNodeConfig(g)...)
	issues = append(issues, v.checkConditionSyntax(g)...)
	issues = append(issues, checkConditionVariables(g)...)
	issues = append(issues, checkCycles(g)...)
	issues = append(issues, checkReachability(g)...)

	return Result{Issues: issues}
}

// checkStartCount enforces exactly one start node.
func checkStartCount(g *Graph) []core.ValidationIssue {
	var starts []string
	for _, n := range g.Nodes {
		if n.Type == core.NodeStart {
			starts = append(starts, n.ID)
		}
	}

	switch len(starts) {
	case 0:
		return []core.ValidationIssue{{
			Code:     core.IssueNoStartNode,
			Severity: core.SeverityError,
			Message:  "workflow has 0 start nodes, expected exactly one",
		}}
	case 1:
		return nil
	default:
		return []core.ValidationIssue{{
			Code:     core.IssueNoStartNode,
			Severity: core.SeverityError,
			Message:  fmt.Sprintf("workflow has %d start nodes, expected exactly one", len(starts)),
			NodeIDs:  starts,
		}}
	}
}

// checkEndCount enforces at least one end node.
func checkEndCount(g *Graph) []core.ValidationIssue {
	for _, n := range g.Nodes {
		if n.Type == core.NodeEnd {
			return nil
		}
	}
	return []core.ValidationIssue{{
		Code:     core.IssueNoEndNode,
		Severity: core.SeverityError,
		Message:  "workflow has no end node",
	}}
}

// checkFanOut enforces at most one outgoing edge per (source, handle).
func checkFanOut(g *Graph) []core.ValidationIssue {
	type key struct{ source, handle string }
	groups := make(map[key][]string)
	var order []key
	for _, e := range g.Edges {
		k := key{e.Source, e.SourceHandle}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e.ID)
	}

	var issues []core.ValidationIssue
	for _, k := range order {
		edges := groups[k]
		if len(edges) < 2 {
			continue
		}
		issues = append(issues, core.ValidationIssue{
			Code:     core.IssueMultipleOutgoing,
			Severity: core.SeverityError,
			Message:  fmt.Sprintf("handle %q of node %q drives %d edges, expected at most one", k.handle, k.source, len(edges)),
			NodeIDs:  []string{k.source},
			EdgeIDs:  edges,
		})
	}
	return issues
}

// checkNodeConfig runs the per-type configuration checks.
func (v *Validator) checkNodeConfig(g *Graph) []core.ValidationIssue {
	var issues []core.ValidationIssue

	add := func(n core.Node, msg string, edgeIDs ...string) {
		issues = append(issues, core.ValidationIssue{
			Code:     core.IssueInvalidNodeConfig,
			Severity: core.SeverityError,
			Message:  msg,
			NodeIDs:  []string{n.ID},
			EdgeIDs:  edgeIDs,
		})
	}

	for _, n := range g.Nodes {
		switch n.Type {
		case core.NodeStart:
			if in := g.Incoming(n.ID); len(in) > 0 {
				add(n, fmt.Sprintf("start node %q must not have incoming connections", n.ID), edgeIDs(in)...)
			}
			out := g.Outgoing(n.ID)
			switch len(out) {
			case 0:
				add(n, fmt.Sprintf("start node %q must have an outgoing connection", n.ID))
			case 1:
				// ok
			default:
				add(n, fmt.Sprintf("start node %q must have exactly one outgoing connection, found %d", n.ID, len(out)), edgeIDs(out)...)
			}

		case core.NodeEnd:
			if out := g.Outgoing(n.ID); len(out) > 0 {
				add(n, fmt.Sprintf("end node %q must not have outgoing connections", n.ID), edgeIDs(out)...)
			}

		case core.NodeIfElse:
			out := g.Outgoing(n.ID)
			if len(out) == 0 {
				add(n, fmt.Sprintf("if-else node %q must have at least one outgoing connection", n.ID))
			}
			for _, e := range out {
				if e.SourceHandle == core.HandleElse {
					continue
				}
				handle, ok := findHandle(n, e.SourceHandle)
				if !ok {
					add(n, fmt.Sprintf("if-else node %q has a connection from unknown handle %q", n.ID, e.SourceHandle), e.ID)
					continue
				}
				if strings.TrimSpace(handle.Condition) == "" {
					add(n, fmt.Sprintf("if-else node %q: handle %q has a connection but no condition", n.ID, handleName(handle)), e.ID)
				}
			}

		case core.NodeAgent:
			if n.Agent == nil {
				add(n, fmt.Sprintf("agent node %q has no configuration", n.ID))
				continue
			}
			if strings.TrimSpace(n.Agent.Model) == "" {
				add(n, fmt.Sprintf("agent node %q has no model configured", n.ID))
			}
			if n.Agent.Output.Structured() && v.schemas != nil {
				if _, err := v.schemas.Compile(n.Agent.Output.Schema); err != nil {
					add(n, fmt.Sprintf("agent node %q declares an invalid output schema: %v", n.ID, err))
				}
			}

		case core.NodeNote:
			// Notes carry no runtime configuration.
		}
	}
	return issues
}

// checkConditionSyntax compiles every non-empty condition.
func (v *Validator) checkConditionSyntax(g *Graph) []core.ValidationIssue {
	if v.eval == nil {
		return nil
	}

	var issues []core.ValidationIssue
	for _, n := range g.Nodes {
		if n.Type != core.NodeIfElse || n.IfElse == nil {
			continue
		}
		for _, h := range n.IfElse.Handles {
			if strings.TrimSpace(h.Condition) == "" {
				continue
			}
			if err := v.eval.Compile(h.Condition); err != nil {
				issues = append(issues, core.ValidationIssue{
					Code:     core.IssueInvalidCondition,
					Severity: core.SeverityError,
					Message:  fmt.Sprintf("if-else node %q: condition on handle %q does not parse: %v", n.ID, handleName(h), err),
					NodeIDs:  []string{n.ID},
					EdgeIDs:  edgeIDs(g.OutgoingFrom(n.ID, h.ID)),
				})
			}
		}
	}
	return issues
}

// checkConditionVariables resolves every identifier referenced by every
// condition against the variables flowing into the node.
func checkConditionVariables(g *Graph) []core.ValidationIssue {
	var issues []core.ValidationIssue

	for _, n := range g.Nodes {
		if n.Type != core.NodeIfElse || n.IfElse == nil {
			continue
		}

		_, hasInput := g.InputEdge(n.ID)
		vars := AvailableVariables(g, n.ID)
		missingReported := false

		for _, h := range n.IfElse.Handles {
			refs := ConditionIdentifiers(h.Condition)
			if len(refs) == 0 {
				continue
			}

			if !hasInput {
				if !missingReported {
					issues = append(issues, core.ValidationIssue{
						Code:     core.IssueMissingInputConnection,
						Severity: core.SeverityError,
						Message:  fmt.Sprintf("if-else node %q references variables but has no input connection", n.ID),
						NodeIDs:  []string{n.ID},
					})
					missingReported = true
				}
				continue
			}

			for _, ref := range refs {
				if PathAvailable(ref, vars) {
					continue
				}
				issues = append(issues, core.ValidationIssue{
					Code:     core.IssueUnresolvedVariable,
					Severity: core.SeverityError,
					Message:  fmt.Sprintf("if-else node %q: condition on handle %q references %q, which is not available here", n.ID, handleName(h), ref),
					NodeIDs:  []string{n.ID},
					EdgeIDs:  edgeIDs(g.OutgoingFrom(n.ID, h.ID)),
				})
			}
		}
	}
	return issues
}

// checkCycles runs a depth-first walk from the start node following
// every outgoing edge and reports each back edge as a cycle. If-else
// branches count whether or not any run would take them. The reported
// edge list is the suffix of the current path beginning at the
// revisited node, so it traces the loop itself.
func checkCycles(g *Graph) []core.ValidationIssue {
	start := g.Start()
	if start == nil {
		return nil
	}

	adj := g.successors()

	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(g.Nodes))

	var issues []core.ValidationIssue
	var path []core.Edge

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		for _, e := range adj[id] {
			switch color[e.Target] {
			case gray:
				cycle := append(cycleSuffix(path, e.Target), e)
				issues = append(issues, cycleIssue(cycle))
			case white:
				path = append(path, e)
				visit(e.Target)
				path = path[:len(path)-1]
			}
		}
		color[id] = black
	}
	visit(start.ID)

	return issues
}

// cycleSuffix returns a copy of the path from the first edge leaving the
// given node onward.
func cycleSuffix(path []core.Edge, nodeID string) []core.Edge {
	for i, e := range path {
		if e.Source == nodeID {
			return append([]core.Edge(nil), path[i:]...)
		}
	}
	return nil
}

func cycleIssue(cycle []core.Edge) core.ValidationIssue {
	nodeIDs := make([]string, 0, len(cycle))
	parts := make([]string, 0, len(cycle)+1)
	for _, e := range cycle {
		nodeIDs = append(nodeIDs, e.Source)
		parts = append(parts, e.Source)
	}
	if len(cycle) > 0 {
		parts = append(parts, cycle[len(cycle)-1].Target)
	}

	return core.ValidationIssue{
		Code:     core.IssueCycle,
		Severity: core.SeverityError,
		Message:  fmt.Sprintf("workflow contains a cycle: %s", strings.Join(parts, " -> ")),
		NodeIDs:  nodeIDs,
		EdgeIDs:  edgeIDs(cycle),
	}
}

// checkReachability walks breadth-first from the start node and reports
// every executable node it never reaches as one warning. Notes are
// canvas annotations and are exempt.
func checkReachability(g *Graph) []core.ValidationIssue {
	start := g.Start()
	if start == nil {
		return nil
	}

	adj := g.successors()
	visited := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range adj[current] {
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	var unreachable []string
	for _, n := range g.Nodes {
		if n.Type == core.NodeNote || visited[n.ID] {
			continue
		}
		unreachable = append(unreachable, n.ID)
	}
	if len(unreachable) == 0 {
		return nil
	}

	return []core.ValidationIssue{{
		Code:     core.IssueUnreachableNode,
		Severity: core.SeverityWarning,
		Message:  fmt.Sprintf("no path from start reaches: %s", strings.Join(unreachable, ", ")),
		NodeIDs:  unreachable,
	}}
}

func findHandle(n core.Node, handleID string) (core.ConditionHandle, bool) {
	if n.IfElse == nil {
		return core.ConditionHandle{}, false
	}
	for _, h := range n.IfElse.Handles {
		if h.ID == handleID {
			return h, true
		}
	}
	return core.ConditionHandle{}, false
}

func handleName(h core.ConditionHandle) string {
	if h.Label != "" {
		return h.Label
	}
	return h.ID
}

func edgeIDs(edges []core.Edge) []string {
	if len(edges) == 0 {
		return nil
	}
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.ID
	}
	return out
}
