package core

import "fmt"

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IssueCode is a stable machine-readable identifier for a class of
// validation issue. Codes are part of the API contract: the canvas keys
// its highlighting and messages off them.
type IssueCode string

const (
	// IssueNoStartNode covers both cardinality violations: zero start
	// nodes and more than one.
	IssueNoStartNode            IssueCode = "no-start-node"
	IssueNoEndNode              IssueCode = "no-end-node"
	IssueMultipleOutgoing       IssueCode = "multiple-outgoing-from-source-handle"
	IssueInvalidNodeConfig      IssueCode = "invalid-node-config"
	IssueInvalidCondition       IssueCode = "invalid-condition"
	IssueUnresolvedVariable     IssueCode = "unresolved-variable"
	IssueMissingInputConnection IssueCode = "missing-input-connection"
	IssueCycle                  IssueCode = "cycle"
	IssueUnreachableNode        IssueCode = "unreachable-node"
)

// ValidationIssue is one finding from a validation pass. NodeIDs and
// EdgeIDs locate the issue on the canvas; for multi-element findings
// (duplicate fan-out, cycles, unreachable sets) they carry every element
// involved.
type ValidationIssue struct {
	Code     IssueCode `json:"code"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	NodeIDs  []string  `json:"nodeIds,omitempty"`
	EdgeIDs  []string  `json:"edgeIds,omitempty"`
}

// Error renders the issue as "severity code: message".
func (i ValidationIssue) Error() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Code, i.Message)
}

// TouchesNode reports whether the issue involves the given node.
func (i ValidationIssue) TouchesNode(id string) bool {
	for _, nid := range i.NodeIDs {
		if nid == id {
			return true
		}
	}
	return false
}

// TouchesEdge reports whether the issue involves the given edge.
func (i ValidationIssue) TouchesEdge(id string) bool {
	for _, eid := range i.EdgeIDs {
		if eid == id {
			return true
		}
	}
	return false
}
