package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/graph"
	"github.com/arbor-labs/arborflow/registry"
)

// WorkflowResponse is the full workflow envelope: the annotated graph
// plus the validation result its annotations came from.
type WorkflowResponse struct {
	ID         string       `json:"id"`
	Graph      graph.Graph  `json:"graph"`
	Validation graph.Result `json:"validation"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// WorkflowSummary is one row of the workflow listing.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Nodes     int       `json:"nodes"`
	Edges     int       `json:"edges"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeResponse pairs a mutated node with the validation state the
// mutation left the document in.
type NodeResponse struct {
	Node       core.Node    `json:"node"`
	Validation graph.Result `json:"validation"`
}

// EdgeResponse pairs a mutated edge with the document's validation
// state.
type EdgeResponse struct {
	Edge       core.Edge    `json:"edge"`
	Validation graph.Result `json:"validation"`
}

// VariablesResponse is the resolver output for one node.
type VariablesResponse struct {
	NodeID    string           `json:"node_id"`
	Variables []graph.Variable `json:"variables"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns the node type catalog for the canvas palette.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": registry.Global().All()})
}

// handleListProviders returns the names of the configured model
// providers. Credentials never leave the process.
func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	names := s.providers
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": names})
}

// lookupWorkflow fetches the workflow named by the {id} path value,
// writing the error response itself when there is none to return.
func (s *Server) lookupWorkflow(w http.ResponseWriter, r *http.Request) (Workflow, bool) {
	id := r.PathValue("id")
	wf, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return Workflow{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return Workflow{}, false
	}
	return wf, true
}

func workflowResponse(wf Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:         wf.ID,
		Graph:      wf.Document.Snapshot(),
		Validation: wf.Document.Validation(),
		CreatedAt:  wf.CreatedAt,
		UpdatedAt:  wf.UpdatedAt,
	}
}

// handleListWorkflows returns summaries of all workflows.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	summaries := make([]WorkflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		g := wf.Document.Snapshot()
		summaries = append(summaries, WorkflowSummary{
			ID:        wf.ID,
			Name:      g.Name,
			Nodes:     len(g.Nodes),
			Edges:     len(g.Edges),
			Valid:     wf.Document.Validation().Valid(),
			CreatedAt: wf.CreatedAt,
			UpdatedAt: wf.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

// handleCreateWorkflow stores a new workflow document. The body is the
// graph itself; an id is assigned when the document does not carry one.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var g graph.Graph
	if err := decodeJSONBody(r, &g); err != nil {
		writeDecodeError(w, err)
		return
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}

	wf := Workflow{
		ID:       g.ID,
		Document: graph.NewDocument(g, s.validator),
	}
	if err := s.store.Create(r.Context(), wf); err != nil {
		if errors.Is(err, ErrWorkflowExists) {
			writeError(w, http.StatusConflict, "ALREADY_EXISTS", fmt.Sprintf("workflow %q already exists", g.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	wf, _, _ = s.store.Get(r.Context(), wf.ID)
	writeJSON(w, http.StatusCreated, workflowResponse(wf))
}

// handleGetWorkflow returns a single workflow by id.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse(wf))
}

// handleReplaceWorkflow swaps in a whole new graph for the workflow and
// re-validates. The path id is authoritative; the body's id is ignored.
func (s *Server) handleReplaceWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}

	var g graph.Graph
	if err := decodeJSONBody(r, &g); err != nil {
		writeDecodeError(w, err)
		return
	}
	g.ID = wf.ID

	wf.Document.Replace(g)
	s.touchWorkflow(w, r, wf.ID, http.StatusOK)
}

// touchWorkflow bumps the workflow's UpdatedAt and writes the fresh
// envelope.
func (s *Server) touchWorkflow(w http.ResponseWriter, r *http.Request, id string, status int) {
	if err := s.store.Touch(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	wf, ok, err := s.store.Get(r.Context(), id)
	if err != nil || !ok {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "workflow disappeared during update")
		return
	}
	writeJSON(w, status, workflowResponse(wf))
}

// handleDeleteWorkflow removes a workflow and its schedules.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if err := s.schedules.DeleteSchedulesByWorkflow(r.Context(), id); err != nil {
		s.logger.Error("deleting schedules for removed workflow", "workflow_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateWorkflow returns the document's current validation
// result without touching the graph.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wf.Document.Validation())
}

// handleAddNode inserts a node into the workflow's graph.
func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}

	var n core.Node
	if err := decodeJSONBody(r, &n); err != nil {
		// The node union is closed at the parse boundary, so an unknown
		// type surfaces here rather than from AddNode.
		if errors.Is(err, core.ErrUnknownNodeType) {
			writeError(w, http.StatusUnprocessableEntity, "UNKNOWN_NODE_TYPE", err.Error())
			return
		}
		writeDecodeError(w, err)
		return
	}

	added, err := wf.Document.AddNode(n)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrUnknownNodeType):
			writeError(w, http.StatusUnprocessableEntity, "UNKNOWN_NODE_TYPE", err.Error())
		case errors.Is(err, graph.ErrDuplicateID):
			writeError(w, http.StatusConflict, "DUPLICATE_ID", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "INVALID_NODE", err.Error())
		}
		return
	}

	if err := s.store.Touch(r.Context(), wf.ID); err != nil {
		s.logger.Warn("touching workflow after node insert", "workflow_id", wf.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, NodeResponse{Node: added, Validation: wf.Document.Validation()})
}

// nodePatch is the PATCH body for a node. Present fields replace their
// counterpart wholesale: data is the full payload for the node's type,
// not a partial merge.
type nodePatch struct {
	Position *core.Position  `json:"position"`
	Data     json.RawMessage `json:"data"`
}

// handleUpdateNode applies a patch to one node.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")

	var patch nodePatch
	if err := decodeJSONBody(r, &patch); err != nil {
		writeDecodeError(w, err)
		return
	}

	updated, err := wf.Document.UpdateNode(nodeID, func(n *core.Node) error {
		if patch.Position != nil {
			n.Position = *patch.Position
		}
		if len(patch.Data) > 0 {
			return decodeNodeData(n, patch.Data)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, graph.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	if err := s.store.Touch(r.Context(), wf.ID); err != nil {
		s.logger.Warn("touching workflow after node update", "workflow_id", wf.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, NodeResponse{Node: updated, Validation: wf.Document.Validation()})
}

// decodeNodeData replaces the node's payload with one decoded from raw
// JSON, under the node's existing type.
func decodeNodeData(n *core.Node, data json.RawMessage) error {
	switch n.Type {
	case core.NodeStart:
		d := &core.StartData{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("decode start data: %w", err)
		}
		n.Start = d
	case core.NodeAgent:
		d := &core.AgentData{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("decode agent data: %w", err)
		}
		n.Agent = d
	case core.NodeIfElse:
		d := &core.IfElseData{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("decode if-else data: %w", err)
		}
		n.IfElse = d
	case core.NodeEnd:
		d := &core.EndData{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("decode end data: %w", err)
		}
		n.End = d
	case core.NodeNote:
		d := &core.NoteData{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("decode note data: %w", err)
		}
		n.Note = d
	default:
		return fmt.Errorf("%w: %q", core.ErrUnknownNodeType, string(n.Type))
	}
	return nil
}

// handleRemoveNode deletes a node and every edge touching it.
func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")

	if err := wf.Document.RemoveNode(nodeID); err != nil {
		if errors.Is(err, graph.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	if err := s.store.Touch(r.Context(), wf.ID); err != nil {
		s.logger.Warn("touching workflow after node removal", "workflow_id", wf.ID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnect adds an edge. Connections both endpoints do not accept
// come back as 409; the graph is left untouched.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}

	var e core.Edge
	if err := decodeJSONBody(r, &e); err != nil {
		writeDecodeError(w, err)
		return
	}

	connected, err := wf.Document.Connect(e)
	if err != nil {
		switch {
		case errors.Is(err, graph.ErrConnectionRefused):
			writeError(w, http.StatusConflict, "CONNECTION_REFUSED", err.Error())
		case errors.Is(err, graph.ErrDuplicateID):
			writeError(w, http.StatusConflict, "DUPLICATE_ID", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "INVALID_EDGE", err.Error())
		}
		return
	}

	if err := s.store.Touch(r.Context(), wf.ID); err != nil {
		s.logger.Warn("touching workflow after connect", "workflow_id", wf.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, EdgeResponse{Edge: connected, Validation: wf.Document.Validation()})
}

// handleDisconnect removes an edge by id.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	edgeID := r.PathValue("edge_id")

	if err := wf.Document.Disconnect(edgeID); err != nil {
		if errors.Is(err, graph.ErrEdgeNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	if err := s.store.Touch(r.Context(), wf.ID); err != nil {
		s.logger.Warn("touching workflow after disconnect", "workflow_id", wf.ID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVariables returns the variables visible to one node's
// conditions, resolved from the declared shape of its upstream node.
func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}

	nodeID := r.URL.Query().Get("node")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAM", "query parameter \"node\" is required")
		return
	}

	g := wf.Document.Snapshot()
	if g.Node(nodeID) == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("node %q not found", nodeID))
		return
	}

	vars := graph.AvailableVariables(&g, nodeID)
	if vars == nil {
		vars = []graph.Variable{}
	}
	writeJSON(w, http.StatusOK, VariablesResponse{NodeID: nodeID, Variables: vars})
}
