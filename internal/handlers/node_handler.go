package handlers

import (
	"net/http"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/services"
	"github.com/go-chi/chi/v5"
)

// NodeHandler handles the operator endpoints of the proxy node registry
type NodeHandler struct {
	nodes      *services.NodeService
	hub        *services.NodeHub
	dispatcher *services.SyncDispatcher
}

// NewNodeHandler creates a new NodeHandler
func NewNodeHandler(nodes *services.NodeService, hub *services.NodeHub, dispatcher *services.SyncDispatcher) *NodeHandler {
	return &NodeHandler{
		nodes:      nodes,
		hub:        hub,
		dispatcher: dispatcher,
	}
}

// ListNodes returns every registered node with its connection state
// @Summary List nodes
// @Tags nodes
// @Produce json
// @Success 200 {object} models.NodeListResponse
// @Security ApiKeyAuth
// @Router /api/nodes [get]
func (h *NodeHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	views := make([]*models.NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, &models.NodeView{Node: n, Connected: h.hub.IsConnected(n.ID)})
	}
	writeJSON(w, http.StatusOK, models.NodeListResponse{Nodes: views})
}

// RegisterNode adds a proxy node
// @Summary Register node
// @Description Register a proxy node. The returned secret is shown only once.
// @Tags nodes
// @Accept json
// @Produce json
// @Param request body models.RegisterNodeRequest true "Node"
// @Success 201 {object} models.RegisterNodeResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/nodes [post]
func (h *NodeHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterNodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	node, secret, err := h.nodes.Register(r.Context(), req.Name, req.Address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.RegisterNodeResponse{Node: node, Secret: secret})
}

// GetNodeSync returns the per-user sync state of a node
// @Summary Get node sync state
// @Tags nodes
// @Produce json
// @Param nodeId path string true "Node ID"
// @Success 200 {array} models.NodeSyncState
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/nodes/{nodeId}/sync [get]
func (h *NodeHandler) GetNodeSync(w http.ResponseWriter, r *http.Request) {
	states, err := h.nodes.SyncStates(r.Context(), chi.URLParam(r, "nodeId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if states == nil {
		states = []*models.NodeSyncState{}
	}
	writeJSON(w, http.StatusOK, states)
}

// SetEnabled enables or disables a node
// @Summary Enable or disable node
// @Description A disabled node receives no allow-lists; re-enabling it pushes what it missed
// @Tags nodes
// @Accept json
// @Param nodeId path string true "Node ID"
// @Param request body models.SetNodeEnabledRequest true "State"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/nodes/{nodeId}/enabled [put]
func (h *NodeHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req models.SetNodeEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.nodes.SetEnabled(r.Context(), chi.URLParam(r, "nodeId"), req.Enabled); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetAssignments restricts the users a node serves
// @Summary Set node assignments
// @Description Restrict a node to the given users; an empty list makes it serve every user
// @Tags nodes
// @Accept json
// @Produce json
// @Param nodeId path string true "Node ID"
// @Param request body models.NodeAssignmentsRequest true "Users"
// @Success 200 {object} models.NodeAssignmentsResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/nodes/{nodeId}/assignments [put]
func (h *NodeHandler) SetAssignments(w http.ResponseWriter, r *http.Request) {
	var req models.NodeAssignmentsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	nodeID := chi.URLParam(r, "nodeId")
	users, err := h.nodes.SetAssignments(r.Context(), nodeID, req.UserIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NodeAssignmentsResponse{NodeID: nodeID, UserIDs: users})
}

// ResyncNode pushes every allow-list a node has not acknowledged
// @Summary Resync node
// @Tags nodes
// @Produce json
// @Param nodeId path string true "Node ID"
// @Success 202 {object} models.ResyncResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/nodes/{nodeId}/resync [post]
func (h *NodeHandler) ResyncNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	if _, err := h.nodes.Get(r.Context(), nodeID); err != nil {
		writeError(w, r, err)
		return
	}

	queued, err := h.dispatcher.ResyncNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.ResyncResponse{NodeID: nodeID, Queued: queued})
}

// DeleteNode removes a node
// @Summary Delete node
// @Tags nodes
// @Param nodeId path string true "Node ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/nodes/{nodeId} [delete]
func (h *NodeHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.nodes.Delete(r.Context(), chi.URLParam(r, "nodeId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
