package handlers

import (
	"net/http"

	"github.com/deviceguard/server/internal/middleware"
	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/services"
)

// NodeAPIHandler handles the endpoints called by proxy nodes
type NodeAPIHandler struct {
	nodes     *services.NodeService
	admission *services.AdmissionService
}

// NewNodeAPIHandler creates a new NodeAPIHandler
func NewNodeAPIHandler(nodes *services.NodeService, admission *services.AdmissionService) *NodeAPIHandler {
	return &NodeAPIHandler{
		nodes:     nodes,
		admission: admission,
	}
}

// CreateSession exchanges node credentials for a session token
// @Summary Node session
// @Description Exchange a node id and secret for a short-lived session token
// @Tags node
// @Accept json
// @Produce json
// @Param request body models.NodeSessionRequest true "Credentials"
// @Success 200 {object} models.NodeSessionResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /api/node/session [post]
func (h *NodeAPIHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.NodeSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	token, expiresAt, err := h.nodes.Authenticate(r.Context(), req.NodeID, req.Secret)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NodeSessionResponse{Token: token, ExpiresAt: expiresAt})
}

// ReportConnection admits or rejects a client connection seen by the node
// @Summary Report connection
// @Description Report a client connection. The decision tells the node whether to keep the connection.
// @Tags node
// @Accept json
// @Produce json
// @Param request body models.ConnectionEvent true "Connection event"
// @Success 200 {object} models.IngestResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security NodeAuth
// @Router /api/node/events [post]
func (h *NodeAPIHandler) ReportConnection(w http.ResponseWriter, r *http.Request) {
	var event models.ConnectionEvent
	if err := decodeJSON(w, r, &event); err != nil {
		writeError(w, r, err)
		return
	}
	// the reporting node is the authenticated one
	event.NodeID = middleware.GetNodeIDFromContext(r.Context())

	result, err := h.admission.Ingest(r.Context(), event)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
