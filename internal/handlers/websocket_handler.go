package handlers

import (
	"net/http"

	"github.com/deviceguard/server/internal/middleware"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/services"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Nodes are not browsers; the session token authenticates them
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler serves the allow-list control channel of proxy nodes
type WebSocketHandler struct {
	hub *services.NodeHub
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.NodeHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection upgrades HTTP to WebSocket and manages the node connection
// @Summary Node control channel
// @Description WebSocket carrying allow_list pushes to the node and ack/error messages back
// @Tags node
// @Param token query string true "Node session token"
// @Success 101
// @Failure 401 {object} models.ErrorResponse
// @Router /api/node/ws [get]
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	nodeID := middleware.GetNodeIDFromContext(r.Context())
	if nodeID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.WithField("node_id", nodeID).Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(nodeID, conn)
	h.hub.Register(client)

	// Start the write pump in a goroutine
	go client.WritePump()

	// Run the read pump (blocks until connection closes)
	client.ReadPump()
}
