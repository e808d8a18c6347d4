package handlers

import (
	"net/http"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/services"
	"github.com/go-chi/chi/v5"
)

// SyncHandler handles device policy and allow-list sync endpoints
type SyncHandler struct {
	devices    *services.DeviceService
	dispatcher *services.SyncDispatcher
	reconciler *services.Reconciler
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(
	devices *services.DeviceService,
	dispatcher *services.SyncDispatcher,
	reconciler *services.Reconciler,
) *SyncHandler {
	return &SyncHandler{
		devices:    devices,
		dispatcher: dispatcher,
		reconciler: reconciler,
	}
}

// GetPolicy returns the device limit of a user
// @Summary Get device policy
// @Tags policy
// @Produce json
// @Param userId path string true "User ID"
// @Success 200 {object} models.AllowListVersion
// @Security ApiKeyAuth
// @Router /api/users/{userId}/policy [get]
func (h *SyncHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	version, err := h.devices.Policy(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// SetPolicy changes the device limit of a user
// @Summary Set device policy
// @Description Set the device limit (null for unlimited) and whether it is enforced. Lowering the limit keeps existing devices.
// @Tags policy
// @Accept json
// @Produce json
// @Param userId path string true "User ID"
// @Param request body models.SetPolicyRequest true "Policy"
// @Success 200 {object} models.AllowListVersion
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/policy [put]
func (h *SyncHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var req models.SetPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	version, err := h.devices.SetPolicy(r.Context(), chi.URLParam(r, "userId"), req.DeviceLimit, req.Enforce)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// GetUserSync returns the allow-list of a user and its delivery state per node
// @Summary Get user sync state
// @Tags sync
// @Produce json
// @Param userId path string true "User ID"
// @Success 200 {object} models.UserSyncResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/sync [get]
func (h *SyncHandler) GetUserSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	snapshot, states, err := h.devices.SyncOverview(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if states == nil {
		states = []*models.NodeSyncState{}
	}

	response := models.UserSyncResponse{Snapshot: snapshot, Nodes: states}
	if task, ok := h.dispatcher.Status(userID); ok {
		response.Task = task
	}
	writeJSON(w, http.StatusOK, response)
}

// ResyncUser pushes the current allow-list of a user to every eligible node
// @Summary Resync user
// @Description Queue a forced push of the current allow-list, including nodes that already acknowledged it
// @Tags sync
// @Produce json
// @Param userId path string true "User ID"
// @Success 202 {object} models.ResyncResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/resync [post]
func (h *SyncHandler) ResyncUser(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.ForceResync(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.ResyncResponse{UserID: task.UserID, Epoch: task.Epoch, Queued: 1})
}

// Reconcile runs a reconciliation sweep immediately
// @Summary Run reconciliation
// @Description Compare every node's acknowledged epoch with the current one and queue the missing pushes
// @Tags sync
// @Produce json
// @Success 200 {object} models.ReconcilerStatus
// @Security ApiKeyAuth
// @Router /api/sync/reconcile [post]
func (h *SyncHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reconciler.RunOnce(r.Context()))
}

// GetStatus returns the dispatcher queue and the last reconciliation sweep
// @Summary Sync status
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncStatusResponse
// @Security ApiKeyAuth
// @Router /api/sync/status [get]
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	tasks := h.dispatcher.Statuses()
	if tasks == nil {
		tasks = []*models.SyncTaskStatus{}
	}
	writeJSON(w, http.StatusOK, models.SyncStatusResponse{
		QueueLength: h.dispatcher.QueueLength(),
		Tasks:       tasks,
		Reconciler:  h.reconciler.GetStatus(),
	})
}

// MigrateFingerprints removes devices created under an older fingerprint scheme
// @Summary Migrate fingerprints
// @Description Delete devices whose fingerprint version is older than the current one; their clients are admitted again on the next connection
// @Tags sync
// @Produce json
// @Success 200 {object} models.MigrationResponse
// @Security ApiKeyAuth
// @Router /api/sync/migrate-fingerprints [post]
func (h *SyncHandler) MigrateFingerprints(w http.ResponseWriter, r *http.Request) {
	epochs, err := h.devices.MigrateFingerprints(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if epochs == nil {
		epochs = map[string]int64{}
	}
	writeJSON(w, http.StatusOK, models.MigrationResponse{Epochs: epochs})
}
