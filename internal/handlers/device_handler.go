package handlers

import (
	"net/http"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/services"
	"github.com/go-chi/chi/v5"
)

// DeviceHandler handles the operator device endpoints
type DeviceHandler struct {
	devices   *services.DeviceService
	anomalies *services.AnomalyService
}

// NewDeviceHandler creates a new DeviceHandler
func NewDeviceHandler(devices *services.DeviceService, anomalies *services.AnomalyService) *DeviceHandler {
	return &DeviceHandler{
		devices:   devices,
		anomalies: anomalies,
	}
}

// ListUserDevices returns the devices of a user
// @Summary List user devices
// @Description List the devices of a user, optionally filtered by block state and client type
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Param blocked query bool false "Only blocked (true) or unblocked (false) devices"
// @Param client_type query string false "Client type (android, ios, windows, macos, linux, other)"
// @Param offset query int false "Offset"
// @Param limit query int false "Limit (default 100, max 1000)"
// @Success 200 {object} models.DeviceListResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices [get]
func (h *DeviceHandler) ListUserDevices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDeviceFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.UserID = chi.URLParam(r, "userId")
	h.search(w, r, filter)
}

// SearchDevices searches devices across users
// @Summary Search devices
// @Description Search devices by user, node, IP, country, datacenter usage, client type, block state and last seen range
// @Tags devices
// @Produce json
// @Param user query string false "User ID"
// @Param node query string false "Last node ID"
// @Param ip query string false "Observed IP address"
// @Param country query string false "ISO country code of an observed IP"
// @Param datacenter query bool false "Has (true) or lacks (false) datacenter IPs"
// @Param client_type query string false "Client type"
// @Param blocked query bool false "Block state"
// @Param from query string false "Last seen after (RFC 3339)"
// @Param to query string false "Last seen before (RFC 3339)"
// @Param offset query int false "Offset"
// @Param limit query int false "Limit (default 100, max 1000)"
// @Success 200 {object} models.DeviceListResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices [get]
func (h *DeviceHandler) SearchDevices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDeviceFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.search(w, r, filter)
}

func (h *DeviceHandler) search(w http.ResponseWriter, r *http.Request, filter models.DeviceFilter) {
	devices, total, err := h.devices.Search(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []*models.Device{}
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = models.DefaultDeviceListLimit
	}
	writeJSON(w, http.StatusOK, models.DeviceListResponse{
		Devices:    devices,
		TotalCount: total,
		Offset:     filter.Offset,
		Limit:      limit,
	})
}

// GetDevice returns a device with its IP history
// @Summary Get device
// @Description Get a device with its observed IPs, traffic totals and countries
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Param deviceId path string true "Device ID"
// @Success 200 {object} models.DeviceDetail
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices/{deviceId} [get]
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	detail, err := h.devices.Detail(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetDeviceTraffic returns the bucketed traffic history of a device
// @Summary Get device traffic
// @Description Traffic of a device per node and 5-minute bucket, with totals over the returned buckets
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Param deviceId path string true "Device ID"
// @Param from query string false "Earliest bucket start (RFC 3339)"
// @Param to query string false "Latest bucket start (RFC 3339)"
// @Param node query string false "Only traffic through this node"
// @Success 200 {object} models.DeviceTrafficResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices/{deviceId}/traffic [get]
func (h *DeviceHandler) GetDeviceTraffic(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TrafficFilter{NodeID: q.Get("node")}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from"), "from"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to"), "to"); err != nil {
		writeError(w, r, err)
		return
	}

	traffic, err := h.devices.Traffic(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "deviceId"), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traffic)
}

// BlockDevice removes a device from the allow-list
// @Summary Block device
// @Description Block a device; the user's allow-list epoch is bumped and pushed to the nodes
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Param deviceId path string true "Device ID"
// @Success 200 {object} models.DeviceActionResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices/{deviceId}/block [post]
func (h *DeviceHandler) BlockDevice(w http.ResponseWriter, r *http.Request) {
	device, epoch, err := h.devices.Block(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DeviceActionResponse{Device: device, Epoch: epoch})
}

// UnblockDevice puts a device back on the allow-list
// @Summary Unblock device
// @Description Unblock a device; fails with 409 when the enforced device limit is reached
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Param deviceId path string true "Device ID"
// @Success 200 {object} models.DeviceActionResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices/{deviceId}/unblock [post]
func (h *DeviceHandler) UnblockDevice(w http.ResponseWriter, r *http.Request) {
	device, epoch, err := h.devices.Unblock(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DeviceActionResponse{Device: device, Epoch: epoch})
}

// UpdateDevice changes the display name or trust level of a device
// @Summary Update device
// @Description Change operator metadata of a device; the allow-list is not affected
// @Tags devices
// @Accept json
// @Produce json
// @Param userId path string true "User ID"
// @Param deviceId path string true "Device ID"
// @Param request body models.UpdateDeviceRequest true "Changes"
// @Success 200 {object} models.Device
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices/{deviceId} [patch]
func (h *DeviceHandler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	device, err := h.devices.Update(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "deviceId"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// DeleteDevice removes a device and its IP history
// @Summary Delete device
// @Description Delete a device; a client reconnecting afterwards is admitted as a new device
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Param deviceId path string true "Device ID"
// @Success 200 {object} models.DeviceActionResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices/{deviceId} [delete]
func (h *DeviceHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	epoch, err := h.devices.Delete(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DeviceActionResponse{Epoch: epoch})
}

// GetStatistics returns aggregated device usage of a user
// @Summary Device statistics
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Success 200 {object} models.DeviceStatistics
// @Security ApiKeyAuth
// @Router /api/users/{userId}/devices/statistics [get]
func (h *DeviceHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.anomalies.Statistics(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetAnomalies returns the multilogin analysis of a user
// @Summary Anomaly report
// @Description Advisory report of suspected account sharing; nothing is blocked automatically
// @Tags devices
// @Produce json
// @Param userId path string true "User ID"
// @Success 200 {object} models.AnomalyReport
// @Security ApiKeyAuth
// @Router /api/users/{userId}/anomalies [get]
func (h *DeviceHandler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	report, err := h.anomalies.Analyze(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
