package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps model errors onto HTTP status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error."

	var validation *models.ValidationError
	switch {
	case errors.As(err, &validation):
		status, message = http.StatusBadRequest, validation.Error()
	case errors.Is(err, models.ErrValidation):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrDeviceNotFound), errors.Is(err, models.ErrNodeNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrDeviceLimit):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrStoreConflict):
		status, message = http.StatusServiceUnavailable, err.Error()
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, models.ErrInvalidSecret):
		status, message = http.StatusUnauthorized, err.Error()
	default:
		observability.WithContext(r.Context()).WithField("path", r.URL.Path).Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, models.ErrorResponse{Error: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.NewValidationError("body", err.Error())
	}
	return nil
}

// parseDeviceFilter reads the device search query parameters
func parseDeviceFilter(r *http.Request) (models.DeviceFilter, error) {
	q := r.URL.Query()
	filter := models.DeviceFilter{
		UserID:      q.Get("user"),
		NodeID:      q.Get("node"),
		IP:          q.Get("ip"),
		CountryCode: q.Get("country"),
	}

	if v := q.Get("client_type"); v != "" {
		ct, ok := models.ParseClientType(v)
		if !ok {
			return filter, models.NewValidationError("client_type", "unknown client type")
		}
		filter.ClientType = ct
	}
	if v := q.Get("ip"); v != "" {
		ip, err := models.NormalizeIP(v)
		if err != nil {
			return filter, err
		}
		filter.IP = ip
	}

	var err error
	if filter.IsBlocked, err = parseBoolParam(q.Get("blocked"), "blocked"); err != nil {
		return filter, err
	}
	if filter.IsDatacenter, err = parseBoolParam(q.Get("datacenter"), "datacenter"); err != nil {
		return filter, err
	}
	if filter.From, err = parseTimeParam(q.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeParam(q.Get("to"), "to"); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseIntParam(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parseIntParam(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseBoolParam(v, name string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, models.NewValidationError(name, "must be true or false")
	}
	return &b, nil
}

func parseTimeParam(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, models.NewValidationError(name, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func parseIntParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, models.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
