package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deviceguard/server/internal/models"
)

// APIError is a non-2xx answer of the operator API
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client is a thin HTTP client of the operator API
type Client struct {
	baseURL    string
	apiKey     string
	header     string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL, apiKey, header string, timeout time.Duration) *Client {
	if header == "" {
		header = "X-API-Key"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		header:     header,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(c.header, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp models.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) != nil || errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListDevices searches devices; query holds the search parameters
func (c *Client) ListDevices(ctx context.Context, query url.Values) (*models.DeviceListResponse, error) {
	var out models.DeviceListResponse
	path := "/api/devices"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func devicePath(userID, deviceID string) string {
	return "/api/users/" + url.PathEscape(userID) + "/devices/" + url.PathEscape(deviceID)
}

// GetDevice returns a device with its IP history
func (c *Client) GetDevice(ctx context.Context, userID, deviceID string) (*models.DeviceDetail, error) {
	var out models.DeviceDetail
	if err := c.do(ctx, http.MethodGet, devicePath(userID, deviceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeviceTraffic returns the bucketed traffic of a device; query holds from, to and node
func (c *Client) DeviceTraffic(ctx context.Context, userID, deviceID string, query url.Values) (*models.DeviceTrafficResponse, error) {
	var out models.DeviceTrafficResponse
	path := devicePath(userID, deviceID) + "/traffic"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetBlocked blocks or unblocks a device
func (c *Client) SetBlocked(ctx context.Context, userID, deviceID string, blocked bool) (*models.DeviceActionResponse, error) {
	action := "/unblock"
	if blocked {
		action = "/block"
	}
	var out models.DeviceActionResponse
	if err := c.do(ctx, http.MethodPost, devicePath(userID, deviceID)+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDevice removes a device
func (c *Client) DeleteDevice(ctx context.Context, userID, deviceID string) (*models.DeviceActionResponse, error) {
	var out models.DeviceActionResponse
	if err := c.do(ctx, http.MethodDelete, devicePath(userID, deviceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPolicy sets the device limit of a user
func (c *Client) SetPolicy(ctx context.Context, userID string, limit *int, enforce bool) (*models.AllowListVersion, error) {
	var out models.AllowListVersion
	req := models.SetPolicyRequest{DeviceLimit: limit, Enforce: enforce}
	if err := c.do(ctx, http.MethodPut, "/api/users/"+url.PathEscape(userID)+"/policy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResyncUser queues a forced push of a user's allow-list
func (c *Client) ResyncUser(ctx context.Context, userID string) (*models.ResyncResponse, error) {
	var out models.ResyncResponse
	if err := c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/resync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UserSync returns the allow-list of a user and its per-node state
func (c *Client) UserSync(ctx context.Context, userID string) (*models.UserSyncResponse, error) {
	var out models.UserSyncResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/sync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconcile runs a reconciliation sweep on the server
func (c *Client) Reconcile(ctx context.Context) (*models.ReconcilerStatus, error) {
	var out models.ReconcilerStatus
	if err := c.do(ctx, http.MethodPost, "/api/sync/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Anomalies returns the multilogin report of a user
func (c *Client) Anomalies(ctx context.Context, userID string) (*models.AnomalyReport, error) {
	var out models.AnomalyReport
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/anomalies", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListNodes returns the registered nodes
func (c *Client) ListNodes(ctx context.Context) (*models.NodeListResponse, error) {
	var out models.NodeListResponse
	if err := c.do(ctx, http.MethodGet, "/api/nodes", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
