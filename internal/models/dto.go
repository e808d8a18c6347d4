package models

import "time"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status         string    `json:"status"`
	Database       string    `json:"database"`
	ConnectedNodes int       `json:"connectedNodes"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// DeviceListResponse is returned when listing or searching devices
type DeviceListResponse struct {
	Devices    []*Device `json:"devices"`
	TotalCount int       `json:"totalCount"`
	Offset     int       `json:"offset"`
	Limit      int       `json:"limit"`
}

// DeviceDetail is a device with its IP history and traffic totals
type DeviceDetail struct {
	Device        *Device     `json:"device"`
	IPs           []*DeviceIP `json:"ips"`
	UploadBytes   int64       `json:"uploadBytes"`
	DownloadBytes int64       `json:"downloadBytes"`
	ConnectCount  int64       `json:"connectCount"`
	Countries     []string    `json:"countries"`
}

// DeviceTrafficResponse is the bucketed traffic of a device with the totals of the returned buckets
type DeviceTrafficResponse struct {
	DeviceID      string           `json:"deviceId"`
	UserID        string           `json:"userId"`
	Traffic       []*DeviceTraffic `json:"traffic"`
	TotalUpload   int64            `json:"totalUpload"`
	TotalDownload int64            `json:"totalDownload"`
	TotalConnects int64            `json:"totalConnects"`
}

// UpdateDeviceRequest changes operator metadata of a device.
// An empty display name clears it.
type UpdateDeviceRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	TrustLevel  *int    `json:"trustLevel,omitempty"`
}

// DeviceActionResponse is returned by operations that change the allow-list
type DeviceActionResponse struct {
	Device *Device `json:"device"`
	Epoch  int64   `json:"epoch"`
}

// SetPolicyRequest sets the device limit of a user (nil limit means unlimited)
type SetPolicyRequest struct {
	DeviceLimit *int `json:"deviceLimit"`
	Enforce     bool `json:"enforce"`
}

// UserSyncResponse is the allow-list of a user and its delivery state per node
type UserSyncResponse struct {
	Snapshot *AllowListSnapshot `json:"snapshot"`
	Nodes    []*NodeSyncState   `json:"nodes"`
	Task     *SyncTaskStatus    `json:"task,omitempty"`
}

// ResyncResponse is returned when a resync was queued
type ResyncResponse struct {
	UserID string `json:"userId,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
	Epoch  int64  `json:"epoch,omitempty"`
	Queued int    `json:"queued"`
}

// MigrationResponse lists the users whose legacy devices were removed
type MigrationResponse struct {
	Epochs map[string]int64 `json:"epochs"`
}

// RegisterNodeRequest is the request body for registering a proxy node
type RegisterNodeRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// RegisterNodeResponse contains the new node and its secret (shown only once)
type RegisterNodeResponse struct {
	Node   *Node  `json:"node"`
	Secret string `json:"secret"`
}

// SetNodeEnabledRequest enables or disables a node
type SetNodeEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// NodeAssignmentsRequest restricts the users a node serves
type NodeAssignmentsRequest struct {
	UserIDs []string `json:"userIds"`
}

// NodeAssignmentsResponse lists the users a node serves (empty means every user)
type NodeAssignmentsResponse struct {
	NodeID  string   `json:"nodeId"`
	UserIDs []string `json:"userIds"`
}

// NodeListResponse is returned when listing nodes
type NodeListResponse struct {
	Nodes []*NodeView `json:"nodes"`
}

// NodeView is a node with its live connection state
type NodeView struct {
	*Node
	Connected bool `json:"connected"`
}

// NodeSessionRequest exchanges node credentials for a session token
type NodeSessionRequest struct {
	NodeID string `json:"nodeId"`
	Secret string `json:"secret"`
}

// NodeSessionResponse contains a node session token
type NodeSessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SyncStatusResponse is the state of the sync dispatcher and the reconciliation sweep
type SyncStatusResponse struct {
	QueueLength int               `json:"queueLength"`
	Tasks       []*SyncTaskStatus `json:"tasks"`
	Reconciler  ReconcilerStatus  `json:"reconciler"`
}
