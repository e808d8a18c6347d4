package repository

import (
	"context"
	"time"

	"github.com/deviceguard/server/internal/models"
)

// DeviceRepo defines the interface for device persistence operations
type DeviceRepo interface {
	GetByID(ctx context.Context, id string) (*models.Device, error)
	GetByFingerprint(ctx context.Context, userID, fingerprint string) (*models.Device, error)
	ListForUser(ctx context.Context, userID string) ([]*models.Device, error)
	Search(ctx context.Context, filter models.DeviceFilter) ([]*models.Device, error)
	Count(ctx context.Context, filter models.DeviceFilter) (int, error)
	CountActiveSince(ctx context.Context, userID string, since time.Time) (int, error)
	Admit(ctx context.Context, candidate *models.Device, sample models.IPSample, allow AdmitPolicy) (*AdmitResult, error)
	SetBlocked(ctx context.Context, id string, blocked bool) (*models.Device, int64, error)
	Delete(ctx context.Context, id string) (*models.Device, int64, error)
	DeleteBelowVersion(ctx context.Context, version int) (map[string]int64, error)
	SetDisplayName(ctx context.Context, id string, name *string) (*models.Device, error)
	SetTrustLevel(ctx context.Context, id string, level int) (*models.Device, error)
}

// DeviceIPRepo defines the interface for reading device IP and traffic history
type DeviceIPRepo interface {
	ListForDevice(ctx context.Context, deviceID string) ([]*models.DeviceIP, error)
	ListForUser(ctx context.Context, userID string) ([]*models.DeviceIP, error)
	Get(ctx context.Context, deviceID, ip string) (*models.DeviceIP, error)
	ListTraffic(ctx context.Context, deviceID string, filter models.TrafficFilter) ([]*models.DeviceTraffic, error)
}

// AllowListRepo defines the interface for per-user policies and allow-list snapshots
type AllowListRepo interface {
	GetVersion(ctx context.Context, userID string) (*models.AllowListVersion, error)
	Snapshot(ctx context.Context, userID string) (*models.AllowListSnapshot, error)
	SetPolicy(ctx context.Context, userID string, limit *int, enforce bool) (*models.AllowListVersion, error)
	ListVersions(ctx context.Context) ([]*models.AllowListVersion, error)
}

// NodeRepo defines the interface for the proxy node registry
type NodeRepo interface {
	Add(ctx context.Context, node *models.Node) error
	GetByID(ctx context.Context, id string) (*models.Node, error)
	GetByName(ctx context.Context, name string) (*models.Node, error)
	List(ctx context.Context) ([]*models.Node, error)
	ListEligibleForUser(ctx context.Context, userID string) ([]*models.Node, error)
	ListUsersForNode(ctx context.Context, nodeID string) ([]*models.AllowListVersion, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	UpdateStatus(ctx context.Context, id string, status models.NodeStatus, message string) error
	Delete(ctx context.Context, id string) (bool, error)
	SetAssignments(ctx context.Context, nodeID string, userIDs []string) error
	ListAssignments(ctx context.Context, nodeID string) ([]string, error)
}

// NodeSyncStateRepo defines the interface for allow-list delivery state
type NodeSyncStateRepo interface {
	Get(ctx context.Context, nodeID, userID string) (*models.NodeSyncState, error)
	ListForUser(ctx context.Context, userID string) ([]*models.NodeSyncState, error)
	ListForNode(ctx context.Context, nodeID string) ([]*models.NodeSyncState, error)
	RecordAck(ctx context.Context, nodeID, userID string, epoch int64, attempts int) error
	MarkStatus(ctx context.Context, nodeID, userID string, status models.NodeSyncStatus, attempts int, lastError string) error
	DeleteForUser(ctx context.Context, userID string) error
}

var (
	_ DeviceRepo        = (*DeviceRepository)(nil)
	_ DeviceIPRepo      = (*DeviceIPRepository)(nil)
	_ AllowListRepo     = (*AllowListRepository)(nil)
	_ NodeRepo          = (*NodeRepository)(nil)
	_ NodeSyncStateRepo = (*NodeSyncStateRepository)(nil)
)
