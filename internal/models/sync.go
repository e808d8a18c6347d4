package models

import "time"

// NodeSyncStatus is the delivery state of a user's allow-list on one node
type NodeSyncStatus string

const (
	SyncStatusPending NodeSyncStatus = "pending"
	SyncStatusAcked   NodeSyncStatus = "acked"
	SyncStatusFailed  NodeSyncStatus = "failed"
	SyncStatusStale   NodeSyncStatus = "stale"
)

// NodeSyncState is the last acknowledged epoch of a user's allow-list on a node
type NodeSyncState struct {
	NodeID     string         `json:"nodeId"`
	UserID     string         `json:"userId"`
	AckedEpoch int64          `json:"ackedEpoch"`
	Status     NodeSyncStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"lastError,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Behind reports whether the node has not acknowledged epoch yet
func (s *NodeSyncState) Behind(epoch int64) bool {
	return s == nil || s.AckedEpoch < epoch || s.Status == SyncStatusStale
}

// SyncTask is a pending propagation of a user's allow-list
type SyncTask struct {
	UserID string `json:"userId"`
	Epoch  int64  `json:"epoch"`
	// Force sends to every eligible node even when it already acked Epoch
	Force bool `json:"force"`
	// NodeIDs restricts the targets; empty means every eligible node
	NodeIDs   []string  `json:"nodeIds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSyncTask creates a task for userID generated from epoch
func NewSyncTask(userID string, epoch int64) SyncTask {
	return SyncTask{
		UserID:    userID,
		Epoch:     epoch,
		CreatedAt: time.Now().UTC(),
	}
}

// NodeDelivery is the per-node progress of a SyncTask
type NodeDelivery struct {
	Status    NodeSyncStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
}

// SyncTaskStatus is an observable copy of an in-flight task
type SyncTaskStatus struct {
	SyncTask
	Nodes map[string]NodeDelivery `json:"nodes"`
}

// Done reports whether every targeted node reached a terminal state
func (s *SyncTaskStatus) Done() bool {
	for _, d := range s.Nodes {
		if d.Status == SyncStatusPending {
			return false
		}
	}
	return true
}

// ReconcilerStatus represents the current state of the reconciliation sweep
type ReconcilerStatus struct {
	Running          bool      `json:"running"`
	Enabled          bool      `json:"enabled"`
	LastRun          time.Time `json:"lastRun,omitempty"`
	LastRunDuration  string    `json:"lastRunDuration,omitempty"`
	UsersChecked     int       `json:"usersChecked"`
	NodesHealed      int       `json:"nodesHealed"`
	Errors           []string  `json:"errors,omitempty"`
	NextScheduledRun time.Time `json:"nextScheduledRun,omitempty"`
}
