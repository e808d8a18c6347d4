package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/repository"
	"github.com/stretchr/testify/require"
)

type testStore struct {
	devices    *repository.DeviceRepository
	ips        *repository.DeviceIPRepository
	allowLists *repository.AllowListRepository
	nodes      *repository.NodeRepository
	states     *repository.NodeSyncStateRepository
}

func setupTestStore(t *testing.T) *testStore {
	t.Helper()
	sqlDB, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "services-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := repository.NewDB(sqlDB, repository.DialectSQLite, 5, repository.PolicyDefaults{Enforce: true})
	return &testStore{
		devices:    repository.NewDeviceRepository(db),
		ips:        repository.NewDeviceIPRepository(db),
		allowLists: repository.NewAllowListRepository(db),
		nodes:      repository.NewNodeRepository(db),
		states:     repository.NewNodeSyncStateRepository(db),
	}
}

func (s *testStore) addNode(t *testing.T, name string) *models.Node {
	t.Helper()
	node, _, err := models.NewNode(name, name+".example.net:443")
	require.NoError(t, err)
	require.NoError(t, s.nodes.Add(context.Background(), node))
	return node
}

// recordingEnqueuer collects the tasks it is given
type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []models.SyncTask
}

func (r *recordingEnqueuer) Enqueue(task models.SyncTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingEnqueuer) Tasks() []models.SyncTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SyncTask(nil), r.tasks...)
}

// connectionEvent builds an event for the client labelled client
func connectionEvent(userID, client string) models.ConnectionEvent {
	return models.ConnectionEvent{
		UserID:         userID,
		NodeID:         "node-a",
		RemoteIP:       "198.51.100.10",
		ClientName:     "v2rayNG",
		UserAgent:      "v2rayNG/1.8.5 (" + client + ")",
		TLSFingerprint: "771,4865-4866-4867,0-23-65281-" + client,
		UploadBytes:    1024,
		DownloadBytes:  4096,
	}
}

func intPtr(v int) *int { return &v }

func testSyncConfig() config.Sync {
	return config.Sync{
		Workers:                  2,
		QueueSize:                64,
		SendTimeoutMs:            500,
		InitialBackoffMs:         5,
		MaxBackoffMs:             20,
		MaxAttempts:              3,
		ReconcileIntervalSeconds: 300,
	}
}

// fakeTransport acknowledges every send unless the node is set to fail
type fakeTransport struct {
	mu        sync.Mutex
	failing   map[string]bool
	offline   map[string]bool
	sends     map[string]int
	delivered map[string]models.AllowListPayload
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failing:   make(map[string]bool),
		offline:   make(map[string]bool),
		sends:     make(map[string]int),
		delivered: make(map[string]models.AllowListPayload),
	}
}

func (f *fakeTransport) Send(ctx context.Context, nodeID string, payload models.AllowListPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends[nodeID]++
	if f.offline[nodeID] {
		return &models.TransportError{NodeID: nodeID, Err: models.ErrNodeNotConnected}
	}
	if f.failing[nodeID] {
		return fmt.Errorf("node %s unreachable", nodeID)
	}
	f.delivered[nodeID+"/"+payload.UserID] = payload
	return nil
}

func (f *fakeTransport) IsConnected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[nodeID]
}

func (f *fakeTransport) setFailing(nodeID string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[nodeID] = failing
}

func (f *fakeTransport) sendCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[nodeID]
}

func (f *fakeTransport) lastPayload(nodeID, userID string) (models.AllowListPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.delivered[nodeID+"/"+userID]
	return p, ok
}

func waitIdle(t *testing.T, d *SyncDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx))
}
