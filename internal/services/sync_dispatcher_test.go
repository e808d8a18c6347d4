package services

import (
	"context"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	store      *testStore
	transport  *fakeTransport
	dispatcher *SyncDispatcher
	admission  *AdmissionService
	devices    *DeviceService
	reconciler *Reconciler
}

func newSyncFixture(t *testing.T, cfg config.Sync) *syncFixture {
	t.Helper()
	store := setupTestStore(t)
	transport := newFakeTransport()
	dispatcher := NewSyncDispatcher(store.allowLists, store.nodes, store.states, transport, cfg, nil)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	return &syncFixture{
		store:      store,
		transport:  transport,
		dispatcher: dispatcher,
		admission:  NewAdmissionService(store.devices, NewFingerprintService(), NoopEnricher{}, dispatcher, nil),
		devices:    NewDeviceService(store.devices, store.ips, store.allowLists, store.states, dispatcher),
		reconciler: NewReconciler(store.allowLists, store.nodes, store.states, transport, dispatcher, time.Hour),
	}
}

func (f *syncFixture) ackedEpoch(t *testing.T, nodeID, userID string) int64 {
	t.Helper()
	state, err := f.store.states.Get(context.Background(), nodeID, userID)
	require.NoError(t, err)
	if state == nil {
		return 0
	}
	return state.AckedEpoch
}

func TestSyncDispatcher_FastPath(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testSyncConfig())
	a := f.store.addNode(t, "node-a")
	b := f.store.addNode(t, "node-b")

	res, err := f.admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	for _, node := range []*models.Node{a, b} {
		assert.Equal(t, res.Epoch, f.ackedEpoch(t, node.ID, "alice"))
		payload, ok := f.transport.lastPayload(node.ID, "alice")
		require.True(t, ok)
		assert.Equal(t, res.Epoch, payload.Epoch)
		assert.Equal(t, []string{res.Device.Fingerprint}, payload.Fingerprints)
		assert.True(t, payload.Enforce)
	}

	status, ok := f.dispatcher.Status("alice")
	require.True(t, ok)
	assert.True(t, status.Done())
	assert.Equal(t, models.SyncStatusAcked, status.Nodes[a.ID].Status)

	t.Run("acked nodes are skipped by a regular task", func(t *testing.T) {
		before := f.transport.sendCount(a.ID)
		f.dispatcher.Enqueue(models.NewSyncTask("alice", res.Epoch))
		waitIdle(t, f.dispatcher)
		assert.Equal(t, before, f.transport.sendCount(a.ID))
	})

	t.Run("force resync sends again", func(t *testing.T) {
		before := f.transport.sendCount(a.ID)
		task, err := f.dispatcher.ForceResync(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, task.Force)
		waitIdle(t, f.dispatcher)
		assert.Equal(t, before+1, f.transport.sendCount(a.ID))
	})
}

func TestSyncDispatcher_BlockChangesNextAllowList(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testSyncConfig())
	node := f.store.addNode(t, "node-a")

	a, err := f.admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	b, err := f.admission.Ingest(ctx, connectionEvent("alice", "B"))
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	_, epoch, err := f.devices.Block(ctx, "alice", a.Device.ID)
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	payload, ok := f.transport.lastPayload(node.ID, "alice")
	require.True(t, ok)
	assert.Equal(t, epoch, payload.Epoch)
	assert.Equal(t, []string{b.Device.Fingerprint}, payload.Fingerprints)

	_, epoch, err = f.devices.Unblock(ctx, "alice", a.Device.ID)
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	payload, ok = f.transport.lastPayload(node.ID, "alice")
	require.True(t, ok)
	assert.Equal(t, epoch, payload.Epoch)
	assert.ElementsMatch(t, []string{a.Device.Fingerprint, b.Device.Fingerprint}, payload.Fingerprints)
	assert.Equal(t, epoch, f.ackedEpoch(t, node.ID, "alice"))
}

func TestSyncDispatcher_FailingNodeDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testSyncConfig())
	healthy := f.store.addNode(t, "node-a")
	broken := f.store.addNode(t, "node-b")
	f.transport.setFailing(broken.ID, true)

	res, err := f.admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	assert.Equal(t, res.Epoch, f.ackedEpoch(t, healthy.ID, "alice"))
	assert.Equal(t, 3, f.transport.sendCount(broken.ID), "retried up to the attempt limit")

	state, err := f.store.states.Get(ctx, broken.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.SyncStatusStale, state.Status)
	assert.Equal(t, 3, state.Attempts)
	assert.NotEmpty(t, state.LastError)

	status, ok := f.dispatcher.Status("alice")
	require.True(t, ok)
	assert.Equal(t, models.SyncStatusStale, status.Nodes[broken.ID].Status)
	assert.Equal(t, models.SyncStatusAcked, status.Nodes[healthy.ID].Status)
}

func TestSyncDispatcher_ConvergesThroughReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testSyncConfig())
	a := f.store.addNode(t, "node-a")
	b := f.store.addNode(t, "node-b")
	f.transport.setFailing(b.ID, true)

	first, err := f.admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	_, err = f.admission.Ingest(ctx, connectionEvent("bob", "B"))
	require.NoError(t, err)
	_, _, err = f.devices.Block(ctx, "alice", first.Device.ID)
	require.NoError(t, err)
	_, err = f.devices.SetPolicy(ctx, "bob", intPtr(3), true)
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	// the fast path never reached node-b
	assert.Zero(t, f.ackedEpoch(t, b.ID, "alice"))
	assert.Zero(t, f.ackedEpoch(t, b.ID, "bob"))

	f.transport.setFailing(b.ID, false)
	status := f.reconciler.RunOnce(ctx)
	assert.Equal(t, 2, status.UsersChecked)
	assert.Equal(t, 2, status.NodesHealed)
	assert.Empty(t, status.Errors)
	waitIdle(t, f.dispatcher)

	for _, user := range []string{"alice", "bob"} {
		version, err := f.store.allowLists.GetVersion(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, version.Epoch, f.ackedEpoch(t, a.ID, user))
		assert.Equal(t, version.Epoch, f.ackedEpoch(t, b.ID, user))
	}

	t.Run("a converged sweep heals nothing", func(t *testing.T) {
		status := f.reconciler.RunOnce(ctx)
		assert.Zero(t, status.NodesHealed)
		assert.False(t, status.LastRun.IsZero())
	})
}

func TestSyncDispatcher_ResyncNode(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testSyncConfig())
	node := f.store.addNode(t, "node-a")
	f.transport.setFailing(node.ID, true)

	_, err := f.admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	f.transport.setFailing(node.ID, false)
	queued, err := f.dispatcher.ResyncNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	waitIdle(t, f.dispatcher)

	version, err := f.store.allowLists.GetVersion(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, version.Epoch, f.ackedEpoch(t, node.ID, "alice"))

	queued, err = f.dispatcher.ResyncNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Zero(t, queued, "an up to date node needs nothing")
}

func TestSyncDispatcher_Supersession(t *testing.T) {
	ctx := context.Background()

	t.Run("acks for an older epoch are ignored", func(t *testing.T) {
		f := newSyncFixture(t, testSyncConfig())
		node := f.store.addNode(t, "node-a")

		f.dispatcher.noteEpoch("alice", 5)
		err := f.dispatcher.acknowledge(ctx, node.ID, "alice", 4, 1)
		assert.ErrorIs(t, err, models.ErrStaleEpoch)
		assert.Zero(t, f.ackedEpoch(t, node.ID, "alice"))

		require.NoError(t, f.dispatcher.acknowledge(ctx, node.ID, "alice", 5, 1))
		assert.Equal(t, int64(5), f.ackedEpoch(t, node.ID, "alice"))
	})

	t.Run("a newer epoch abandons retries during backoff", func(t *testing.T) {
		cfg := testSyncConfig()
		cfg.InitialBackoffMs = 60000
		cfg.MaxBackoffMs = 60000
		cfg.MaxAttempts = 10
		f := newSyncFixture(t, cfg)
		node := f.store.addNode(t, "node-a")
		f.transport.setFailing(node.ID, true)

		_, err := f.admission.Ingest(ctx, connectionEvent("alice", "A"))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return f.transport.sendCount(node.ID) >= 1 }, 2*time.Second, 5*time.Millisecond)

		f.transport.setFailing(node.ID, false)
		version, err := f.devices.SetPolicy(ctx, "alice", intPtr(4), true)
		require.NoError(t, err)

		waitIdle(t, f.dispatcher)
		assert.Equal(t, version.Epoch, f.ackedEpoch(t, node.ID, "alice"))
		assert.Equal(t, 2, f.transport.sendCount(node.ID), "the superseded loop never retried")
	})
}

func TestSyncDispatcher_AssignmentChangeReachesNewNode(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testSyncConfig())
	a := f.store.addNode(t, "node-a")
	b := f.store.addNode(t, "node-b")
	nodes := NewNodeService(f.store.nodes, f.store.states, f.dispatcher,
		config.Security{NodeJWTSecret: "test-node-secret", NodeSessionMinutes: 5}, nil)

	_, err := nodes.SetAssignments(ctx, a.ID, []string{"alice"})
	require.NoError(t, err)
	res, err := f.admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	assert.Equal(t, res.Epoch, f.ackedEpoch(t, a.ID, "alice"))
	_, ok := f.transport.lastPayload(b.ID, "alice")
	assert.False(t, ok, "unassigned node received the allow-list")

	// Moving alice to node-b delivers her allow-list without waiting for a sweep
	_, err = nodes.SetAssignments(ctx, a.ID, nil)
	require.NoError(t, err)
	_, err = nodes.SetAssignments(ctx, b.ID, []string{"alice"})
	require.NoError(t, err)
	waitIdle(t, f.dispatcher)

	assert.Equal(t, res.Epoch, f.ackedEpoch(t, b.ID, "alice"))
	payload, ok := f.transport.lastPayload(b.ID, "alice")
	require.True(t, ok)
	assert.Equal(t, []string{res.Device.Fingerprint}, payload.Fingerprints)
}

func TestSyncDispatcher_Backoff(t *testing.T) {
	d := NewSyncDispatcher(nil, nil, nil, nil, config.Sync{
		QueueSize:        1,
		InitialBackoffMs: 100,
		MaxBackoffMs:     1000,
	}, nil)

	within := func(t *testing.T, got, center time.Duration) {
		t.Helper()
		assert.GreaterOrEqual(t, got, center*8/10)
		assert.LessOrEqual(t, got, center*12/10)
	}

	for i := 0; i < 20; i++ {
		retry := d.newBackoff()
		within(t, retry.NextBackOff(), 100*time.Millisecond)
		within(t, retry.NextBackOff(), 200*time.Millisecond)
		within(t, retry.NextBackOff(), 400*time.Millisecond)
		within(t, retry.NextBackOff(), 800*time.Millisecond)
		for j := 0; j < 10; j++ {
			within(t, retry.NextBackOff(), time.Second)
		}
	}

	// Each delivery loop starts its own schedule from the initial delay
	within(t, d.newBackoff().NextBackOff(), 100*time.Millisecond)
}

func TestReconciler_StartStop(t *testing.T) {
	f := newSyncFixture(t, testSyncConfig())
	f.reconciler.Start(false)
	assert.True(t, f.reconciler.GetStatus().Enabled)
	f.reconciler.Start(false)

	f.reconciler.Stop()
	assert.False(t, f.reconciler.GetStatus().Enabled)
	f.reconciler.Stop()
}
