package services

import (
	"context"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceService_UpdateAndDetail(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	sync := &recordingEnqueuer{}
	admission := newTestAdmission(store, nil)
	devices := NewDeviceService(store.devices, store.ips, store.allowLists, store.states, sync)

	first, err := admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	ev := connectionEvent("alice", "A")
	ev.RemoteIP = "203.0.113.4"
	_, err = admission.Ingest(ctx, ev)
	require.NoError(t, err)

	name := "  Alice's phone "
	updated, err := devices.Update(ctx, "alice", first.Device.ID, models.UpdateDeviceRequest{
		DisplayName: &name,
		TrustLevel:  intPtr(40),
	})
	require.NoError(t, err)
	require.NotNil(t, updated.DisplayName)
	assert.Equal(t, "Alice's phone", *updated.DisplayName)
	assert.Equal(t, 40, updated.TrustLevel)
	assert.Empty(t, sync.Tasks(), "metadata changes do not touch the allow-list")

	_, err = devices.Update(ctx, "alice", first.Device.ID, models.UpdateDeviceRequest{TrustLevel: intPtr(500)})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = devices.Update(ctx, "bob", first.Device.ID, models.UpdateDeviceRequest{DisplayName: &name})
	assert.ErrorIs(t, err, models.ErrDeviceNotFound)

	detail, err := devices.Detail(ctx, "alice", first.Device.ID)
	require.NoError(t, err)
	assert.Len(t, detail.IPs, 2)
	assert.Equal(t, int64(2048), detail.UploadBytes)
	assert.Equal(t, int64(8192), detail.DownloadBytes)
	assert.Equal(t, int64(2), detail.ConnectCount)
}

func TestDeviceService_Traffic(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	admission := newTestAdmission(store, nil)
	devices := NewDeviceService(store.devices, store.ips, store.allowLists, store.states, &recordingEnqueuer{})

	first, err := admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	ev := connectionEvent("alice", "A")
	ev.NodeID = "node-b"
	_, err = admission.Ingest(ctx, ev)
	require.NoError(t, err)

	traffic, err := devices.Traffic(ctx, "alice", first.Device.ID, models.TrafficFilter{})
	require.NoError(t, err)
	assert.Equal(t, first.Device.ID, traffic.DeviceID)
	assert.Equal(t, "alice", traffic.UserID)
	assert.Equal(t, int64(2), traffic.TotalConnects)
	assert.Equal(t, int64(2048), traffic.TotalUpload)
	assert.Equal(t, int64(8192), traffic.TotalDownload)

	onlyB, err := devices.Traffic(ctx, "alice", first.Device.ID, models.TrafficFilter{NodeID: "node-b"})
	require.NoError(t, err)
	require.Len(t, onlyB.Traffic, 1)
	assert.Equal(t, int64(1), onlyB.TotalConnects)

	_, err = devices.Traffic(ctx, "bob", first.Device.ID, models.TrafficFilter{})
	assert.ErrorIs(t, err, models.ErrDeviceNotFound)

	from := time.Now()
	to := from.Add(-time.Hour)
	_, err = devices.Traffic(ctx, "alice", first.Device.ID, models.TrafficFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDeviceService_Search(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	admission := newTestAdmission(store, nil)
	devices := NewDeviceService(store.devices, store.ips, store.allowLists, store.states, nil)

	for _, client := range []string{"A", "B", "C"} {
		_, err := admission.Ingest(ctx, connectionEvent("alice", client))
		require.NoError(t, err)
	}
	_, err := admission.Ingest(ctx, connectionEvent("bob", "A"))
	require.NoError(t, err)

	list, total, err := devices.Search(ctx, models.DeviceFilter{UserID: "alice", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 3, total)

	all, total, err := devices.Search(ctx, models.DeviceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, 4, total)
}

func TestDeviceService_Delete(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	sync := &recordingEnqueuer{}
	admission := newTestAdmission(store, nil)
	devices := NewDeviceService(store.devices, store.ips, store.allowLists, store.states, sync)

	res, err := admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)

	epoch, err := devices.Delete(ctx, "alice", res.Device.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Epoch+1, epoch)
	require.Len(t, sync.Tasks(), 1)
	assert.Equal(t, epoch, sync.Tasks()[0].Epoch)

	_, err = devices.Delete(ctx, "alice", res.Device.ID)
	assert.ErrorIs(t, err, models.ErrDeviceNotFound)

	snapshot, _, err := devices.SyncOverview(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Fingerprints)
	assert.Equal(t, epoch, snapshot.Epoch)
}

func TestDeviceService_SetPolicyValidation(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	devices := NewDeviceService(store.devices, store.ips, store.allowLists, store.states, nil)

	_, err := devices.SetPolicy(ctx, "", intPtr(2), true)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = devices.SetPolicy(ctx, "alice", intPtr(-1), true)
	assert.ErrorIs(t, err, models.ErrValidation)

	version, err := devices.SetPolicy(ctx, "alice", nil, false)
	require.NoError(t, err)
	assert.Nil(t, version.DeviceLimit)
	assert.False(t, version.Enforce)

	got, err := devices.Policy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, version.Epoch, got.Epoch)
}

func TestDeviceService_MigrateFingerprints(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	sync := &recordingEnqueuer{}
	admission := newTestAdmission(store, nil)
	devices := NewDeviceService(store.devices, store.ips, store.allowLists, store.states, sync)
	fp := NewFingerprintService()

	legacyFP, legacyVersion := fp.LegacyFingerprintV1("alice", "v2rayNG", "771", "android", "v2rayNG/1.8.5")
	legacy, err := models.NewDevice("alice", legacyFP, legacyVersion, "v2rayNG", models.ClientTypeAndroid, "node-a")
	require.NoError(t, err)
	_, err = store.devices.Admit(ctx, legacy, models.IPSample{IP: "198.51.100.10", SeenAt: time.Now()}, admitWithinPolicy)
	require.NoError(t, err)

	current, err := admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)

	epochs, err := devices.MigrateFingerprints(ctx)
	require.NoError(t, err)
	require.Contains(t, epochs, "alice")
	assert.Equal(t, current.Epoch+1, epochs["alice"])
	require.Len(t, sync.Tasks(), 1)

	remaining, err := store.devices.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, current.Device.ID, remaining[0].ID)

	t.Run("nothing left to migrate", func(t *testing.T) {
		epochs, err := devices.MigrateFingerprints(ctx)
		require.NoError(t, err)
		assert.Empty(t, epochs)
	})
}
