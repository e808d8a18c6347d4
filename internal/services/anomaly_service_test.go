package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapEnricher returns fixed enrichment per address
type mapEnricher map[string]*models.IPEnrichment

func (m mapEnricher) Lookup(_ context.Context, ip string) (*models.IPEnrichment, error) {
	return m[ip], nil
}

func testAnomalyConfig() config.Anomaly {
	return config.Anomaly{
		DatacenterShare:        0.5,
		MaxCountries:           2,
		RapidIPChangeCount:     3,
		MinIPsForConcentration: 3,
		ConcentrationShare:     0.9,
		ActiveWindowHours:      24,
	}
}

func findingFor(t *testing.T, report *models.AnomalyReport, deviceID string) models.DeviceFinding {
	t.Helper()
	for _, f := range report.Devices {
		if f.DeviceID == deviceID {
			return f
		}
	}
	t.Fatalf("no finding for device %s", deviceID)
	return models.DeviceFinding{}
}

func TestAnomalyService_Analyze(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	dc := true
	enricher := mapEnricher{
		"203.0.113.1": {CountryCode: "DE", IsDatacenter: &dc},
		"203.0.113.2": {CountryCode: "DE", IsDatacenter: &dc},
		"198.51.100.1": {CountryCode: "FR"},
		"198.51.100.2": {CountryCode: "US"},
		"198.51.100.3": {CountryCode: "JP"},
	}
	admission := NewAdmissionService(store.devices, NewFingerprintService(), enricher, nil, nil)
	anomalies := NewAnomalyService(store.devices, store.ips, store.allowLists, store.nodes, store.states, testAnomalyConfig())

	ingest := func(client, ip string, download int64) *models.IngestResult {
		ev := connectionEvent("alice", client)
		ev.RemoteIP = ip
		ev.DownloadBytes = download
		res, err := admission.Ingest(ctx, ev)
		require.NoError(t, err)
		return res
	}

	// A: mostly datacenter traffic
	a := ingest("A", "203.0.113.1", 10)
	ingest("A", "203.0.113.2", 10)
	ingest("A", "198.51.100.1", 10)

	// B: almost all bytes on one of many addresses, across many countries
	b := ingest("B", "198.51.100.1", 1_000_000)
	ingest("B", "198.51.100.2", 10)
	ingest("B", "198.51.100.3", 10)
	ingest("B", "192.0.2.1", 10)

	// C: quiet residential client
	c := ingest("C", "192.0.2.200", 10)

	report, err := anomalies.Analyze(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, report.ActiveDevices)
	assert.False(t, report.OverLimit)
	assert.False(t, report.LimitExceeded)

	fa := findingFor(t, report, a.Device.ID)
	assert.Equal(t, 2, fa.DatacenterIPs)
	assert.InDelta(t, 2.0/3.0, fa.DatacenterShare, 0.001)
	assert.Contains(t, fa.Reasons, ReasonDatacenterIP)
	assert.Contains(t, fa.Reasons, ReasonHighDatacenterUsage)
	assert.NotContains(t, fa.Reasons, ReasonTrafficConcentrated)

	fb := findingFor(t, report, b.Device.ID)
	assert.Equal(t, "198.51.100.1", fb.TopIP)
	assert.Greater(t, fb.TopIPTrafficShare, 0.9)
	assert.Contains(t, fb.Reasons, ReasonTrafficConcentrated)
	assert.Contains(t, fb.Reasons, ReasonRapidIPChanges)
	assert.Contains(t, fb.Reasons, ReasonManyCountries)
	assert.NotContains(t, fb.Reasons, ReasonDatacenterIP)

	fc := findingFor(t, report, c.Device.ID)
	assert.False(t, fc.Suspicious())

	t.Run("statistics", func(t *testing.T) {
		stats, err := anomalies.Statistics(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalDevices)
		assert.Equal(t, 3, stats.ActiveDevices)
		assert.Zero(t, stats.BlockedDevices)
		assert.Equal(t, 8, stats.TotalIPs)
		assert.Equal(t, []string{"DE", "FR", "JP", "US"}, stats.UniqueCountries)
		assert.Equal(t, 2, stats.SuspiciousDevices)
		assert.Greater(t, stats.TotalTraffic, int64(1_000_000))
	})

	t.Run("analysis never changes the epoch", func(t *testing.T) {
		before, err := store.allowLists.GetVersion(ctx, "alice")
		require.NoError(t, err)
		_, err = anomalies.Analyze(ctx, "alice")
		require.NoError(t, err)
		after, err := store.allowLists.GetVersion(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, before.Epoch, after.Epoch)
	})
}

func TestAnomalyService_LimitExceeded(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	admission := newTestAdmission(store, nil)
	anomalies := NewAnomalyService(store.devices, store.ips, store.allowLists, store.nodes, store.states, testAnomalyConfig())

	for i := 0; i < 3; i++ {
		_, err := admission.Ingest(ctx, connectionEvent("alice", fmt.Sprintf("client-%d", i)))
		require.NoError(t, err)
	}
	// lowering the limit keeps existing devices
	_, err := store.allowLists.SetPolicy(ctx, "alice", intPtr(2), true)
	require.NoError(t, err)

	report, err := anomalies.Analyze(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, report.ActiveDevices)
	assert.True(t, report.OverLimit)
	assert.True(t, report.LimitExceeded)

	_, err = store.allowLists.SetPolicy(ctx, "alice", intPtr(2), false)
	require.NoError(t, err)
	report, err = anomalies.Analyze(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.OverLimit)
	assert.False(t, report.LimitExceeded, "tracking only is not an enforcement failure")
}

func TestAnomalyService_OutOfSyncNodes(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	admission := newTestAdmission(store, nil)
	anomalies := NewAnomalyService(store.devices, store.ips, store.allowLists, store.nodes, store.states, testAnomalyConfig())
	a := store.addNode(t, "node-a")
	b := store.addNode(t, "node-b")

	res, err := admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)
	require.NoError(t, store.states.RecordAck(ctx, a.ID, "alice", res.Epoch, 1))
	require.NoError(t, store.states.MarkStatus(ctx, b.ID, "alice", models.SyncStatusStale, 8, "timeout"))

	report, err := anomalies.Analyze(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, report.OutOfSyncNodes, 1)
	assert.Equal(t, b.ID, report.OutOfSyncNodes[0].NodeID)
	assert.Equal(t, models.SyncStatusStale, report.OutOfSyncNodes[0].Status)
}

func TestAnomalyService_InactiveDevices(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	admission := newTestAdmission(store, nil)
	anomalies := NewAnomalyService(store.devices, store.ips, store.allowLists, store.nodes, store.states, testAnomalyConfig())

	_, err := admission.Ingest(ctx, connectionEvent("alice", "A"))
	require.NoError(t, err)

	anomalies.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	stats, err := anomalies.Statistics(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDevices)
	assert.Zero(t, stats.ActiveDevices)
}
