package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", serverURL, "--api-key", testKey}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestDevicesListCommand(t *testing.T) {
	name := "Pixel"
	api := &fakeAPI{reply: models.DeviceListResponse{
		Devices: []*models.Device{
			{ID: "dev-1", UserID: "alice", DisplayName: &name, ClientName: "v2rayNG", ClientType: models.ClientTypeAndroid, LastSeenAt: time.Now()},
			{ID: "dev-2", UserID: "alice", ClientName: "Streisand", ClientType: models.ClientTypeIOS, IsBlocked: true, LastSeenAt: time.Now()},
		},
		TotalCount: 2,
	}}
	srv := api.start(t)

	out, err := runCLI(t, srv.URL, "devices", "list", "--user", "alice", "--blocked=false", "--client-type", "ios")
	require.NoError(t, err)

	assert.Equal(t, "alice", api.query.Get("user"))
	assert.Equal(t, "false", api.query.Get("blocked"))
	assert.Equal(t, "ios", api.query.Get("client_type"))
	assert.Empty(t, api.query.Get("datacenter"))
	assert.Empty(t, api.query.Get("limit"))

	assert.Contains(t, out, "Pixel")
	assert.Contains(t, out, "Streisand")
	assert.Contains(t, out, "blocked")
	assert.Contains(t, out, "2 of 2 devices")
}

func TestDevicesTrafficCommand(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	api := &fakeAPI{reply: models.DeviceTrafficResponse{
		DeviceID: "dev-1",
		UserID:   "alice",
		Traffic: []*models.DeviceTraffic{
			{DeviceID: "dev-1", UserID: "alice", NodeID: "edge-1", BucketStart: bucket, BucketSeconds: 300,
				UploadBytes: 1024, DownloadBytes: 4096, ConnectCount: 3},
		},
		TotalUpload:   1024,
		TotalDownload: 4096,
		TotalConnects: 3,
	}}
	srv := api.start(t)

	out, err := runCLI(t, srv.URL, "devices", "traffic", "alice", "dev-1", "--node", "edge-1", "--from", "2026-03-01T00:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, "/api/users/alice/devices/dev-1/traffic", api.path)
	assert.Equal(t, "edge-1", api.query.Get("node"))
	assert.Equal(t, "2026-03-01T00:00:00Z", api.query.Get("from"))
	assert.False(t, api.query.Has("to"))

	assert.Contains(t, out, "2026-03-01T10:05:00Z")
	assert.Contains(t, out, "edge-1")
	assert.Contains(t, out, "total: 3 connections, 1024 up / 4096 down")
}

func TestPolicySetCommand(t *testing.T) {
	t.Run("limit", func(t *testing.T) {
		limit := 2
		api := &fakeAPI{reply: models.AllowListVersion{UserID: "alice", Epoch: 7, DeviceLimit: &limit, Enforce: true}}
		srv := api.start(t)

		out, err := runCLI(t, srv.URL, "policy", "set", "alice", "--limit", "2")
		require.NoError(t, err)
		assert.Contains(t, out, "limit 2")
		assert.Contains(t, out, "epoch 7")

		var sent models.SetPolicyRequest
		require.NoError(t, json.Unmarshal(api.body, &sent))
		require.NotNil(t, sent.DeviceLimit)
		assert.Equal(t, 2, *sent.DeviceLimit)
		assert.True(t, sent.Enforce)
	})

	t.Run("unlimited track only", func(t *testing.T) {
		api := &fakeAPI{reply: models.AllowListVersion{UserID: "alice", Epoch: 8}}
		srv := api.start(t)

		out, err := runCLI(t, srv.URL, "policy", "set", "alice", "--unlimited", "--enforce=false")
		require.NoError(t, err)
		assert.Contains(t, out, "unlimited")
		assert.Contains(t, out, "not enforced")

		var sent models.SetPolicyRequest
		require.NoError(t, json.Unmarshal(api.body, &sent))
		assert.Nil(t, sent.DeviceLimit)
		assert.False(t, sent.Enforce)
	})

	t.Run("limit and unlimited are exclusive", func(t *testing.T) {
		api := &fakeAPI{}
		srv := api.start(t)

		_, err := runCLI(t, srv.URL, "policy", "set", "alice", "--unlimited", "--limit", "3")
		require.Error(t, err)
		assert.Empty(t, api.method)
	})
}

func TestBlockAndReconcileCommands(t *testing.T) {
	api := &fakeAPI{reply: models.DeviceActionResponse{Device: &models.Device{ID: "dev-1", IsBlocked: true}, Epoch: 5}}
	srv := api.start(t)

	out, err := runCLI(t, srv.URL, "devices", "block", "alice", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, api.method)
	assert.Equal(t, "/api/users/alice/devices/dev-1/block", api.path)
	assert.Contains(t, out, "dev-1 blocked")

	api.reply = models.ReconcilerStatus{UsersChecked: 4, NodesHealed: 1, LastRunDuration: "12ms"}
	out, err = runCLI(t, srv.URL, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "/api/sync/reconcile", api.path)
	assert.Contains(t, out, "Checked 4 users, healed 1")
}

func TestJSONOutput(t *testing.T) {
	api := &fakeAPI{reply: models.ResyncResponse{UserID: "alice", Epoch: 3, Queued: 1}}
	srv := api.start(t)

	out, err := runCLI(t, srv.URL, "--json", "resync", "alice")
	require.NoError(t, err)

	var resp models.ResyncResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(3), resp.Epoch)
	assert.Equal(t, "/api/users/alice/resync", api.path)
}
