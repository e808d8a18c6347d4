package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/repository"
	"github.com/deviceguard/server/internal/services"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "operator-key-for-tests"

type testServer struct {
	*httptest.Server
	dispatcher *services.SyncDispatcher
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	sqlDB, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "handlers-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := repository.NewDB(sqlDB, repository.DialectSQLite, 5, repository.PolicyDefaults{Enforce: true})
	devices := repository.NewDeviceRepository(db)
	ips := repository.NewDeviceIPRepository(db)
	allowLists := repository.NewAllowListRepository(db)
	nodes := repository.NewNodeRepository(db)
	states := repository.NewNodeSyncStateRepository(db)

	security := config.Security{
		APIKey:             testAPIKey,
		APIKeyHeader:       "X-API-Key",
		NodeJWTSecret:      "node-jwt-secret-for-tests",
		NodeSessionMinutes: 5,
	}

	hub := services.NewNodeHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	dispatcher := services.NewSyncDispatcher(allowLists, nodes, states, hub, config.Sync{
		Workers:          2,
		QueueSize:        64,
		SendTimeoutMs:    1000,
		InitialBackoffMs: 5,
		MaxBackoffMs:     20,
		MaxAttempts:      3,
	}, nil)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	nodeService := services.NewNodeService(nodes, states, dispatcher, security, nil)
	hub.OnConnect(nodeService.NodeConnected)
	hub.OnDisconnect(nodeService.NodeDisconnected)

	deviceService := services.NewDeviceService(devices, ips, allowLists, states, dispatcher)
	admission := services.NewAdmissionService(devices, services.NewFingerprintService(), services.NoopEnricher{}, dispatcher, nil)
	anomalies := services.NewAnomalyService(devices, ips, allowLists, nodes, states, config.Anomaly{
		DatacenterShare:        0.5,
		MaxCountries:           3,
		RapidIPChangeCount:     5,
		MinIPsForConcentration: 3,
		ConcentrationShare:     0.9,
		ActiveWindowHours:      24,
	})
	reconciler := services.NewReconciler(allowLists, nodes, states, hub, dispatcher, time.Hour)

	router := NewRouter(RouterDeps{
		Security:  security,
		Tokens:    nodeService,
		Health:    NewHealthHandler(sqlDB, hub),
		Devices:   NewDeviceHandler(deviceService, anomalies),
		Sync:      NewSyncHandler(deviceService, dispatcher, reconciler),
		Nodes:     NewNodeHandler(nodeService, hub, dispatcher),
		NodeAPI:   NewNodeAPIHandler(nodeService, admission),
		WebSocket: NewWebSocketHandler(hub),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, dispatcher: dispatcher}
}

// do sends a JSON request and decodes the response into out when it is non-nil
func (s *testServer) do(t *testing.T, method, path string, headers map[string]string, body, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) operator(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	return s.do(t, method, path, map[string]string{"X-API-Key": testAPIKey}, body, out)
}

func (s *testServer) registerNode(t *testing.T, name string) (models.RegisterNodeResponse, string) {
	t.Helper()
	var reg models.RegisterNodeResponse
	require.Equal(t, http.StatusCreated, s.operator(t, http.MethodPost, "/api/nodes",
		models.RegisterNodeRequest{Name: name, Address: name + ".example.net:443"}, &reg))

	var session models.NodeSessionResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/node/session", nil,
		models.NodeSessionRequest{NodeID: reg.Node.ID, Secret: reg.Secret}, &session))
	require.NotEmpty(t, session.Token)
	return reg, session.Token
}

func (s *testServer) report(t *testing.T, token, userID, client string) models.IngestResult {
	t.Helper()
	var result models.IngestResult
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/node/events",
		map[string]string{"Authorization": "Bearer " + token},
		models.ConnectionEvent{
			UserID:         userID,
			RemoteIP:       "198.51.100.20",
			UserAgent:      "v2rayNG/1.8.5 (" + client + ")",
			TLSFingerprint: "771,4865-" + client,
			UploadBytes:    100,
			DownloadBytes:  200,
		}, &result))
	return result
}

func TestHealthIsPublic(t *testing.T) {
	srv := setupTestServer(t)

	var health models.HealthResponse
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/health", nil, nil, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Database)
}

func TestOperatorAPIRequiresKey(t *testing.T) {
	srv := setupTestServer(t)

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/api/devices", nil, nil, &errResp))
	assert.NotEmpty(t, errResp.Error)

	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodPost, "/api/node/events", nil,
		models.ConnectionEvent{UserID: "alice", RemoteIP: "198.51.100.20"}, nil))
}

func TestNodeSessionRejectsWrongSecret(t *testing.T) {
	srv := setupTestServer(t)
	reg, _ := srv.registerNode(t, "edge-1")

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodPost, "/api/node/session", nil,
		models.NodeSessionRequest{NodeID: reg.Node.ID, Secret: "wrong"}, &errResp))
}

func TestDeviceLimitFlow(t *testing.T) {
	srv := setupTestServer(t)
	_, token := srv.registerNode(t, "edge-1")

	var version models.AllowListVersion
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodPut, "/api/users/alice/policy",
		models.SetPolicyRequest{DeviceLimit: intPtr(2), Enforce: true}, &version))
	require.NotNil(t, version.DeviceLimit)
	assert.Equal(t, 2, *version.DeviceLimit)

	a := srv.report(t, token, "alice", "A")
	assert.Equal(t, models.OutcomeAccept, a.Decision.Outcome)
	assert.True(t, a.IsNew)
	b := srv.report(t, token, "alice", "B")
	assert.Equal(t, models.OutcomeAccept, b.Decision.Outcome)
	c := srv.report(t, token, "alice", "C")
	assert.Equal(t, models.OutcomeReject, c.Decision.Outcome)
	assert.Equal(t, models.ReasonLimitExceeded, c.Decision.Reason)

	var list models.DeviceListResponse
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodGet, "/api/users/alice/devices", nil, &list))
	assert.Equal(t, 2, list.TotalCount)
	assert.Len(t, list.Devices, 2)

	var action models.DeviceActionResponse
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodPost,
		"/api/users/alice/devices/"+a.Device.ID+"/block", nil, &action))
	assert.True(t, action.Device.IsBlocked)
	assert.Greater(t, action.Epoch, b.Epoch)

	c = srv.report(t, token, "alice", "C")
	assert.Equal(t, models.OutcomeAccept, c.Decision.Outcome)

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusConflict, srv.operator(t, http.MethodPost,
		"/api/users/alice/devices/"+a.Device.ID+"/unblock", nil, &errResp))

	blocked := srv.report(t, token, "alice", "A")
	assert.Equal(t, models.OutcomeReject, blocked.Decision.Outcome)
	assert.Equal(t, models.ReasonDeviceBlocked, blocked.Decision.Reason)

	var anomalies models.AnomalyReport
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodGet, "/api/users/alice/anomalies", nil, &anomalies))
	assert.Equal(t, 2, anomalies.ActiveDevices)
	assert.False(t, anomalies.LimitExceeded)
}

func TestDeviceTraffic(t *testing.T) {
	srv := setupTestServer(t)
	reg, token := srv.registerNode(t, "edge-1")

	a := srv.report(t, token, "alice", "A")
	srv.report(t, token, "alice", "A")
	path := "/api/users/alice/devices/" + a.Device.ID + "/traffic"

	var traffic models.DeviceTrafficResponse
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodGet, path, nil, &traffic))
	assert.Equal(t, a.Device.ID, traffic.DeviceID)
	assert.Equal(t, int64(2), traffic.TotalConnects)
	assert.Equal(t, int64(200), traffic.TotalUpload)
	assert.Equal(t, int64(400), traffic.TotalDownload)
	require.NotEmpty(t, traffic.Traffic)
	for _, bucket := range traffic.Traffic {
		assert.Equal(t, reg.Node.ID, bucket.NodeID)
		assert.Equal(t, 300, bucket.BucketSeconds)
	}

	var other models.DeviceTrafficResponse
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodGet, path+"?node=elsewhere", nil, &other))
	assert.Empty(t, other.Traffic)
	assert.Zero(t, other.TotalConnects)

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, srv.operator(t, http.MethodGet, path+"?from=yesterday", nil, &errResp))
	assert.Equal(t, http.StatusBadRequest, srv.operator(t, http.MethodGet,
		path+"?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", nil, &errResp))
	assert.Equal(t, http.StatusNotFound, srv.operator(t, http.MethodGet,
		"/api/users/bob/devices/"+a.Device.ID+"/traffic", nil, &errResp))
}

func TestDeviceErrors(t *testing.T) {
	srv := setupTestServer(t)

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusNotFound, srv.operator(t, http.MethodGet, "/api/users/alice/devices/missing", nil, &errResp))
	assert.Equal(t, http.StatusBadRequest, srv.operator(t, http.MethodGet, "/api/devices?client_type=toaster", nil, &errResp))
	assert.Equal(t, http.StatusBadRequest, srv.operator(t, http.MethodPut, "/api/users/alice/policy",
		map[string]interface{}{"deviceLimit": -1, "enforce": true}, &errResp))
	assert.Equal(t, http.StatusBadRequest, srv.operator(t, http.MethodPut, "/api/users/alice/policy",
		map[string]interface{}{"unknown": true}, &errResp))
}

func TestNodeControlChannel(t *testing.T) {
	srv := setupTestServer(t)
	reg, token := srv.registerNode(t, "edge-1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/node/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the fake node acknowledges every allow-list
	go func() {
		for {
			var msg struct {
				Type    string                  `json:"type"`
				Payload models.AllowListPayload `json:"payload"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != services.WSTypeAllowList {
				continue
			}
			ack := services.WSMessage{
				Type:    services.WSTypeAck,
				Payload: services.AckPayload{UserID: msg.Payload.UserID, Epoch: msg.Payload.Epoch},
			}
			if conn.WriteJSON(ack) != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		var nodes models.NodeListResponse
		srv.operator(t, http.MethodGet, "/api/nodes", nil, &nodes)
		return len(nodes.Nodes) == 1 && nodes.Nodes[0].Connected && nodes.Nodes[0].Status == models.NodeStatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	result := srv.report(t, token, "alice", "A")
	require.Equal(t, models.OutcomeAccept, result.Decision.Outcome)

	require.Eventually(t, func() bool {
		var sync models.UserSyncResponse
		srv.operator(t, http.MethodGet, "/api/users/alice/sync", nil, &sync)
		for _, st := range sync.Nodes {
			if st.NodeID == reg.Node.ID && st.AckedEpoch == result.Epoch {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	var status models.SyncStatusResponse
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodGet, "/api/sync/status", nil, &status))
	assert.Len(t, status.Tasks, 1)

	var reconcile models.ReconcilerStatus
	require.Equal(t, http.StatusOK, srv.operator(t, http.MethodPost, "/api/sync/reconcile", nil, &reconcile))
	assert.Zero(t, reconcile.NodesHealed)

	var resync models.ResyncResponse
	require.Equal(t, http.StatusAccepted, srv.operator(t, http.MethodPost, "/api/nodes/"+reg.Node.ID+"/resync", nil, &resync))
	assert.Zero(t, resync.Queued)
}

func intPtr(v int) *int { return &v }
