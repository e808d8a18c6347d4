package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "cli-test-key"

// fakeAPI records the last request and answers with a canned response
type fakeAPI struct {
	method string
	path   string
	query  url.Values
	body   []byte
	status int
	reply  interface{}
}

func (f *fakeAPI) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != testKey {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "missing or invalid API key"})
			return
		}
		f.method = r.Method
		f.path = r.URL.Path
		f.query = r.URL.Query()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		f.body = buf.Bytes()

		status := f.status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if f.reply != nil {
			_ = json.NewEncoder(w).Encode(f.reply)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientListDevices(t *testing.T) {
	api := &fakeAPI{reply: models.DeviceListResponse{
		Devices:    []*models.Device{{ID: "dev-1", UserID: "alice", ClientName: "v2rayNG"}},
		TotalCount: 1,
		Limit:      50,
	}}
	srv := api.start(t)
	client := NewClient(srv.URL+"/", testKey, "", 5*time.Second)

	list, err := client.ListDevices(context.Background(), url.Values{"user": {"alice"}, "blocked": {"false"}})
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalCount)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "dev-1", list.Devices[0].ID)

	assert.Equal(t, http.MethodGet, api.method)
	assert.Equal(t, "/api/devices", api.path)
	assert.Equal(t, "alice", api.query.Get("user"))
	assert.Equal(t, "false", api.query.Get("blocked"))
}

func TestClientSetPolicySendsLimit(t *testing.T) {
	limit := 3
	api := &fakeAPI{reply: models.AllowListVersion{UserID: "alice", Epoch: 4, DeviceLimit: &limit, Enforce: true}}
	srv := api.start(t)
	client := NewClient(srv.URL, testKey, "X-API-Key", 5*time.Second)

	version, err := client.SetPolicy(context.Background(), "alice", &limit, true)
	require.NoError(t, err)
	assert.Equal(t, int64(4), version.Epoch)

	assert.Equal(t, http.MethodPut, api.method)
	assert.Equal(t, "/api/users/alice/policy", api.path)
	var sent models.SetPolicyRequest
	require.NoError(t, json.Unmarshal(api.body, &sent))
	require.NotNil(t, sent.DeviceLimit)
	assert.Equal(t, 3, *sent.DeviceLimit)
	assert.True(t, sent.Enforce)
}

func TestClientErrors(t *testing.T) {
	api := &fakeAPI{status: http.StatusConflict, reply: models.ErrorResponse{Error: "device limit reached"}}
	srv := api.start(t)

	t.Run("API error carries status and message", func(t *testing.T) {
		client := NewClient(srv.URL, testKey, "", 5*time.Second)
		_, err := client.SetBlocked(context.Background(), "alice", "dev-1", false)
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.Status)
		assert.Equal(t, "device limit reached", apiErr.Message)
		assert.Equal(t, "/api/users/alice/devices/dev-1/unblock", api.path)
		assert.Contains(t, FormatError(err), "raise the user's device limit")
	})

	t.Run("wrong key", func(t *testing.T) {
		client := NewClient(srv.URL, "wrong", "", 5*time.Second)
		_, err := client.ListNodes(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	})

	t.Run("path segments are escaped", func(t *testing.T) {
		client := NewClient(srv.URL, testKey, "", 5*time.Second)
		_, _ = client.GetDevice(context.Background(), "bob smith", "dev/2")
		assert.Equal(t, "/api/users/bob smith/devices/dev/2", api.path)
	})
}
