package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestHub(t *testing.T) (*NodeHub, *httptest.Server) {
	t.Helper()
	hub := NewNodeHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.NewClient(r.URL.Query().Get("node"), conn)
		hub.Register(client)
		go client.WritePump()
		client.ReadPump()
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

// connectFakeNode dials the hub as nodeID and answers every allow_list with reply
func connectFakeNode(t *testing.T, hub *NodeHub, srv *httptest.Server, nodeID string, reply func(models.AllowListPayload) *WSMessage) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?node=" + nodeID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type    string                  `json:"type"`
				Payload models.AllowListPayload `json:"payload"`
			}
			if json.Unmarshal(data, &msg) != nil || msg.Type != WSTypeAllowList {
				continue
			}
			if answer := reply(msg.Payload); answer != nil {
				if conn.WriteJSON(answer) != nil {
					return
				}
			}
		}
	}()

	require.Eventually(t, func() bool { return hub.IsConnected(nodeID) }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func testPayload(epoch int64) models.AllowListPayload {
	return models.AllowListPayload{
		UserID:       "alice",
		Epoch:        epoch,
		DeviceLimit:  intPtr(2),
		Enforce:      true,
		Fingerprints: []string{strings.Repeat("a", 64)},
	}
}

func TestNodeHub_Send(t *testing.T) {
	hub, srv := startTestHub(t)

	t.Run("unknown node is not connected", func(t *testing.T) {
		err := hub.Send(context.Background(), "node-x", testPayload(1))
		assert.ErrorIs(t, err, models.ErrNodeNotConnected)
		assert.ErrorIs(t, err, models.ErrTransport)
	})

	t.Run("returns once the node acks", func(t *testing.T) {
		received := make(chan models.AllowListPayload, 1)
		connectFakeNode(t, hub, srv, "node-a", func(p models.AllowListPayload) *WSMessage {
			received <- p
			return &WSMessage{Type: WSTypeAck, Payload: AckPayload{UserID: p.UserID, Epoch: p.Epoch}}
		})

		require.NoError(t, hub.Send(context.Background(), "node-a", testPayload(3)))
		got := <-received
		assert.Equal(t, int64(3), got.Epoch)
		assert.Equal(t, []string{strings.Repeat("a", 64)}, got.Fingerprints)
	})

	t.Run("node error fails the send", func(t *testing.T) {
		connectFakeNode(t, hub, srv, "node-b", func(p models.AllowListPayload) *WSMessage {
			return &WSMessage{Type: WSTypeError, Payload: NodeErrorPayload{UserID: p.UserID, Epoch: p.Epoch, Message: "config reload failed"}}
		})

		err := hub.Send(context.Background(), "node-b", testPayload(4))
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrTransport)
		assert.Contains(t, err.Error(), "config reload failed")
	})

	t.Run("silent node times out", func(t *testing.T) {
		connectFakeNode(t, hub, srv, "node-c", func(models.AllowListPayload) *WSMessage { return nil })

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := hub.Send(ctx, "node-c", testPayload(5))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNodeHub_ConnectionCallbacks(t *testing.T) {
	hub, srv := startTestHub(t)
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	hub.OnConnect(func(nodeID string) { connected <- nodeID })
	hub.OnDisconnect(func(nodeID string) { disconnected <- nodeID })

	conn := connectFakeNode(t, hub, srv, "node-a", func(models.AllowListPayload) *WSMessage { return nil })
	select {
	case id := <-connected:
		assert.Equal(t, "node-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("connect callback not called")
	}
	assert.Equal(t, []string{"node-a"}, hub.ConnectedNodes())

	conn.Close()
	select {
	case id := <-disconnected:
		assert.Equal(t, "node-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.False(t, hub.IsConnected("node-a"))
}
