package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message types exchanged with proxy nodes
const (
	WSTypeAllowList = "allow_list"
	WSTypeAck       = "ack"
	WSTypeError     = "error"
	WSTypePing      = "ping"
	WSTypePong      = "pong"
)

// AckPayload is sent by a node once it applied an allow-list
type AckPayload struct {
	UserID string `json:"userId"`
	Epoch  int64  `json:"epoch"`
}

// NodeErrorPayload is sent by a node that could not apply an allow-list
type NodeErrorPayload struct {
	UserID  string `json:"userId"`
	Epoch   int64  `json:"epoch"`
	Message string `json:"message"`
}

// NodeClient represents the control connection of one proxy node
type NodeClient struct {
	ID         string
	NodeID     string
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *NodeHub
	done       chan struct{}
	closedOnce sync.Once
}

type waiterKey struct {
	nodeID string
	userID string
}

type ackWaiter struct {
	epoch int64
	ch    chan error
}

// NodeHub keeps the node control connections and implements NodeTransport
// on top of them: Send pushes an allow_list message and waits for the
// matching ack.
type NodeHub struct {
	clients    map[string]*NodeClient
	waiters    map[waiterKey][]*ackWaiter
	register   chan *NodeClient
	unregister chan *NodeClient
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	onConnect    func(nodeID string)
	onDisconnect func(nodeID string)
	metrics      *observability.DeviceMetrics
}

// NewNodeHub creates a new node hub
func NewNodeHub(metrics *observability.DeviceMetrics) *NodeHub {
	return &NodeHub{
		clients:    make(map[string]*NodeClient),
		waiters:    make(map[waiterKey][]*ackWaiter),
		register:   make(chan *NodeClient),
		unregister: make(chan *NodeClient),
		stop:       make(chan struct{}),
		metrics:    metrics,
	}
}

// OnConnect sets the callback run when a node connects
func (h *NodeHub) OnConnect(fn func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

// OnDisconnect sets the callback run when a node connection closes
func (h *NodeHub) OnDisconnect(fn func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// Run starts the hub's main loop
func (h *NodeHub) Run() {
	for {
		select {
		case <-h.stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			previous := h.clients[client.NodeID]
			h.clients[client.NodeID] = client
			callback := h.onConnect
			h.mu.Unlock()

			if previous != nil {
				// A reconnecting node replaces its old connection
				go previous.Close()
			}
			h.metrics.RecordNodeConnection(context.Background(), true)
			observability.WithField("node_id", client.NodeID).Infof("Node connected: %s", client.ID)
			if callback != nil {
				go callback(client.NodeID)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			current := h.clients[client.NodeID] == client
			if current {
				delete(h.clients, client.NodeID)
			}
			callback := h.onDisconnect
			h.mu.Unlock()

			h.metrics.RecordNodeConnection(context.Background(), false)
			observability.WithField("node_id", client.NodeID).Infof("Node disconnected: %s", client.ID)
			if current && callback != nil {
				go callback(client.NodeID)
			}
		}
	}
}

// Stop ends the main loop and closes every node connection
func (h *NodeHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})

	h.mu.RLock()
	clients := make([]*NodeClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// Register adds a client to the hub
func (h *NodeHub) Register(client *NodeClient) {
	select {
	case h.register <- client:
	case <-h.stop:
	}
}

// Unregister removes a client from the hub
func (h *NodeHub) Unregister(client *NodeClient) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// IsConnected reports whether nodeID has an open control connection
func (h *NodeHub) IsConnected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[nodeID]
	return ok
}

// ConnectedNodes returns the ids of every connected node
func (h *NodeHub) ConnectedNodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Send pushes payload to nodeID and waits until the node acknowledges its
// epoch (or a newer one), reports an error, disconnects or ctx is done
func (h *NodeHub) Send(ctx context.Context, nodeID string, payload models.AllowListPayload) error {
	h.mu.Lock()
	client, ok := h.clients[nodeID]
	if !ok {
		h.mu.Unlock()
		return &models.TransportError{NodeID: nodeID, Err: models.ErrNodeNotConnected}
	}
	key := waiterKey{nodeID: nodeID, userID: payload.UserID}
	waiter := &ackWaiter{epoch: payload.Epoch, ch: make(chan error, 1)}
	h.waiters[key] = append(h.waiters[key], waiter)
	h.mu.Unlock()
	defer h.removeWaiter(key, waiter)

	data, err := json.Marshal(WSMessage{Type: WSTypeAllowList, Payload: payload})
	if err != nil {
		return err
	}

	select {
	case client.Send <- data:
	case <-client.done:
		return &models.TransportError{NodeID: nodeID, Err: models.ErrNodeNotConnected}
	case <-ctx.Done():
		return &models.TransportError{NodeID: nodeID, Err: ctx.Err()}
	}

	select {
	case err := <-waiter.ch:
		if err != nil {
			return &models.TransportError{NodeID: nodeID, Err: err}
		}
		return nil
	case <-client.done:
		return &models.TransportError{NodeID: nodeID, Err: errors.New("connection closed before ack")}
	case <-ctx.Done():
		return &models.TransportError{NodeID: nodeID, Err: ctx.Err()}
	}
}

func (h *NodeHub) removeWaiter(key waiterKey, waiter *ackWaiter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.waiters[key]
	for i, w := range list {
		if w == waiter {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.waiters, key)
	} else {
		h.waiters[key] = list
	}
}

// resolve completes the waiters of key matched by match
func (h *NodeHub) resolve(key waiterKey, match func(w *ackWaiter) bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.waiters[key] {
		if !match(w) {
			continue
		}
		select {
		case w.ch <- err:
		default:
		}
	}
}

// HandleMessage processes a message read from a node connection
func (h *NodeHub) HandleMessage(client *NodeClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.WithField("node_id", client.NodeID).Warnf("Invalid node message: %v", err)
		return
	}

	switch msg.Type {
	case WSTypeAck:
		var ack AckPayload
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			observability.WithField("node_id", client.NodeID).Warnf("Invalid ack payload: %v", err)
			return
		}
		key := waiterKey{nodeID: client.NodeID, userID: ack.UserID}
		h.resolve(key, func(w *ackWaiter) bool { return w.epoch <= ack.Epoch }, nil)

	case WSTypeError:
		var nodeErr NodeErrorPayload
		if err := json.Unmarshal(msg.Payload, &nodeErr); err != nil {
			observability.WithField("node_id", client.NodeID).Warnf("Invalid error payload: %v", err)
			return
		}
		key := waiterKey{nodeID: client.NodeID, userID: nodeErr.UserID}
		h.resolve(key, func(w *ackWaiter) bool { return w.epoch == nodeErr.Epoch }, errors.New(nodeErr.Message))

	case WSTypePing:
		if data, err := json.Marshal(WSMessage{Type: WSTypePong}); err == nil {
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}

// NewClient creates a new client for nodeID connected to this hub
func (h *NodeHub) NewClient(nodeID string, conn *websocket.Conn) *NodeClient {
	return &NodeClient{
		ID:     uuid.New().String(),
		NodeID: nodeID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		hub:    h,
		done:   make(chan struct{}),
	}
}

// NodeClient methods

// Close closes the client connection
func (c *NodeClient) Close() {
	c.closedOnce.Do(func() {
		close(c.done)
		c.hub.Unregister(c)
		c.Conn.Close()
	})
}

// WritePump pumps messages from the hub to the websocket connection
func (c *NodeClient) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump pumps messages from the websocket connection to the hub
func (c *NodeClient) ReadPump() {
	defer c.Close()

	c.Conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.WithField("node_id", c.NodeID).Warnf("WebSocket error: %v", err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.hub.HandleMessage(c, messageType, message)
	}
}
