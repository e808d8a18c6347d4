package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/repository"
	"github.com/golang-jwt/jwt/v5"
)

// NodeResyncer re-dispatches the allow-lists a node is missing
type NodeResyncer interface {
	ResyncNode(ctx context.Context, nodeID string) (int, error)
}

// NodeClaims are the claims of a node session token
type NodeClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// NodeService manages the proxy node registry and node sessions
type NodeService struct {
	nodes   repository.NodeRepo
	states  repository.NodeSyncStateRepo
	resync  NodeResyncer
	secret  []byte
	ttl     time.Duration
	metrics *observability.DeviceMetrics
}

// NewNodeService creates a new NodeService
func NewNodeService(
	nodes repository.NodeRepo,
	states repository.NodeSyncStateRepo,
	resync NodeResyncer,
	security config.Security,
	metrics *observability.DeviceMetrics,
) *NodeService {
	return &NodeService{
		nodes:   nodes,
		states:  states,
		resync:  resync,
		secret:  []byte(security.NodeJWTSecret),
		ttl:     time.Duration(security.NodeSessionMinutes) * time.Minute,
		metrics: metrics,
	}
}

// Register adds a node and returns it with its plaintext secret (shown once)
func (s *NodeService) Register(ctx context.Context, name, address string) (*models.Node, string, error) {
	node, secret, err := models.NewNode(name, address)
	if err != nil {
		return nil, "", err
	}

	existing, err := s.nodes.GetByName(ctx, node.Name)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return nil, "", models.NewValidationError("name", "a node with this name already exists")
	}

	if err := s.nodes.Add(ctx, node); err != nil {
		return nil, "", fmt.Errorf("failed to add node: %w", err)
	}
	observability.WithContext(ctx).WithField("node_id", node.ID).Infof("Node registered: %s", node.Name)
	return node, secret, nil
}

// List returns every registered node
func (s *NodeService) List(ctx context.Context) ([]*models.Node, error) {
	return s.nodes.List(ctx)
}

// Get returns a node or ErrNodeNotFound
func (s *NodeService) Get(ctx context.Context, id string) (*models.Node, error) {
	node, err := s.nodes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, models.ErrNodeNotFound
	}
	return node, nil
}

// SetEnabled enables or disables a node; an enabled node gets its missing allow-lists
func (s *NodeService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.nodes.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if enabled {
		s.triggerResync(ctx, id)
	}
	return nil
}

// Delete removes a node with its assignments and sync state
func (s *NodeService) Delete(ctx context.Context, id string) error {
	ok, err := s.nodes.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNodeNotFound
	}
	return nil
}

// SetAssignments restricts the users served by a node (empty clears the restriction)
func (s *NodeService) SetAssignments(ctx context.Context, id string, userIDs []string) ([]string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.nodes.SetAssignments(ctx, id, userIDs); err != nil {
		return nil, err
	}
	s.triggerResync(ctx, id)
	return s.nodes.ListAssignments(ctx, id)
}

// SyncStates returns the per-user delivery state of a node
func (s *NodeService) SyncStates(ctx context.Context, id string) ([]*models.NodeSyncState, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.states.ListForNode(ctx, id)
}

// Authenticate verifies a node secret and issues a session token
func (s *NodeService) Authenticate(ctx context.Context, nodeID, secret string) (string, time.Time, error) {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return "", time.Time{}, err
	}
	if node == nil || !node.Enabled || !node.VerifySecret(secret) {
		s.metrics.RecordAuthAttempt(ctx, "secret", false)
		return "", time.Time{}, models.ErrInvalidSecret
	}
	s.metrics.RecordAuthAttempt(ctx, "secret", true)

	expiresAt := time.Now().Add(s.ttl)
	claims := &NodeClaims{
		NodeID: node.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   node.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateToken parses a node session token
func (s *NodeService) ValidateToken(tokenString string) (*NodeClaims, error) {
	claims := &NodeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.NodeID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// NodeIDFromToken returns the node a session token was issued to
func (s *NodeService) NodeIDFromToken(token string) (string, error) {
	claims, err := s.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.NodeID, nil
}

// NodeConnected marks a node healthy and sends it what it missed
func (s *NodeService) NodeConnected(nodeID string) {
	ctx := context.Background()
	if err := s.nodes.UpdateStatus(ctx, nodeID, models.NodeStatusHealthy, ""); err != nil {
		observability.WithField("node_id", nodeID).Errorf("Failed to update node status: %v", err)
	}
	s.triggerResync(ctx, nodeID)
}

// NodeDisconnected marks a node unhealthy
func (s *NodeService) NodeDisconnected(nodeID string) {
	if err := s.nodes.UpdateStatus(context.Background(), nodeID, models.NodeStatusUnhealthy, "control connection closed"); err != nil {
		observability.WithField("node_id", nodeID).Errorf("Failed to update node status: %v", err)
	}
}

func (s *NodeService) triggerResync(ctx context.Context, nodeID string) {
	if s.resync == nil {
		return
	}
	queued, err := s.resync.ResyncNode(ctx, nodeID)
	if err != nil {
		observability.WithField("node_id", nodeID).Errorf("Failed to resync node: %v", err)
		return
	}
	if queued > 0 {
		observability.WithField("node_id", nodeID).Infof("Queued %d allow-lists for node", queued)
	}
}
