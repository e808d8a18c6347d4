package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// NodeStatus is the connection health of a proxy node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
	NodeStatusDisabled  NodeStatus = "disabled"
)

// Node is a registered proxy node
type Node struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	Enabled       bool       `json:"enabled"`
	SecretHash    string     `json:"-"`
	Status        NodeStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// NewNode creates a node and returns it with its plaintext secret (shown once)
func NewNode(name, address string) (*Node, string, error) {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	if name == "" {
		return nil, "", NewValidationError("name", "cannot be empty")
	}

	secret, err := generateNodeSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash node secret: %w", err)
	}

	return &Node{
		ID:         uuid.New().String(),
		Name:       name,
		Address:    address,
		Enabled:    true,
		SecretHash: string(hash),
		Status:     NodeStatusUnhealthy,
		CreatedAt:  time.Now().UTC(),
	}, secret, nil
}

// VerifySecret checks a node secret against the stored bcrypt hash
func (n *Node) VerifySecret(secret string) bool {
	if n.SecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(n.SecretHash), []byte(secret)) == nil
}

func generateNodeSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
