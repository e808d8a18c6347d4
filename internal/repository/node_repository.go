package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deviceguard/server/internal/models"
)

const nodeColumns = `id, name, address, enabled, secret_hash, status, status_message, last_seen_at, created_at`

// NodeRepository persists the proxy node registry and user assignments
type NodeRepository struct {
	db *DB
}

// NewNodeRepository creates a new NodeRepository
func NewNodeRepository(db *DB) *NodeRepository {
	return &NodeRepository{db: db}
}

func scanNode(row rowScanner) (*models.Node, error) {
	var n models.Node
	var status string
	var lastSeen sql.NullTime
	if err := row.Scan(&n.ID, &n.Name, &n.Address, &n.Enabled, &n.SecretHash, &status,
		&n.StatusMessage, &lastSeen, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Status = models.NodeStatus(status)
	if lastSeen.Valid {
		t := lastSeen.Time
		n.LastSeenAt = &t
	}
	return &n, nil
}

func (r *NodeRepository) listNodes(ctx context.Context, query string, args ...interface{}) ([]*models.Node, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []*models.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (r *NodeRepository) Add(ctx context.Context, node *models.Node) error {
	query := `INSERT INTO nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var lastSeen sql.NullTime
	if node.LastSeenAt != nil {
		lastSeen = sql.NullTime{Time: *node.LastSeenAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		node.ID, node.Name, node.Address, node.Enabled, node.SecretHash,
		string(node.Status), node.StatusMessage, lastSeen, node.CreatedAt,
	)
	return err
}

func (r *NodeRepository) GetByID(ctx context.Context, id string) (*models.Node, error) {
	n, err := scanNode(r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *NodeRepository) GetByName(ctx context.Context, name string) (*models.Node, error) {
	n, err := scanNode(r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// List returns every registered node ordered by name
func (r *NodeRepository) List(ctx context.Context) ([]*models.Node, error) {
	return r.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
}

// ListEligibleForUser returns the enabled nodes that serve a user.
// A user with assignments is served by those nodes only, otherwise by every enabled node.
func (r *NodeRepository) ListEligibleForUser(ctx context.Context, userID string) ([]*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes n
		WHERE NOT EXISTS (SELECT 1 FROM node_user_assignments a WHERE a.user_id = $1)
			OR EXISTS (SELECT 1 FROM node_user_assignments a WHERE a.user_id = $1 AND a.node_id = n.id)
		ORDER BY name`

	nodes, err := r.listNodes(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	eligible := nodes[:0]
	for _, n := range nodes {
		if n.Enabled {
			eligible = append(eligible, n)
		}
	}
	return eligible, nil
}

// ListUsersForNode returns the epoch of every user a node serves
func (r *NodeRepository) ListUsersForNode(ctx context.Context, nodeID string) ([]*models.AllowListVersion, error) {
	query := `SELECT v.user_id, v.epoch, v.device_limit, v.enforce, v.updated_at
		FROM allow_list_versions v
		WHERE EXISTS (SELECT 1 FROM node_user_assignments a WHERE a.user_id = v.user_id AND a.node_id = $1)
			OR NOT EXISTS (SELECT 1 FROM node_user_assignments a WHERE a.user_id = v.user_id)
		ORDER BY v.user_id`

	rows, err := r.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*models.AllowListVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SetEnabled enables or disables a node; a disabled node is reported as such
func (r *NodeRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	status := models.NodeStatusUnhealthy
	if !enabled {
		status = models.NodeStatusDisabled
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE nodes SET enabled = $1, status = $2, status_message = $3 WHERE id = $4`,
		enabled, string(status), "", id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return models.ErrNodeNotFound
	}
	return nil
}

// UpdateStatus records the connection health of a node
func (r *NodeRepository) UpdateStatus(ctx context.Context, id string, status models.NodeStatus, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE nodes SET status = $1, status_message = $2, last_seen_at = $3 WHERE id = $4 AND enabled = $5`,
		string(status), message, time.Now().UTC(), id, true)
	return err
}

func (r *NodeRepository) Delete(ctx context.Context, id string) (bool, error) {
	err := r.db.runTx(ctx, "DELETE", "nodes", func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM node_sync_states WHERE node_id = $1`,
			`DELETE FROM node_user_assignments WHERE node_id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return models.ErrNodeNotFound
		}
		return nil
	})
	if errors.Is(err, models.ErrNodeNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetAssignments replaces the users a node is restricted to serve
func (r *NodeRepository) SetAssignments(ctx context.Context, nodeID string, userIDs []string) error {
	return r.db.runTx(ctx, "UPDATE", "node_user_assignments", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM node_user_assignments WHERE node_id = $1`, nodeID); err != nil {
			return err
		}
		for _, userID := range userIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO node_user_assignments (node_id, user_id) VALUES ($1, $2)
				ON CONFLICT (node_id, user_id) DO NOTHING`,
				nodeID, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListAssignments returns the users a node is restricted to serve
func (r *NodeRepository) ListAssignments(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM node_user_assignments WHERE node_id = $1 ORDER BY user_id`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
