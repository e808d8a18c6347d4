package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/deviceguard/server/internal/models"
)

// NodeSyncStateRepository handles per (node, user) allow-list delivery state
type NodeSyncStateRepository struct {
	db *DB
}

// NewNodeSyncStateRepository creates a new NodeSyncStateRepository
func NewNodeSyncStateRepository(db *DB) *NodeSyncStateRepository {
	return &NodeSyncStateRepository{db: db}
}

const syncStateColumns = `node_id, user_id, acked_epoch, status, attempts, last_error, updated_at`

func scanSyncState(row rowScanner) (*models.NodeSyncState, error) {
	var s models.NodeSyncState
	var status string
	if err := row.Scan(&s.NodeID, &s.UserID, &s.AckedEpoch, &status, &s.Attempts, &s.LastError, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = models.NodeSyncStatus(status)
	return &s, nil
}

// Get retrieves the sync state of a user on a node
func (r *NodeSyncStateRepository) Get(ctx context.Context, nodeID, userID string) (*models.NodeSyncState, error) {
	query := `SELECT ` + syncStateColumns + ` FROM node_sync_states WHERE node_id = $1 AND user_id = $2`

	state, err := scanSyncState(r.db.QueryRowContext(ctx, query, nodeID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *NodeSyncStateRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.NodeSyncState, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := []*models.NodeSyncState{}
	for rows.Next() {
		s, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// ListForUser returns the state of a user on every node that ever received it
func (r *NodeSyncStateRepository) ListForUser(ctx context.Context, userID string) ([]*models.NodeSyncState, error) {
	return r.list(ctx,
		`SELECT `+syncStateColumns+` FROM node_sync_states WHERE user_id = $1 ORDER BY node_id`, userID)
}

// ListForNode returns the state of every user on a node
func (r *NodeSyncStateRepository) ListForNode(ctx context.Context, nodeID string) ([]*models.NodeSyncState, error) {
	return r.list(ctx,
		`SELECT `+syncStateColumns+` FROM node_sync_states WHERE node_id = $1 ORDER BY user_id`, nodeID)
}

// RecordAck stores an acknowledged epoch. The stored epoch never decreases.
func (r *NodeSyncStateRepository) RecordAck(ctx context.Context, nodeID, userID string, epoch int64, attempts int) error {
	query := `INSERT INTO node_sync_states (` + syncStateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (node_id, user_id) DO UPDATE SET
			acked_epoch = CASE WHEN excluded.acked_epoch > node_sync_states.acked_epoch
				THEN excluded.acked_epoch ELSE node_sync_states.acked_epoch END,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		nodeID, userID, epoch, string(models.SyncStatusAcked), attempts, "", time.Now().UTC())
	return err
}

// MarkStatus records a non-ack delivery state without touching the acknowledged epoch
func (r *NodeSyncStateRepository) MarkStatus(ctx context.Context, nodeID, userID string, status models.NodeSyncStatus, attempts int, lastError string) error {
	query := `INSERT INTO node_sync_states (` + syncStateColumns + `)
		VALUES ($1, $2, 0, $3, $4, $5, $6)
		ON CONFLICT (node_id, user_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		nodeID, userID, string(status), attempts, lastError, time.Now().UTC())
	return err
}

// DeleteForUser forgets a user on every node
func (r *NodeSyncStateRepository) DeleteForUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM node_sync_states WHERE user_id = $1`, userID)
	return err
}
