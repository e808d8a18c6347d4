package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deviceguard/server/internal/models"
)

// AllowListRepository reads and changes per-user device policies and their epochs
type AllowListRepository struct {
	db *DB
}

// NewAllowListRepository creates a new AllowListRepository
func NewAllowListRepository(db *DB) *AllowListRepository {
	return &AllowListRepository{db: db}
}

// GetVersion returns the policy row of a user, or the defaults at epoch 0 when none exists yet
func (r *AllowListRepository) GetVersion(ctx context.Context, userID string) (*models.AllowListVersion, error) {
	v, err := getVersion(ctx, r.db, userID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return r.defaultVersion(userID), nil
	}
	return v, nil
}

// Snapshot returns the allow-list of a user and the epoch it corresponds to, read atomically
func (r *AllowListRepository) Snapshot(ctx context.Context, userID string) (*models.AllowListSnapshot, error) {
	var snap *models.AllowListSnapshot
	err := r.db.readTx(ctx, "SELECT", "allow_list_versions", func(tx *sql.Tx) error {
		v, err := getVersion(ctx, tx, userID)
		if err != nil {
			return err
		}
		if v == nil {
			v = r.defaultVersion(userID)
		}
		fps, err := allowedFingerprints(ctx, tx, userID)
		if err != nil {
			return err
		}
		snap = &models.AllowListSnapshot{
			UserID:       userID,
			Epoch:        v.Epoch,
			DeviceLimit:  v.DeviceLimit,
			Enforce:      v.Enforce,
			Fingerprints: fps,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SetPolicy changes the device limit and enforcement of a user and returns the new epoch
func (r *AllowListRepository) SetPolicy(ctx context.Context, userID string, limit *int, enforce bool) (*models.AllowListVersion, error) {
	var v *models.AllowListVersion
	err := r.db.runTx(ctx, "UPDATE", "allow_list_versions", func(tx *sql.Tx) error {
		if err := ensureVersion(ctx, tx, userID, r.db.Defaults); err != nil {
			return err
		}
		now := time.Now().UTC()
		query := `UPDATE allow_list_versions
			SET device_limit = $1, enforce = $2, epoch = epoch + 1, updated_at = $3
			WHERE user_id = $4
			RETURNING epoch`

		var epoch int64
		if err := tx.QueryRowContext(ctx, query, nullIntPtr(limit), enforce, now, userID).Scan(&epoch); err != nil {
			return err
		}
		v = &models.AllowListVersion{
			UserID:      userID,
			Epoch:       epoch,
			DeviceLimit: limit,
			Enforce:     enforce,
			UpdatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVersions returns the epoch of every user known to the store
func (r *AllowListRepository) ListVersions(ctx context.Context) ([]*models.AllowListVersion, error) {
	query := `SELECT user_id, epoch, device_limit, enforce, updated_at
		FROM allow_list_versions ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, query)
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

func (r *AllowListRepository) defaultVersion(userID string) *models.AllowListVersion {
	return &models.AllowListVersion{
		UserID:      userID,
		DeviceLimit: r.db.Defaults.DeviceLimit,
		Enforce:     r.db.Defaults.Enforce,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (*models.AllowListVersion, error) {
	var v models.AllowListVersion
	var limit sql.NullInt64
	if err := row.Scan(&v.UserID, &v.Epoch, &limit, &v.Enforce, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.DeviceLimit = intPtrFromNull(limit)
	return &v, nil
}

func getVersion(ctx context.Context, q queryer, userID string) (*models.AllowListVersion, error) {
	query := `SELECT user_id, epoch, device_limit, enforce, updated_at
		FROM allow_list_versions WHERE user_id = $1`

	v, err := scanVersion(q.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ensureVersion creates the policy row of a user with the defaults if it is missing
func ensureVersion(ctx context.Context, tx *sql.Tx, userID string, defaults PolicyDefaults) error {
	query := `INSERT INTO allow_list_versions (user_id, epoch, device_limit, enforce, updated_at)
		VALUES ($1, 0, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, userID, nullIntPtr(defaults.DeviceLimit), defaults.Enforce, time.Now().UTC())
	return err
}

// lockUser takes the row lock that serializes every allow-list change of a user.
// It returns the policy row as seen under the lock.
func lockUser(ctx context.Context, tx *sql.Tx, userID string, defaults PolicyDefaults) (*models.AllowListVersion, error) {
	if err := ensureVersion(ctx, tx, userID, defaults); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE allow_list_versions SET epoch = epoch WHERE user_id = $1`, userID); err != nil {
		return nil, err
	}
	v, err := getVersion(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("allow-list version of %s vanished under lock", userID)
	}
	return v, nil
}

// bumpEpoch increments the epoch of a user and returns the new value
func bumpEpoch(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	query := `UPDATE allow_list_versions SET epoch = epoch + 1, updated_at = $1
		WHERE user_id = $2
		RETURNING epoch`

	var epoch int64
	err := tx.QueryRowContext(ctx, query, time.Now().UTC(), userID).Scan(&epoch)
	return epoch, err
}

func allowedFingerprints(ctx context.Context, q queryer, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT fingerprint FROM devices WHERE user_id = $1 AND is_blocked = $2 ORDER BY fingerprint`,
		userID, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fps := []string{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

func countActiveDevices(ctx context.Context, q queryer, userID string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE user_id = $1 AND is_blocked = $2`,
		userID, false).Scan(&count)
	return count, err
}
