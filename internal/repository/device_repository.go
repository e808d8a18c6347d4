package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deviceguard/server/internal/models"
)

const deviceColumns = `id, user_id, fingerprint, fingerprint_version, display_name, client_name, client_type,
	first_seen_at, last_seen_at, last_node_id, is_blocked, trust_level`

// AdmitOutcome tells what Admit did with a candidate device
type AdmitOutcome int

const (
	// AdmitCreated inserted the candidate and bumped the epoch
	AdmitCreated AdmitOutcome = iota
	// AdmitExisting found the fingerprint already registered and refreshed it
	AdmitExisting
	// AdmitDenied left the store untouched because the policy refused a new device
	AdmitDenied
)

// AdmitResult is the outcome of an Admit call
type AdmitResult struct {
	Device        *models.Device
	Outcome       AdmitOutcome
	Epoch         int64
	ActiveDevices int
	Policy        *models.AllowListVersion
}

// AdmitPolicy decides under the user lock whether one more device may be created
type AdmitPolicy func(policy *models.AllowListVersion, activeDevices int) bool

// DeviceRepository persists devices and keeps the allow-list epoch in step with them
type DeviceRepository struct {
	db *DB
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var displayName sql.NullString
	var clientType string
	if err := row.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.FingerprintVersion, &displayName,
		&d.ClientName, &clientType, &d.FirstSeenAt, &d.LastSeenAt, &d.LastNodeID,
		&d.IsBlocked, &d.TrustLevel); err != nil {
		return nil, err
	}
	if displayName.Valid {
		d.DisplayName = &displayName.String
	}
	d.ClientType = models.ClientType(clientType)
	return &d, nil
}

func getDevice(ctx context.Context, q queryer, where string, args ...interface{}) (*models.Device, error) {
	d, err := scanDevice(q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	return getDevice(ctx, r.db, `id = $1`, id)
}

func (r *DeviceRepository) GetByFingerprint(ctx context.Context, userID, fingerprint string) (*models.Device, error) {
	return getDevice(ctx, r.db, `user_id = $1 AND fingerprint = $2`, userID, fingerprint)
}

// ListForUser returns every device of a user, most recently seen first
func (r *DeviceRepository) ListForUser(ctx context.Context, userID string) ([]*models.Device, error) {
	return r.Search(ctx, models.DeviceFilter{UserID: userID, Limit: -1})
}

// Search returns devices matching filter, most recently seen first.
// A negative Limit returns every match.
func (r *DeviceRepository) Search(ctx context.Context, filter models.DeviceFilter) ([]*models.Device, error) {
	where, args := deviceFilterClause(filter)
	query := `SELECT ` + deviceColumns + ` FROM devices` + where + ` ORDER BY last_seen_at DESC, id`

	if filter.Limit >= 0 {
		limit := filter.Limit
		if limit == 0 {
			limit = models.DefaultDeviceListLimit
		}
		args = append(args, limit, filter.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []*models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Count returns the number of devices matching filter, ignoring paging
func (r *DeviceRepository) Count(ctx context.Context, filter models.DeviceFilter) (int, error) {
	where, args := deviceFilterClause(filter)
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`+where, args...).Scan(&count)
	return count, err
}

func deviceFilterClause(f models.DeviceFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}

	if f.UserID != "" {
		add(`user_id = ?`, f.UserID)
	}
	if f.NodeID != "" {
		add(`last_node_id = ?`, f.NodeID)
	}
	if f.ClientType != "" {
		add(`client_type = ?`, string(f.ClientType))
	}
	if f.IsBlocked != nil {
		add(`is_blocked = ?`, *f.IsBlocked)
	}
	if f.From != nil {
		add(`last_seen_at >= ?`, f.From.UTC())
	}
	if f.To != nil {
		add(`last_seen_at <= ?`, f.To.UTC())
	}
	if f.IP != "" {
		add(`EXISTS (SELECT 1 FROM device_ips di WHERE di.device_id = devices.id AND di.ip = ?)`, f.IP)
	}
	if f.CountryCode != "" {
		add(`EXISTS (SELECT 1 FROM device_ips di WHERE di.device_id = devices.id AND di.country_code = ?)`,
			strings.ToUpper(f.CountryCode))
	}
	if f.IsDatacenter != nil {
		add(`EXISTS (SELECT 1 FROM device_ips di WHERE di.device_id = devices.id AND di.is_datacenter = ?)`,
			*f.IsDatacenter)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Admit registers a connection of candidate's fingerprint under the per-user lock.
// A known fingerprint is refreshed. An unknown one is created only when allow approves,
// in which case the epoch is bumped in the same transaction.
func (r *DeviceRepository) Admit(ctx context.Context, candidate *models.Device, sample models.IPSample, allow AdmitPolicy) (*AdmitResult, error) {
	var result *AdmitResult
	err := r.db.runTx(ctx, "ADMIT", "devices", func(tx *sql.Tx) error {
		result = nil
		lockStart := time.Now()
		policy, err := lockUser(ctx, tx, candidate.UserID, r.db.Defaults)
		if err != nil {
			return err
		}
		r.db.metrics.RecordLockWait(ctx, time.Since(lockStart))

		existing, err := getDevice(ctx, tx, `user_id = $1 AND fingerprint = $2`, candidate.UserID, candidate.Fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := touchDevice(ctx, tx, existing, candidate.LastNodeID, sample); err != nil {
				return err
			}
			if err := upsertTraffic(ctx, tx, existing, candidate.LastNodeID, sample); err != nil {
				return err
			}
			result = &AdmitResult{Device: existing, Outcome: AdmitExisting, Epoch: policy.Epoch, Policy: policy}
			return nil
		}

		active, err := countActiveDevices(ctx, tx, candidate.UserID)
		if err != nil {
			return err
		}
		if !allow(policy, active) {
			result = &AdmitResult{Outcome: AdmitDenied, Epoch: policy.Epoch, ActiveDevices: active, Policy: policy}
			return nil
		}

		if err := insertDevice(ctx, tx, candidate); err != nil {
			return err
		}
		if err := upsertIPSample(ctx, tx, candidate.ID, sample); err != nil {
			return err
		}
		if err := upsertTraffic(ctx, tx, candidate, candidate.LastNodeID, sample); err != nil {
			return err
		}
		epoch, err := bumpEpoch(ctx, tx, candidate.UserID)
		if err != nil {
			return err
		}
		result = &AdmitResult{
			Device:        candidate,
			Outcome:       AdmitCreated,
			Epoch:         epoch,
			ActiveDevices: active + 1,
			Policy:        policy,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertDevice(ctx context.Context, tx *sql.Tx, d *models.Device) error {
	query := `INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	var displayName sql.NullString
	if d.DisplayName != nil {
		displayName = nullString(*d.DisplayName)
	}
	_, err := tx.ExecContext(ctx, query,
		d.ID, d.UserID, d.Fingerprint, d.FingerprintVersion, displayName,
		d.ClientName, string(d.ClientType), d.FirstSeenAt, d.LastSeenAt, d.LastNodeID,
		d.IsBlocked, d.TrustLevel,
	)
	return err
}

func touchDevice(ctx context.Context, tx *sql.Tx, d *models.Device, nodeID string, sample models.IPSample) error {
	seen := sample.SeenAt.UTC()
	if seen.Before(d.LastSeenAt) {
		seen = d.LastSeenAt
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = $1, last_node_id = $2 WHERE id = $3`,
		seen, nodeID, d.ID); err != nil {
		return err
	}
	d.LastSeenAt = seen
	d.LastNodeID = nodeID
	return upsertIPSample(ctx, tx, d.ID, sample)
}

// SetBlocked blocks or unblocks a device and returns it with the new epoch.
// Unblocking fails with models.ErrDeviceLimit when it would exceed an enforced limit.
func (r *DeviceRepository) SetBlocked(ctx context.Context, id string, blocked bool) (*models.Device, int64, error) {
	var device *models.Device
	var epoch int64
	err := r.db.runTx(ctx, "UPDATE", "devices", func(tx *sql.Tx) error {
		d, err := getDevice(ctx, tx, `id = $1`, id)
		if err != nil {
			return err
		}
		if d == nil {
			return models.ErrDeviceNotFound
		}
		policy, err := lockUser(ctx, tx, d.UserID, r.db.Defaults)
		if err != nil {
			return err
		}

		if !blocked && d.IsBlocked && policy.Enforce && policy.DeviceLimit != nil {
			active, err := countActiveDevices(ctx, tx, d.UserID)
			if err != nil {
				return err
			}
			if active >= *policy.DeviceLimit {
				return fmt.Errorf("unblock %s: %w", id, models.ErrDeviceLimit)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE devices SET is_blocked = $1 WHERE id = $2`, blocked, id); err != nil {
			return err
		}
		epoch, err = bumpEpoch(ctx, tx, d.UserID)
		if err != nil {
			return err
		}
		d.IsBlocked = blocked
		device = d
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return device, epoch, nil
}

// Delete removes a device with its IP history and returns the removed row with the new epoch
func (r *DeviceRepository) Delete(ctx context.Context, id string) (*models.Device, int64, error) {
	var device *models.Device
	var epoch int64
	err := r.db.runTx(ctx, "DELETE", "devices", func(tx *sql.Tx) error {
		d, err := getDevice(ctx, tx, `id = $1`, id)
		if err != nil {
			return err
		}
		if d == nil {
			return models.ErrDeviceNotFound
		}
		if _, err := lockUser(ctx, tx, d.UserID, r.db.Defaults); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_ips WHERE device_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id); err != nil {
			return err
		}
		epoch, err = bumpEpoch(ctx, tx, d.UserID)
		if err != nil {
			return err
		}
		device = d
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return device, epoch, nil
}

// DeleteBelowVersion removes devices fingerprinted with an older scheme.
// It returns the new epoch of every affected user.
func (r *DeviceRepository) DeleteBelowVersion(ctx context.Context, version int) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM devices WHERE fingerprint_version < $1 ORDER BY user_id`, version)
	if err != nil {
		return nil, err
	}
	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, userID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	epochs := make(map[string]int64, len(users))
	for _, userID := range users {
		err := r.db.runTx(ctx, "DELETE", "devices", func(tx *sql.Tx) error {
			if _, err := lockUser(ctx, tx, userID, r.db.Defaults); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM device_ips WHERE device_id IN
					(SELECT id FROM devices WHERE user_id = $1 AND fingerprint_version < $2)`,
				userID, version); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM devices WHERE user_id = $1 AND fingerprint_version < $2`, userID, version)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
			epoch, err := bumpEpoch(ctx, tx, userID)
			if err != nil {
				return err
			}
			epochs[userID] = epoch
			return nil
		})
		if err != nil {
			return epochs, err
		}
	}
	return epochs, nil
}

// SetDisplayName changes the operator label; it does not affect the allow-list
func (r *DeviceRepository) SetDisplayName(ctx context.Context, id string, name *string) (*models.Device, error) {
	var displayName sql.NullString
	if name != nil {
		displayName = nullString(*name)
	}
	return r.updateMetadata(ctx, id, `UPDATE devices SET display_name = $1 WHERE id = $2`, displayName)
}

// SetTrustLevel changes the trust level; it does not affect the allow-list
func (r *DeviceRepository) SetTrustLevel(ctx context.Context, id string, level int) (*models.Device, error) {
	return r.updateMetadata(ctx, id, `UPDATE devices SET trust_level = $1 WHERE id = $2`, level)
}

func (r *DeviceRepository) updateMetadata(ctx context.Context, id, query string, value interface{}) (*models.Device, error) {
	result, err := r.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, models.ErrDeviceNotFound
	}
	return r.GetByID(ctx, id)
}

// CountActiveSince returns the number of devices of a user seen at or after since
func (r *DeviceRepository) CountActiveSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE user_id = $1 AND last_seen_at >= $2`,
		userID, since.UTC()).Scan(&count)
	return count, err
}
