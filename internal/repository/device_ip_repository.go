package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/deviceguard/server/internal/models"
)

const deviceIPColumns = `device_id, ip, first_seen_at, last_seen_at, connect_count, upload_bytes, download_bytes,
	country_code, asn, asn_org, region, city, is_datacenter`

// DeviceIPRepository reads the per-device IP and traffic history
type DeviceIPRepository struct {
	db *DB
}

// NewDeviceIPRepository creates a new DeviceIPRepository
func NewDeviceIPRepository(db *DB) *DeviceIPRepository {
	return &DeviceIPRepository{db: db}
}

// upsertIPSample folds one observation into the (device, ip) row.
// Counters accumulate; enrichment fields keep the first non-null value.
func upsertIPSample(ctx context.Context, tx *sql.Tx, deviceID string, s models.IPSample) error {
	if s.IP == "" {
		return nil
	}
	seen := s.SeenAt.UTC()
	if s.SeenAt.IsZero() {
		seen = time.Now().UTC()
	}
	var e models.IPEnrichment
	if s.Enrichment != nil {
		e = *s.Enrichment
	}

	query := `INSERT INTO device_ips (` + deviceIPColumns + `)
		VALUES ($1, $2, $3, $3, 1, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (device_id, ip) DO UPDATE SET
			last_seen_at = CASE WHEN excluded.last_seen_at > device_ips.last_seen_at
				THEN excluded.last_seen_at ELSE device_ips.last_seen_at END,
			connect_count = device_ips.connect_count + 1,
			upload_bytes = device_ips.upload_bytes + excluded.upload_bytes,
			download_bytes = device_ips.download_bytes + excluded.download_bytes,
			country_code = COALESCE(device_ips.country_code, excluded.country_code),
			asn = COALESCE(device_ips.asn, excluded.asn),
			asn_org = COALESCE(device_ips.asn_org, excluded.asn_org),
			region = COALESCE(device_ips.region, excluded.region),
			city = COALESCE(device_ips.city, excluded.city),
			is_datacenter = COALESCE(device_ips.is_datacenter, excluded.is_datacenter)`

	_, err := tx.ExecContext(ctx, query,
		deviceID, s.IP, seen, s.UploadBytes, s.DownloadBytes,
		nullString(e.CountryCode), nullInt64(e.ASN), nullString(e.ASNOrg),
		nullString(e.Region), nullString(e.City), nullBool(e.IsDatacenter),
	)
	return err
}

func scanDeviceIP(row rowScanner) (*models.DeviceIP, error) {
	var ip models.DeviceIP
	var country, asnOrg, region, city sql.NullString
	var asn sql.NullInt64
	var datacenter sql.NullBool
	if err := row.Scan(&ip.DeviceID, &ip.IP, &ip.FirstSeenAt, &ip.LastSeenAt, &ip.ConnectCount,
		&ip.UploadBytes, &ip.DownloadBytes, &country, &asn, &asnOrg, &region, &city, &datacenter); err != nil {
		return nil, err
	}
	ip.CountryCode = country.String
	ip.ASN = asn.Int64
	ip.ASNOrg = asnOrg.String
	ip.Region = region.String
	ip.City = city.String
	if datacenter.Valid {
		v := datacenter.Bool
		ip.IsDatacenter = &v
	}
	return &ip, nil
}

func (r *DeviceIPRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.DeviceIP, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ips := []*models.DeviceIP{}
	for rows.Next() {
		ip, err := scanDeviceIP(rows)
		if err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// ListForDevice returns the addresses of a device, most recently seen first
func (r *DeviceIPRepository) ListForDevice(ctx context.Context, deviceID string) ([]*models.DeviceIP, error) {
	return r.list(ctx,
		`SELECT `+deviceIPColumns+` FROM device_ips WHERE device_id = $1 ORDER BY last_seen_at DESC, ip`,
		deviceID)
}

// ListForUser returns the addresses of every device of a user
func (r *DeviceIPRepository) ListForUser(ctx context.Context, userID string) ([]*models.DeviceIP, error) {
	return r.list(ctx,
		`SELECT `+deviceIPColumns+` FROM device_ips
		WHERE device_id IN (SELECT id FROM devices WHERE user_id = $1)
		ORDER BY device_id, last_seen_at DESC, ip`,
		userID)
}

// Get returns one (device, ip) row
func (r *DeviceIPRepository) Get(ctx context.Context, deviceID, ip string) (*models.DeviceIP, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceIPColumns+` FROM device_ips WHERE device_id = $1 AND ip = $2`, deviceID, ip)
	result, err := scanDeviceIP(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
