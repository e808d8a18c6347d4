package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deviceguard/server/internal/models"
)

const deviceTrafficColumns = `device_id, user_id, node_id, bucket_start, bucket_seconds,
	upload_bytes, download_bytes, connect_count`

// upsertTraffic adds one connection event to the (device, node, bucket) aggregate
func upsertTraffic(ctx context.Context, tx *sql.Tx, d *models.Device, nodeID string, s models.IPSample) error {
	seen := s.SeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO device_traffic (`+deviceTrafficColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (device_id, node_id, bucket_start) DO UPDATE SET
			upload_bytes = device_traffic.upload_bytes + excluded.upload_bytes,
			download_bytes = device_traffic.download_bytes + excluded.download_bytes,
			connect_count = device_traffic.connect_count + 1`,
		d.ID, d.UserID, nodeID, models.BucketStart(seen), int(models.TrafficBucket/time.Second),
		s.UploadBytes, s.DownloadBytes,
	)
	return err
}

// ListTraffic returns the traffic buckets of a device in time order
func (r *DeviceIPRepository) ListTraffic(ctx context.Context, deviceID string, filter models.TrafficFilter) ([]*models.DeviceTraffic, error) {
	conds := []string{"device_id = $1"}
	args := []interface{}{deviceID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.NodeID != "" {
		add("node_id = $%d", filter.NodeID)
	}
	if filter.From != nil {
		add("bucket_start >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("bucket_start <= $%d", filter.To.UTC())
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceTrafficColumns+` FROM device_traffic
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY bucket_start, node_id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	traffic := []*models.DeviceTraffic{}
	for rows.Next() {
		var t models.DeviceTraffic
		if err := rows.Scan(&t.DeviceID, &t.UserID, &t.NodeID, &t.BucketStart, &t.BucketSeconds,
			&t.UploadBytes, &t.DownloadBytes, &t.ConnectCount); err != nil {
			return nil, err
		}
		t.BucketStart = t.BucketStart.UTC()
		traffic = append(traffic, &t)
	}
	return traffic, rows.Err()
}
