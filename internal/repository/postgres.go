package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS allow_list_versions (
		user_id TEXT PRIMARY KEY,
		epoch BIGINT NOT NULL DEFAULT 0,
		device_limit INTEGER CHECK (device_limit IS NULL OR device_limit >= 0),
		enforce BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		fingerprint_version INTEGER NOT NULL,
		display_name TEXT,
		client_name TEXT NOT NULL DEFAULT '',
		client_type TEXT NOT NULL DEFAULT 'other',
		first_seen_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		last_node_id TEXT NOT NULL DEFAULT '',
		is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
		trust_level INTEGER NOT NULL DEFAULT 0 CHECK (trust_level BETWEEN -100 AND 100),
		UNIQUE (user_id, fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices(user_id);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);
	CREATE INDEX IF NOT EXISTS idx_devices_last_node ON devices(last_node_id);

	CREATE TABLE IF NOT EXISTS device_ips (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		ip TEXT NOT NULL,
		first_seen_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		connect_count BIGINT NOT NULL DEFAULT 0,
		upload_bytes BIGINT NOT NULL DEFAULT 0,
		download_bytes BIGINT NOT NULL DEFAULT 0,
		country_code TEXT,
		asn BIGINT,
		asn_org TEXT,
		region TEXT,
		city TEXT,
		is_datacenter BOOLEAN,
		PRIMARY KEY (device_id, ip)
	);

	CREATE INDEX IF NOT EXISTS idx_device_ips_ip ON device_ips(ip);
	CREATE INDEX IF NOT EXISTS idx_device_ips_country ON device_ips(country_code);

	CREATE TABLE IF NOT EXISTS device_traffic (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		bucket_start TIMESTAMP NOT NULL,
		bucket_seconds INTEGER NOT NULL,
		upload_bytes BIGINT NOT NULL DEFAULT 0,
		download_bytes BIGINT NOT NULL DEFAULT 0,
		connect_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (device_id, node_id, bucket_start)
	);

	CREATE INDEX IF NOT EXISTS idx_device_traffic_user_bucket ON device_traffic(user_id, bucket_start);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		secret_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unhealthy',
		status_message TEXT NOT NULL DEFAULT '',
		last_seen_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS node_user_assignments (
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (node_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_node_user_assignments_user ON node_user_assignments(user_id);

	CREATE TABLE IF NOT EXISTS node_sync_states (
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		acked_epoch BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (node_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_node_sync_states_user ON node_sync_states(user_id);
	`

	_, err := db.Exec(schema)
	return err
}
