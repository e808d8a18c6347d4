package repository

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database.
// Writers take the database lock at BEGIN and wait on a busy database instead of failing fast.
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}

	// A single connection serializes writers inside the process
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func sqliteDSN(dbPath string) string {
	params := "_busy_timeout=5000&_txlock=immediate&_foreign_keys=1"
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + params
	}
	return "file:" + strings.TrimPrefix(dbPath, "file:") + "?" + params
}

func createTables(db *sql.DB) error {
	schema := `
	-- Per-user device policy and allow-list epoch
	CREATE TABLE IF NOT EXISTS allow_list_versions (
		user_id TEXT PRIMARY KEY,
		epoch INTEGER NOT NULL DEFAULT 0,
		device_limit INTEGER CHECK (device_limit IS NULL OR device_limit >= 0),
		enforce INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Devices recognized by fingerprint, one row per (user, fingerprint)
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		fingerprint_version INTEGER NOT NULL,
		display_name TEXT,
		client_name TEXT NOT NULL DEFAULT '',
		client_type TEXT NOT NULL DEFAULT 'other',
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		last_node_id TEXT NOT NULL DEFAULT '',
		is_blocked INTEGER NOT NULL DEFAULT 0,
		trust_level INTEGER NOT NULL DEFAULT 0 CHECK (trust_level BETWEEN -100 AND 100),
		UNIQUE (user_id, fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices(user_id);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);
	CREATE INDEX IF NOT EXISTS idx_devices_last_node ON devices(last_node_id);

	-- Source addresses observed per device
	CREATE TABLE IF NOT EXISTS device_ips (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		ip TEXT NOT NULL,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		connect_count INTEGER NOT NULL DEFAULT 0,
		upload_bytes INTEGER NOT NULL DEFAULT 0,
		download_bytes INTEGER NOT NULL DEFAULT 0,
		country_code TEXT,
		asn INTEGER,
		asn_org TEXT,
		region TEXT,
		city TEXT,
		is_datacenter INTEGER,
		PRIMARY KEY (device_id, ip)
	);

	CREATE INDEX IF NOT EXISTS idx_device_ips_ip ON device_ips(ip);
	CREATE INDEX IF NOT EXISTS idx_device_ips_country ON device_ips(country_code);

	-- Traffic per device, node and time bucket
	CREATE TABLE IF NOT EXISTS device_traffic (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		bucket_start DATETIME NOT NULL,
		bucket_seconds INTEGER NOT NULL,
		upload_bytes INTEGER NOT NULL DEFAULT 0,
		download_bytes INTEGER NOT NULL DEFAULT 0,
		connect_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (device_id, node_id, bucket_start)
	);

	CREATE INDEX IF NOT EXISTS idx_device_traffic_user_bucket ON device_traffic(user_id, bucket_start);

	-- Registered proxy nodes
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		secret_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unhealthy',
		status_message TEXT NOT NULL DEFAULT '',
		last_seen_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Optional user to node assignment; users without rows are served by every enabled node
	CREATE TABLE IF NOT EXISTS node_user_assignments (
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (node_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_node_user_assignments_user ON node_user_assignments(user_id);

	-- Last acknowledged allow-list epoch per (node, user)
	CREATE TABLE IF NOT EXISTS node_sync_states (
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		acked_epoch INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (node_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_node_sync_states_user ON node_sync_states(user_id);
	`

	_, err := db.Exec(schema)
	return err
}
