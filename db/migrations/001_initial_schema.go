package migrations

import (
	"database/sql"
)

func init() {
	RegisterMigration(&Migration{
		Version: 1,
		Name:    "initial_schema",
		Up:      initialSchemaUp,
		Down:    initialSchemaDown,
	})
}

func initialSchemaUp(tx *sql.Tx) error {
	schema := `
	-- positions is the parent of the RANGE partitioning scheme the
	-- Partition Catalog manages. device_ts is stored as a
	-- "timestamp without time zone" column deliberately: it is the
	-- device's own reported wall-clock reading, never converted to or
	-- interpreted in any particular zone, and partition bounds are
	-- literal date values rather than zone-aware instants.
	CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL,
		device_id VARCHAR(64) NOT NULL,
		device_ts TIMESTAMP NOT NULL,
		lat DOUBLE PRECISION NOT NULL DEFAULT 0,
		lon DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed DOUBLE PRECISION NOT NULL DEFAULT 0,
		course VARCHAR(16) NOT NULL DEFAULT '',
		ignition VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN',
		vehicle_status VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN',
		status VARCHAR(16) NOT NULL,
		panic BOOLEAN NOT NULL DEFAULT false,
		gsm_strength INT NOT NULL DEFAULT 0,
		sequence_no VARCHAR(64) NOT NULL DEFAULT '',
		imei VARCHAR(32) NOT NULL DEFAULT '',
		serial_no VARCHAR(64) NOT NULL DEFAULT '',
		superadmin_id BIGINT,
		admin_id BIGINT,
		dealer_id BIGINT,
		client_id BIGINT,
		user_id BIGINT,
		driver_id BIGINT,
		PRIMARY KEY (id, device_ts),
		UNIQUE (device_id, device_ts)
	) PARTITION BY RANGE (device_ts);

	CREATE INDEX IF NOT EXISTS idx_positions_device_ts ON positions (device_id, device_ts);
	CREATE INDEX IF NOT EXISTS idx_positions_device_status ON positions (device_id, status);
	CREATE INDEX IF NOT EXISTS idx_positions_admin_ts ON positions (admin_id, device_ts);
	CREATE INDEX IF NOT EXISTS idx_positions_latlon ON positions (lat, lon);
	CREATE INDEX IF NOT EXISTS idx_positions_imei ON positions (imei);
	CREATE INDEX IF NOT EXISTS idx_positions_panic_ts ON positions (panic, device_ts);

	-- last_known_location is the O(1) projection the Query Path reads
	-- for latest(), kept current by the Ingestion Path's side effects
	-- and mirrored into Redis by internal/cachex.
	CREATE TABLE IF NOT EXISTS last_known_location (
		device_id VARCHAR(64) PRIMARY KEY,
		device_ts TIMESTAMP NOT NULL,
		lat DOUBLE PRECISION NOT NULL DEFAULT 0,
		lon DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed DOUBLE PRECISION NOT NULL DEFAULT 0,
		course VARCHAR(16) NOT NULL DEFAULT '',
		ignition VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN',
		vehicle_status VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN',
		panic BOOLEAN NOT NULL DEFAULT false,
		updated_at TIMESTAMP NOT NULL
	);

	-- default_partition catches any row outside the currently-provisioned
	-- months, so an unexpectedly old or future device_ts never fails the
	-- insert outright; the lifecycle scheduler's heartbeat keeps the real
	-- monthly partitions ahead of live traffic so this stays empty in
	-- steady state.
	CREATE TABLE IF NOT EXISTS positions_default PARTITION OF positions DEFAULT;

	-- partition_registry tracks each partition's creation time: Postgres
	-- exposes no native "relation created_at" column, so the catalog
	-- records it itself at Create() time and joins it back in on List().
	CREATE TABLE IF NOT EXISTS partition_registry (
		name VARCHAR(16) PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`

	_, err := tx.Exec(schema)
	return err
}

func initialSchemaDown(tx *sql.Tx) error {
	schema := `
	DROP TABLE IF EXISTS positions_default;
	DROP TABLE IF EXISTS positions CASCADE;
	DROP TABLE IF EXISTS last_known_location;
	DROP TABLE IF EXISTS partition_registry;
	`
	_, err := tx.Exec(schema)
	return err
}
