package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 5

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []func() error{
		s.migrateToV1,
		s.migrateToV2,
		s.migrateToV3,
		s.migrateToV4,
		s.migrateToV5,
	}
	for i, migrate := range migrations {
		if version >= i+1 {
			continue
		}
		if err := migrate(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", i+1, err)
		}
	}

	return nil
}

// recordMigration marks a schema version as applied.
func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// migrateToV1 creates the known-network list.
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// ssid is the primary key, so a second write for the same network
	// replaces the first (last write wins).
	const credentialsTable = `
		CREATE TABLE IF NOT EXISTS wifi_credentials (
			ssid TEXT PRIMARY KEY,
			psk TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_priority ON wifi_credentials(priority DESC);
	`

	if _, err := s.db.Exec(credentialsTable); err != nil {
		return fmt.Errorf("create wifi_credentials table: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds the single-row device defaults table.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	const deviceConfigTable = `
		CREATE TABLE IF NOT EXISTS device_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			default_relay_state TEXT NOT NULL,
			hysteresis INTEGER NOT NULL,
			min_on_temp INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(deviceConfigTable); err != nil {
		return fmt.Errorf("create device_config table: %w", err)
	}

	return s.recordMigration(2)
}

// migrateToV3 adds the single admin account.
func (s *SQLiteStore) migrateToV3() error {
	log.Printf("storage: applying migration to schema version 3")

	const accountTable = `
		CREATE TABLE IF NOT EXISTS admin_account (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(accountTable); err != nil {
		return fmt.Errorf("create admin_account table: %w", err)
	}

	return s.recordMigration(3)
}

// migrateToV4 adds the partition record with generation rows and a
// single-row pointer. A save inserts a new generation and flips the pointer
// in one transaction; the previous generation stays on disk until the next
// save, so an interrupted write always leaves one complete record.
func (s *SQLiteStore) migrateToV4() error {
	log.Printf("storage: applying migration to schema version 4")

	const partitionTables = `
		CREATE TABLE IF NOT EXISTS partition_records (
			generation INTEGER PRIMARY KEY,
			record BLOB NOT NULL,
			written_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS partition_pointer (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			generation INTEGER NOT NULL REFERENCES partition_records(generation)
		);
	`

	if _, err := s.db.Exec(partitionTables); err != nil {
		return fmt.Errorf("create partition tables: %w", err)
	}

	return s.recordMigration(4)
}

// migrateToV5 adds the device event log (boot integrity, OTA outcomes,
// admin actions).
func (s *SQLiteStore) migrateToV5() error {
	log.Printf("storage: applying migration to schema version 5")

	const eventsTable = `
		CREATE TABLE IF NOT EXISTS device_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_device_events_kind ON device_events(kind);
	`

	if _, err := s.db.Exec(eventsTable); err != nil {
		return fmt.Errorf("create device_events table: %w", err)
	}

	return s.recordMigration(5)
}
