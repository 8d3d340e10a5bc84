package storage

import (
	"database/sql"
	"fmt"
)

// migrationVersion tracks the current database schema version.
const migrationVersion = 1

// initializeDatabase creates the schema, with version tracking so future
// migrations can build on it.
func initializeDatabase(db *sql.DB) error {
	migrationsTable := `
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER NOT NULL UNIQUE,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	if currentVersion < 1 {
		if err := applyMigration1(db); err != nil {
			return fmt.Errorf("apply migration 1: %w", err)
		}
	}
	return nil
}

func applyMigration1(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE scheduled_slots (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			stage_index INTEGER NOT NULL,
			total_stages INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			result TEXT NOT NULL,
			approval_status TEXT NOT NULL,
			approval_message_ref TEXT,
			approval_requested_at TIMESTAMP,
			approval_responded_at TIMESTAMP,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			history_written INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL
		);`,
		"CREATE INDEX idx_slots_status ON scheduled_slots(status, created_at DESC);",
		"CREATE INDEX idx_slots_approval ON scheduled_slots(approval_status, approval_requested_at);",

		`CREATE TABLE production_history (
			id TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			scenario_id TEXT NOT NULL,
			composition_id TEXT NOT NULL,
			table_id TEXT,
			hand_style_id TEXT,
			includes_pet INTEGER NOT NULL DEFAULT 0,
			product_type TEXT
		);`,
		"CREATE INDEX idx_history_ts ON production_history(ts DESC);",

		`CREATE TABLE singletons (
			name TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", migrationVersion); err != nil {
		return fmt.Errorf("record migration version: %w", err)
	}
	return tx.Commit()
}
