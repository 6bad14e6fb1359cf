package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS raw_events (
					id TEXT PRIMARY KEY,
					app TEXT NOT NULL,
					channel TEXT NOT NULL,
					payload TEXT NOT NULL,
					digest TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'PENDING',
					captured_at DATETIME NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_raw_events_digest ON raw_events(digest)`,
				`CREATE INDEX idx_raw_events_status ON raw_events(status)`,
				`CREATE INDEX idx_raw_events_app ON raw_events(app)`,

				`CREATE TABLE IF NOT EXISTS rules (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					app TEXT NOT NULL,
					channel TEXT NOT NULL,
					kind TEXT NOT NULL,
					body TEXT NOT NULL,
					origin TEXT NOT NULL DEFAULT 'system',
					priority INTEGER NOT NULL DEFAULT 0,
					use_count INTEGER NOT NULL DEFAULT 0,
					enabled INTEGER NOT NULL DEFAULT 1,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_rules_app_channel ON rules(app, channel)`,

				`CREATE TABLE IF NOT EXISTS bills (
					id TEXT PRIMARY KEY,
					parent_id TEXT NOT NULL,
					group_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					amount INTEGER NOT NULL,
					currency TEXT NOT NULL DEFAULT 'CNY',
					occurred_at INTEGER NOT NULL,
					fp_bucket INTEGER NOT NULL,
					fp_kind TEXT NOT NULL DEFAULT '',
					counterparty TEXT,
					from_account TEXT,
					to_account TEXT,
					channels TEXT NOT NULL DEFAULT '[]',
					lineage TEXT NOT NULL DEFAULT '[]',
					state TEXT NOT NULL DEFAULT 'OPEN',
					auto_confirmed INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_bills_group ON bills(group_id)`,
				`CREATE INDEX idx_bills_state ON bills(state)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Enforce one open root per fingerprint",
		Up: func(tx *sql.Tx) error {
			// Partial unique index: at most one OPEN record may carry a given
			// (amount, bucket, kind) fingerprint at any time.
			_, err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_open_fingerprint
				ON bills(amount, fp_bucket, fp_kind) WHERE state = 'OPEN'`)
			return err
		},
	},
	{
		Version:     3,
		Description: "Add merge audit trail",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS bill_audit (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					bill_id TEXT NOT NULL,
					event_id TEXT NOT NULL,
					field TEXT NOT NULL,
					value TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (bill_id) REFERENCES bills(id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_bill_audit_bill_id ON bill_audit(bill_id)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	// Apply migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		// Update version
		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	// Verify we're at the expected schema version
	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
