package booking

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is a single schema step, applied once and recorded in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "meeting_requests",
		SQL: `
		CREATE TABLE IF NOT EXISTS meeting_requests (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id     TEXT NOT NULL,
			phone       TEXT NOT NULL DEFAULT '',
			meeting_at  TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'requested',
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_meeting_requests_chat ON meeting_requests(chat_id, meeting_at);
		`,
	},
}

// schemaVersion is the version a fully migrated database reports.
var schemaVersion = migrations[len(migrations)-1].Version

func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := getSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
