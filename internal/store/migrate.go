package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// migration is one schema version: a list of DDL statements applied in
// order. Migrations must be safe to re-run against a partially-applied
// database — see Migrate.
type migration struct {
	version int
	stmts   []string
}

// migrations is the full, ordered schema history. Append new versions at
// the end; never edit an already-released entry.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS server_links (
				source_guild_id   TEXT PRIMARY KEY,
				target_server_id  TEXT NOT NULL UNIQUE,
				linked_by_source_user TEXT NOT NULL,
				linked_by_target_user TEXT,
				auth_method       TEXT NOT NULL,
				created_at        INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS channel_links (
				id                    INTEGER PRIMARY KEY AUTOINCREMENT,
				source_channel_id     TEXT NOT NULL UNIQUE,
				target_channel_id     TEXT NOT NULL UNIQUE,
				webhook_id            TEXT,
				webhook_token         TEXT,
				active                INTEGER NOT NULL DEFAULT 1,
				last_bridged_source_id TEXT,
				last_bridged_target_id TEXT,
				last_bridged_at       INTEGER,
				created_at            INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS role_links (
				source_role_id TEXT PRIMARY KEY,
				target_role_id TEXT NOT NULL,
				source_guild_id TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS bridge_messages (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				source_message_id TEXT NOT NULL UNIQUE,
				target_message_id TEXT NOT NULL UNIQUE,
				source_channel_id TEXT NOT NULL,
				target_channel_id TEXT NOT NULL,
				direction         TEXT NOT NULL,
				created_at        INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS claim_codes (
				code            TEXT PRIMARY KEY,
				target_server_id TEXT NOT NULL,
				created_by      TEXT NOT NULL,
				created_in      TEXT NOT NULL,
				created_at      INTEGER NOT NULL,
				used_by_guild   TEXT,
				used_by_user    TEXT,
				used_at         INTEGER
			)`,
			`CREATE TABLE IF NOT EXISTS migration_requests (
				request_id        TEXT PRIMARY KEY,
				source_guild_id   TEXT NOT NULL,
				source_guild_name TEXT NOT NULL,
				source_user_id    TEXT NOT NULL,
				source_user_name  TEXT NOT NULL,
				target_server_id  TEXT NOT NULL,
				target_channel_id TEXT NOT NULL,
				target_message_id TEXT,
				status            TEXT NOT NULL,
				approved_by       TEXT,
				created_at        INTEGER NOT NULL,
				resolved_at       INTEGER,
				expires_at        INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS archive_jobs (
				id                   TEXT PRIMARY KEY,
				guild_id             TEXT NOT NULL,
				source_channel_id    TEXT NOT NULL,
				source_channel_name  TEXT NOT NULL,
				target_channel_id    TEXT,
				direction            TEXT NOT NULL,
				status               TEXT NOT NULL,
				total_messages       INTEGER NOT NULL DEFAULT 0,
				processed_messages   INTEGER NOT NULL DEFAULT 0,
				last_message_id      TEXT,
				started_at           INTEGER,
				completed_at         INTEGER,
				error                TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS archive_messages (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id            TEXT NOT NULL REFERENCES archive_jobs(id),
				source_message_id TEXT NOT NULL,
				author_id         TEXT NOT NULL,
				author_name       TEXT NOT NULL,
				author_avatar     TEXT,
				content           TEXT NOT NULL,
				timestamp         INTEGER NOT NULL,
				edited_timestamp  INTEGER,
				reply_to_id       TEXT,
				attachments       TEXT NOT NULL DEFAULT '[]',
				embeds            TEXT NOT NULL DEFAULT '[]',
				target_message_id TEXT,
				imported_at       INTEGER,
				UNIQUE(job_id, source_message_id)
			)`,
			`CREATE TABLE IF NOT EXISTS push_devices (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				target_user_id  TEXT NOT NULL,
				device_id       TEXT NOT NULL UNIQUE,
				transport       TEXT NOT NULL,
				fcm_token       TEXT,
				webpush_endpoint TEXT,
				webpush_p256dh  TEXT,
				webpush_auth    TEXT,
				created_at      INTEGER NOT NULL,
				updated_at      INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_bridge_messages_source ON bridge_messages(source_message_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_bridge_messages_target ON bridge_messages(target_message_id)`,
			`CREATE INDEX IF NOT EXISTS idx_push_devices_user ON push_devices(target_user_id)`,
		},
	},
}

// Migrate brings the database schema up to the latest version. Each
// migration's statements run inside a transaction; a statement that
// fails because the object already exists (duplicate column, duplicate
// index, "already exists") is tolerated so migrations can be re-run
// safely against a database left partially migrated by a prior crash.
func Migrate(sqlDB *sql.DB) error {
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentVersion(sqlDB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(sqlDB, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if err := setVersion(sqlDB, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func currentVersion(sqlDB *sql.DB) (int, error) {
	var version int
	err := sqlDB.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func setVersion(sqlDB *sql.DB, version int) error {
	res, err := sqlDB.Exec(`UPDATE schema_version SET version = ?`, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = sqlDB.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
	}
	return err
}

func applyMigration(sqlDB *sql.DB, m migration) error {
	tx, err := sqlDB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			if isAlreadyAppliedError(err) {
				continue
			}
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return tx.Commit()
}

// isAlreadyAppliedError reports whether a DDL failure indicates the
// schema object already exists, making the statement safely skippable.
func isAlreadyAppliedError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists")
}
