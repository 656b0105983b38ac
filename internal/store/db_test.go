package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribixbite/stoatcord-bridge/internal/store"
)

func TestOpen_InMemory(t *testing.T) {
	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	err = sqlDB.Ping()
	require.NoError(t, err)

	var fkEnabled int
	err = sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	require.NoError(t, err)
	assert.Equal(t, 1, fkEnabled)
}

func TestMigrate(t *testing.T) {
	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	require.NoError(t, store.Migrate(sqlDB))

	tables := []string{
		"schema_version", "server_links", "channel_links", "role_links",
		"bridge_messages", "claim_codes", "migration_requests",
		"archive_jobs", "archive_messages", "push_devices",
	}
	for _, table := range tables {
		var count int64
		err := sqlDB.QueryRow("SELECT count(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, "table %q does not exist or is not queryable", table)
	}
}

func TestMigrate_IdempotentOnPartiallyAppliedDB(t *testing.T) {
	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	require.NoError(t, store.Migrate(sqlDB))
	// Simulate a partially-applied database: re-running an already-applied
	// statement must be tolerated, not just re-running the whole migrate call.
	_, err = sqlDB.Exec(`ALTER TABLE bridge_messages ADD COLUMN direction TEXT`)
	assert.Error(t, err) // duplicate column at the driver level

	// Drop the recorded version so Migrate re-runs every statement
	// against the already-migrated schema.
	_, err = sqlDB.Exec(`DELETE FROM schema_version`)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(sqlDB))
}
