package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsRepeatable(t *testing.T) {
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, Migrate(database))
	require.NoError(t, Migrate(database))

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)

	_, err = database.Exec(`INSERT INTO sessions (instance_id, session_id, created_at) VALUES ('a', 1, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO sessions (instance_id, session_id, created_at) VALUES ('a', 1, CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "instance and session id form the key")
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := t.TempDir() + "/nested/data"
	database, err := Open(dir)
	require.NoError(t, err)
	assert.NoError(t, database.Close())
	assert.DirExists(t, dir)
}
