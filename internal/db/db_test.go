package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenAndMigrate(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	path := filepath.Join(t.TempDir(), "nested", "jobs.db")

	conn, err := Open(path, log)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, log))

	for _, table := range []string{"jobs", "video_metadata", "caption_segments", "schema_migrations"} {
		var name string
		err := conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}

	var fk int
	require.NoError(t, conn.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, nil))
	require.NoError(t, Migrate(conn, nil))

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 4, n)
}

func TestStatusCheckConstraint(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn, nil))

	_, err = conn.Exec(`INSERT INTO jobs (id, source_reference, status, created_at, updated_at)
		VALUES ('x', 'abc123', 'running', '2024-01-01 00:00:00', '2024-01-01 00:00:00')`)
	assert.Error(t, err)
}

func TestIsDatabaseClosed(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.Exec("SELECT 1")
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}
