// Package testutil builds migrated SQLite stores for tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fusionn-mood/internal/db"
	"github.com/fusionn-mood/internal/queue"
)

// NewDB opens a migrated database in t.TempDir(). A file is used rather
// than :memory: so that every pooled connection sees the same data.
// Cleanup is registered via t.Cleanup().
func NewDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err, "open test database")
	require.NoError(t, db.Migrate(conn, nil), "migrate test database")

	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// NewStore returns a Store over a fresh database.
func NewStore(t *testing.T, opts ...queue.Option) *queue.Store {
	t.Helper()
	return queue.NewStore(NewDB(t), opts...)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
