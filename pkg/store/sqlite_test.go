package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesWAL(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "mig.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS things (id TEXT PRIMARY KEY, n INTEGER)`,
		`CREATE INDEX IF NOT EXISTS idx_things_n ON things (n)`,
	}
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db, ddl))
	require.NoError(t, Migrate(ctx, db, ddl))

	_, err = db.Exec(`INSERT INTO things (id, n) VALUES ('a', 1)`)
	require.NoError(t, err)
}

func TestMigrateStopsOnBadStatement(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "bad.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = Migrate(context.Background(), db, []string{"CREATE GARBAGE"})
	assert.Error(t, err)
}

func TestTimeRoundtrip(t *testing.T) {
	now := UTCNow()
	assert.Equal(t, time.UTC, now.Location())
	assert.Equal(t, now, now.Truncate(time.Millisecond), "stored times carry ms precision")

	got, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, got.Equal(now))

	assert.Equal(t, "2025-06-01T12:30:45.120Z", FormatTime(
		time.Date(2025, 6, 1, 12, 30, 45, 120_000_000, time.UTC)))

	_, err = ParseTime("yesterday-ish")
	assert.Error(t, err)
}
