package credentials

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	c, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Credential{}, c)

	require.NoError(t, store.Save(ctx, Credential{UserID: "u1", Token: "t1"}))
	require.NoError(t, store.Save(ctx, Credential{UserID: "u1", Token: "t2"}))

	c, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Credential{UserID: "u1", Token: "t2"}, c)

	require.NoError(t, store.Clear(ctx))
	c, err = store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, c.Valid())

	assert.NoError(t, store.Ping(ctx))
}

func TestSQLiteMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	require.NoError(t, MigrateUp(path))
	require.NoError(t, MigrateUp(path))

	m, err := NewMigrator(path)
	require.NoError(t, err)
	defer m.Close()
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.db")

	store, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, Credential{UserID: "u7", Token: "tok"}))
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	c, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u7", c.UserID)
}
