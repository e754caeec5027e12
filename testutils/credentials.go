package testutils

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/migadu/nestlink/credentials"
)

// SetupCredentialStore opens a migrated SQLite credential store in a temp
// directory. The store is closed when the test ends.
func SetupCredentialStore(t *testing.T) *credentials.SQLiteStore {
	t.Helper()
	store, err := credentials.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "nestlink.db"))
	require.NoError(t, err, "failed to open sqlite credential store")
	t.Cleanup(func() { store.Close() })
	return store
}

// SignIn writes a credential the way the authentication flow would.
func SignIn(t *testing.T, w credentials.Writer, userID, token string) {
	t.Helper()
	require.NoError(t, w.Save(context.Background(), credentials.Credential{UserID: userID, Token: token}))
}

// SignOut clears the stored credential.
func SignOut(t *testing.T, w credentials.Writer) {
	t.Helper()
	require.NoError(t, w.Clear(context.Background()))
}
