package servient

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialStoreAddMergesByTitle(t *testing.T) {
	store := newCredentialStore()
	require.NoError(t, store.Add("Lamp", map[string]interface{}{"username": "alice"}))
	require.NoError(t, store.Add("Lamp", map[string]interface{}{"password": "secret"}))

	got := store.Snapshot("Lamp")
	assert.Equal(t, "alice", got["username"])
	assert.Equal(t, "secret", got["password"])
}

func TestCredentialStoreSnapshotUnknownTitle(t *testing.T) {
	store := newCredentialStore()
	assert.Nil(t, store.Snapshot("no-such-thing"))
}

func TestCredentialStoreSnapshotIsACopy(t *testing.T) {
	store := newCredentialStore()
	require.NoError(t, store.Add("Lamp", map[string]interface{}{"username": "alice"}))

	got := store.Snapshot("Lamp")
	got["username"] = "mallory"

	assert.Equal(t, "alice", store.Snapshot("Lamp")["username"], "mutating a snapshot must not affect the store")
}

func TestLoadCredentialStoreMissingFileIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := loadCredentialStore(path)
	require.NoError(t, err)
	assert.Nil(t, store.Snapshot("Lamp"))
}

func TestCredentialStorePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := loadCredentialStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Add("Lamp", map[string]interface{}{"username": "alice", "password": "secret"}))

	reloaded, err := loadCredentialStore(path)
	require.NoError(t, err)
	got := reloaded.Snapshot("Lamp")
	require.NotNil(t, got)
	assert.Equal(t, "alice", got["username"])
	assert.Equal(t, "secret", got["password"])
}
