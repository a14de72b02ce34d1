package roomstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	store, err := Open(path)
	require.NoError(t, err)
	return store, path
}

func TestStore_LoadEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveAndLoad(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()

	require.NoError(t, store.Save("A"))
	require.NoError(t, store.Save("gym-2"))

	room, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "gym-2", room)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	store, path := openTestStore(t)
	require.NoError(t, store.Save("B"))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	room, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, "B", room)
}

func TestStore_CloseTwiceIsSafe(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Close())
	assert.NoError(t, (&Store{}).Close())
}
