package optin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Registry

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) Registry {
			return NewFileStore(filepath.Join(t.TempDir(), "optin.json"))
		},
		"sqlite": func(t *testing.T) Registry {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "optin.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestRegistryIdempotence(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newStore(t)

			assert.Empty(t, r.List(ctx))

			added, err := r.OptIn(ctx, "42")
			require.NoError(t, err)
			assert.True(t, added)

			added, err = r.OptIn(ctx, " 42 ")
			require.NoError(t, err)
			assert.False(t, added, "second opt-in must not duplicate")

			_, err = r.OptIn(ctx, "7")
			require.NoError(t, err)
			assert.Equal(t, []string{"42", "7"}, r.List(ctx))

			removed, err := r.OptOut(ctx, "42")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = r.OptOut(ctx, "42")
			require.NoError(t, err)
			assert.False(t, removed, "opting out an absent user is not an error")

			assert.Equal(t, []string{"7"}, r.List(ctx))
		})
	}
}

func TestRegistryRejectsBlankIDs(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			r := newStore(t)
			_, err := r.OptIn(context.Background(), "  ")
			assert.ErrorIs(t, err, ErrInvalidUserID)
			_, err = r.OptOut(context.Background(), "")
			assert.ErrorIs(t, err, ErrInvalidUserID)
		})
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "optin.json")
	s := NewFileStore(path)

	assert.Empty(t, s.List(context.Background()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "listing must not create the store")

	removed, err := s.OptOut(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, removed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc fileDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []string{}, doc.OptedInUserIDs)
}

func TestFileStoreCorruptReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optin.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	s := NewFileStore(path)

	assert.Empty(t, s.List(context.Background()))

	// The next mutation rewrites the document from scratch.
	_, err := s.OptIn(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, s.List(context.Background()))
}

func TestFileStoreDedupesOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optin.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"optedInUserIds":["b","a","b",""]}`), 0o600))

	assert.Equal(t, []string{"a", "b"}, NewFileStore(path).List(context.Background()))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "optin.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = s.OptIn(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"alice"}, s.List(ctx))
}
