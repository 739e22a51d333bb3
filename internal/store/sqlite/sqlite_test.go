package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loykin/roomwatch/internal/store"
	"github.com/loykin/roomwatch/internal/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, db.EnsureSchema(context.Background()))
		return db
	})
}

func TestSQLiteFileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomwatch.db")
	ctx := context.Background()

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	storetest.Seed(t, db, "alice", storetest.Base)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	// schema creation is idempotent
	require.NoError(t, db.EnsureSchema(ctx))
	n, err := db.CountUntaggedEvents(ctx, "alice", storetest.Base)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewEmptyPath(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
