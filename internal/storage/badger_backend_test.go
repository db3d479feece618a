package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBadgerBackend(t *testing.T) (*BadgerBackend, func()) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "badger")

	backend := NewBadgerBackend()
	err := backend.Initialize(dbPath, false)
	require.NoError(t, err)

	cleanup := func() {
		backend.Close()
	}

	return backend, cleanup
}

func TestBadgerBackend_Initialize(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		backend := NewBadgerBackend()
		err := backend.Initialize(filepath.Join(t.TempDir(), "badger"), false)

		require.NoError(t, err)
		assert.NoError(t, backend.Close())
	})

	t.Run("CloseTwice", func(t *testing.T) {
		t.Parallel()
		backend, _ := setupTestBadgerBackend(t)

		assert.NoError(t, backend.Close())
		assert.NoError(t, backend.Close())
	})

	t.Run("NotInitialized", func(t *testing.T) {
		t.Parallel()
		backend := NewBadgerBackend()

		_, err := backend.TableExists(context.Background(), "ORIGIN")
		assert.ErrorIs(t, err, ErrNotInitialized)
		assert.ErrorIs(t, backend.InsertRow(context.Background(), "ORIGIN", nil), ErrNotInitialized)
	})
}

func TestBadgerBackend_Persistence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "badger")

	backend := NewBadgerBackend()
	require.NoError(t, backend.Initialize(dbPath, false))
	_, err := backend.CreateTable(ctx, originDef)
	require.NoError(t, err)
	require.NoError(t, backend.InsertRow(ctx, "ORIGIN", map[string]any{"ORID": 1, "AUTH": "ISC", "LAT": 12.5}))
	require.NoError(t, backend.Close())

	reopened := NewBadgerBackend()
	require.NoError(t, reopened.Initialize(dbPath, true))
	defer reopened.Close()

	rows, err := reopened.SelectRows(ctx, Query{Table: "ORIGIN", Columns: []string{"ORID", "AUTH", "LAT"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", canon(rows[0][0]))
	assert.Equal(t, "ISC", rows[0][1])
	assert.Equal(t, "12.5", canon(rows[0][2]))
}

func TestBadgerBackend_TablesIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend, cleanup := setupTestBadgerBackend(t)
	defer cleanup()

	_, err := backend.CreateTable(ctx, TableDef{Name: "A", Columns: []ColumnDef{{Name: "ID"}}})
	require.NoError(t, err)
	_, err = backend.CreateTable(ctx, TableDef{Name: "AB", Columns: []ColumnDef{{Name: "ID"}}})
	require.NoError(t, err)

	require.NoError(t, backend.InsertRow(ctx, "A", map[string]any{"ID": 1}))
	require.NoError(t, backend.InsertRow(ctx, "AB", map[string]any{"ID": 1}))
	require.NoError(t, backend.InsertRow(ctx, "AB", map[string]any{"ID": 2}))

	n, err := backend.CountRows(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = backend.CountRows(ctx, "AB")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
