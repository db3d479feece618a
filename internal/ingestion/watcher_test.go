package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/rowmerge/internal/logging"
)

func TestWatchInput(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeFiles(t, tmpDir, map[string]string{"isc/origin.csv": "ORID\n1\n"})

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- WatchInput(ctx, tmpDir, func(context.Context) error {
			runs.Add(1)
			return errors.New("ignored")
		}, WatchOptions{Debounce: 50 * time.Millisecond, RunOnStart: true, Logger: logging.Nop()})
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	// Give the watcher time to register its directories.
	time.Sleep(200 * time.Millisecond)

	t.Run("RunsAfterRecordFileChange", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "isc", "origin.csv"), []byte("ORID\n1\n2\n"), 0o644))
		assert.Eventually(t, func() bool { return runs.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("IgnoresUnchangedContent", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "isc", "origin.csv"), []byte("ORID\n1\n2\n"), 0o644))
		assert.Never(t, func() bool { return runs.Load() > 2 }, 500*time.Millisecond, 20*time.Millisecond)
	})

	t.Run("IgnoresOtherFiles", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("hello"), 0o644))
		assert.Never(t, func() bool { return runs.Load() > 2 }, 500*time.Millisecond, 20*time.Millisecond)
	})

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestInputDigest(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeFiles(t, tmpDir, map[string]string{"origin.csv": "ORID\n1\n"})

	first, err := inputDigest(tmpDir)
	require.NoError(t, err)

	writeFiles(t, tmpDir, map[string]string{"README.txt": "not a record file"})
	same, err := inputDigest(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, first, same)

	writeFiles(t, tmpDir, map[string]string{"origin.csv": "ORID\n2\n"})
	changed, err := inputDigest(tmpDir)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestShouldWatchFile(t *testing.T) {
	t.Parallel()

	root := filepath.FromSlash("/data/in")
	matcher := gitignore.NewMatcher([]gitignore.Pattern{gitignore.ParsePattern("archive/", nil)})

	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{"TopLevelCSV", "origin.csv", true},
		{"SourceJSONL", "isc/assoc.jsonl", true},
		{"TooDeep", "isc/old/origin.csv", false},
		{"Ignored", "archive/origin.csv", false},
		{"Unsupported", "isc/notes.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(root, filepath.FromSlash(tt.path))
			assert.Equal(t, tt.expected, shouldWatchFile(path, root, matcher))
		})
	}
}
