package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/rs/zerolog"

	"github.com/Benny93/rowmerge/internal/logging"
)

// DefaultDebounce is the quiet period after the last change before a
// re-run starts.
const DefaultDebounce = 2 * time.Second

// RunFunc reconciles the input directory once.
type RunFunc func(ctx context.Context) error

// WatchOptions tunes WatchInput.
type WatchOptions struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// RunOnStart runs once before waiting for changes.
	RunOnStart bool

	Logger *zerolog.Logger
}

// WatchInput re-runs run whenever record files in inputDir change. Bursts
// of events are batched, and a batch that leaves every record file's
// content as it was is ignored. Run errors are logged, not returned.
// Blocks until the context is cancelled.
func WatchInput(ctx context.Context, inputDir string, run RunFunc, opts WatchOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	matcher, err := loadIgnoreMatcher(inputDir)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot read ignore file; watching everything")
		matcher = nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, inputDir, matcher); err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	lastDigest := ""
	runIfChanged := func() {
		digest, err := inputDigest(inputDir)
		if err != nil {
			logger.Error().Err(err).Msg("cannot scan input directory")
			return
		}
		if digest == lastDigest {
			logger.Debug().Msg("input unchanged; skipping run")
			return
		}
		lastDigest = digest
		if err := run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("reconciliation failed")
		}
	}

	if opts.RunOnStart {
		runIfChanged()
	}

	changed := make(map[string]bool)
	batchTimer := time.NewTimer(debounce)
	batchTimer.Stop()

	logger.Info().Str("input", inputDir).Dur("debounce", debounce).Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watchTree(watcher, inputDir, matcher); err != nil {
						logger.Warn().Err(err).Str("dir", event.Name).Msg("cannot watch new directory")
					}
					continue
				}
			}

			if event.Name != filepath.Join(inputDir, IgnoreFile) && !shouldWatchFile(event.Name, inputDir, matcher) {
				continue
			}
			relPath, err := filepath.Rel(inputDir, event.Name)
			if err != nil {
				continue
			}
			changed[relPath] = true
			batchTimer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}
			logger.Info().Int("files", len(changed)).Msg("input changed")
			if changed[IgnoreFile] {
				if m, err := loadIgnoreMatcher(inputDir); err == nil {
					matcher = m
				}
			}
			changed = make(map[string]bool)
			runIfChanged()
		}
	}
}

// watchTree adds inputDir and its source directories to watcher.
func watchTree(watcher *fsnotify.Watcher, inputDir string, matcher gitignore.Matcher) error {
	return filepath.WalkDir(inputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != inputDir && shouldSkipDir(d.Name(), path, inputDir, matcher) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// inputDigest hashes the path and content digest of every record file, so
// that touching a file without changing it does not trigger a run.
func inputDigest(inputDir string) (string, error) {
	patterns, err := loadIgnore(inputDir)
	if err != nil {
		return "", err
	}
	files, err := WalkInput(inputDir, patterns)
	if err != nil {
		return "", err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })

	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%s\n", f.RelPath, f.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// shouldWatchFile checks if a file should be watched.
func shouldWatchFile(path, inputDir string, matcher gitignore.Matcher) bool {
	relPath, err := filepath.Rel(inputDir, path)
	if err != nil {
		return false
	}
	parts := splitPath(relPath)
	if len(parts) > 2 {
		return false
	}
	if matcher != nil && matcher.Match(parts, false) {
		return false
	}
	return isSupportedFile(path)
}

// loadIgnoreMatcher builds a matcher from .rowmergeignore.
func loadIgnoreMatcher(inputDir string) (gitignore.Matcher, error) {
	patterns, err := loadIgnore(inputDir)
	if err != nil {
		return nil, err
	}
	all := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		all = append(all, gitignore.ParsePattern(p, nil))
	}
	return gitignore.NewMatcher(append(all, patterns...)), nil
}
