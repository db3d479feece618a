// Package ingestion runs reconciliation: it reads input files, fingerprints
// and links the records, merges duplicates and persists the winners with an
// undo trail.
package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFile lists input paths to skip, in gitignore syntax.
const IgnoreFile = ".rowmergeignore"

// DefaultSource is the source name of files placed directly in the input
// directory.
const DefaultSource = "input"

// InputFile is one record file found in the input directory.
type InputFile struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the input directory.
	RelPath string

	// Source is the sub-directory name, or DefaultSource.
	Source string

	// Type is the upper-case record type taken from the file name.
	Type string

	// Format is "csv" or "jsonl".
	Format string

	// Content is the file content.
	Content []byte

	// SHA256 is the hash of the file content.
	SHA256 string
}

// Supported file extensions and their formats.
var supportedExtensions = map[string]string{
	".csv":    "csv",
	".jsonl":  "jsonl",
	".ndjson": "jsonl",
}

// Default patterns to ignore (in addition to .rowmergeignore).
var defaultIgnorePatterns = []string{
	".git/",
	".rowmerge/",
	"*.tmp",
	"*~",
	".~lock.*",
	".DS_Store",
	"Thumbs.db",
}

// WalkInput returns every record file in inputDir. Files directly inside
// inputDir belong to DefaultSource, files one level down belong to the
// source named by their directory. Deeper files are ignored.
func WalkInput(inputDir string, patterns []gitignore.Pattern) ([]InputFile, error) {
	var entries []InputFile

	allPatterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		allPatterns = append(allPatterns, gitignore.ParsePattern(p, nil))
	}
	allPatterns = append(allPatterns, patterns...)
	matcher := gitignore.NewMatcher(allPatterns)

	err := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == inputDir {
				return nil
			}
			if shouldSkipDir(d.Name(), path, inputDir, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if !isSupportedFile(d.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(inputDir, path)
		if err != nil {
			return err
		}

		pathParts := splitPath(relPath)
		if len(pathParts) > 2 || matcher.Match(pathParts, false) {
			return nil
		}

		source := DefaultSource
		if len(pathParts) == 2 {
			source = pathParts[0]
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hash := sha256.Sum256(content)

		entries = append(entries, InputFile{
			Path:    path,
			RelPath: relPath,
			Source:  source,
			Type:    recordType(d.Name()),
			Format:  getFormat(d.Name()),
			Content: content,
			SHA256:  hex.EncodeToString(hash[:]),
		})
		return nil
	})

	return entries, err
}

// loadIgnore loads .rowmergeignore patterns from the input directory.
func loadIgnore(inputDir string) ([]gitignore.Pattern, error) {
	content, err := os.ReadFile(filepath.Join(inputDir, IgnoreFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}

// isSupportedFile checks if a file has a supported extension.
func isSupportedFile(filename string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

func getFormat(filename string) string {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// recordType derives the record type from a file name: origin.csv is ORIGIN.
func recordType(filename string) string {
	return strings.ToUpper(strings.TrimSuffix(filename, filepath.Ext(filename)))
}

// shouldSkipDir checks if a directory should be skipped.
func shouldSkipDir(name, path, root string, matcher gitignore.Matcher) bool {
	if name == ".git" {
		return true
	}
	if matcher == nil {
		return false
	}
	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return matcher.Match(splitPath(relPath), true)
}

// splitPath splits a path into its components.
func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
