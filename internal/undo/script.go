package undo

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Benny93/rowmerge/internal/record"
	"github.com/Benny93/rowmerge/internal/storage"
)

// Entry is one persisted undo statement.
type Entry struct {
	ID        int64
	Statement string
	LoadDate  string
}

// ScriptOptions selects the statements of a replay script.
type ScriptOptions struct {
	// LoadDate restricts the script to one batch. Zero means every batch.
	LoadDate time.Time
}

// Entries returns the persisted statements in replay order, highest
// identifier first. An inactive log has no entries.
func (l *Log) Entries(ctx context.Context, opts ScriptOptions) ([]Entry, error) {
	if !l.active {
		return nil, nil
	}

	q := storage.Query{
		Table:      l.table,
		Columns:    []string{ColumnID, ColumnStatement, ColumnLoadDate},
		OrderBy:    ColumnID,
		Descending: true,
	}
	if !opts.LoadDate.IsZero() {
		want := record.CanonicalString(opts.LoadDate)
		q.Where = func(r map[string]any) bool {
			return record.CanonicalString(r[ColumnLoadDate]) == want
		}
	}

	rows, err := l.store.SelectRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("reading undo table %s: %w", l.table, err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		id, ok := storage.ToInt64(r[0])
		if !ok {
			return nil, fmt.Errorf("undo table %s: non-numeric %s %v", l.table, ColumnID, r[0])
		}
		stmt, _ := r[1].(string)
		out = append(out, Entry{ID: id, Statement: stmt, LoadDate: record.CanonicalString(r[2])})
	}
	return out, nil
}

// WriteScript writes the replay script: one statement per line, each
// terminated by a semicolon, highest identifier first.
func (l *Log) WriteScript(ctx context.Context, w io.Writer, opts ScriptOptions) error {
	entries, err := l.Entries(ctx, opts)
	if err != nil {
		return err
	}
	for _, e := range entries {
		stmt := strings.TrimRight(strings.TrimSpace(e.Statement), ";")
		if _, err := fmt.Fprintf(w, "%s;\n", stmt); err != nil {
			return fmt.Errorf("writing undo script: %w", err)
		}
	}
	return nil
}

// Script returns the replay script as a string.
func (l *Log) Script(ctx context.Context, opts ScriptOptions) (string, error) {
	var b strings.Builder
	if err := l.WriteScript(ctx, &b, opts); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Batches lists the distinct load dates in the undo table, newest first.
func (l *Log) Batches(ctx context.Context) ([]string, error) {
	entries, err := l.Entries(ctx, ScriptOptions{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if !seen[e.LoadDate] {
			seen[e.LoadDate] = true
			out = append(out, e.LoadDate)
		}
	}
	return out, nil
}
