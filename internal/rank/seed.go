package rank

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Benny93/rowmerge/internal/storage"
)

// Entry is one tag and its rank.
type Entry struct {
	Tag  string
	Rank int64
}

// Seed creates ref's table if needed and upserts entries into it. The tag
// column is the primary key.
func Seed(ctx context.Context, store storage.DataAccess, ref Ref, entries []Entry) error {
	if ref.Table == "" || ref.TagColumn == "" || ref.RankColumn == "" {
		return fmt.Errorf("%w: seeding needs a table, tag column and rank column", ErrInvalidParameter)
	}

	_, err := store.CreateTable(ctx, storage.TableDef{
		Name:       ref.Table,
		Columns:    []storage.ColumnDef{{Name: ref.TagColumn}, {Name: ref.RankColumn}},
		PrimaryKey: []string{ref.TagColumn},
	})
	if err != nil {
		return fmt.Errorf("creating rank table %s: %w", ref.Table, err)
	}

	for _, e := range entries {
		err := store.UpsertRow(ctx, ref.Table, map[string]any{
			ref.TagColumn:  strings.ToUpper(strings.TrimSpace(e.Tag)),
			ref.RankColumn: e.Rank,
		})
		if err != nil {
			return fmt.Errorf("seeding %s into %s: %w", e.Tag, ref.Table, err)
		}
	}
	return nil
}

// ReadEntries parses "tag,rank" lines. A first line whose rank is not a
// number is taken as a header and skipped.
func ReadEntries(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var entries []Entry
	for line := 1; ; line++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading rank entries: %w", err)
		}
		n, ok := storage.ToInt64(fields[1])
		if !ok {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: rank %q", ErrInvalidRank, line, fields[1])
		}
		entries = append(entries, Entry{Tag: strings.TrimSpace(fields[0]), Rank: n})
	}
}
