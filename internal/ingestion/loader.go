package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Benny93/rowmerge/internal/config"
	"github.com/Benny93/rowmerge/internal/record"
)

// ErrMalformedInput is returned for input files that cannot be mapped onto
// their record type.
var ErrMalformedInput = errors.New("malformed input")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LoadRecords parses f into rows of tc. Columns missing from the file are
// null, as are empty CSV cells and empty JSON strings.
func LoadRecords(f InputFile, tc config.TypeConfig) ([]*record.Row, error) {
	switch f.Format {
	case "csv":
		return loadCSV(f, tc)
	case "jsonl":
		return loadJSONL(f, tc)
	default:
		return nil, fmt.Errorf("%s: %w: unsupported format %q", f.RelPath, ErrMalformedInput, f.Format)
	}
}

func loadCSV(f InputFile, tc config.TypeConfig) ([]*record.Row, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(f.Content, utf8BOM)))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", f.RelPath, ErrMalformedInput, err)
	}

	positions, err := columnPositions(tc, header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.RelPath, err)
	}

	var rows []*record.Row
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", f.RelPath, ErrMalformedInput, err)
		}

		values := make([]any, len(tc.Columns))
		for i, cell := range fields {
			if cell = strings.TrimSpace(cell); cell != "" {
				values[positions[i]] = cell
			}
		}
		row, err := record.NewRow(tc.Name, f.Source, tc.Columns, values, tc.LoadTimestamp)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.RelPath, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// columnPositions maps each header field onto the index of its configured
// column.
func columnPositions(tc config.TypeConfig, header []string) ([]int, error) {
	index := make(map[string]int, len(tc.Columns))
	for i, c := range tc.Columns {
		index[c] = i
	}

	positions := make([]int, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		name := strings.ToUpper(strings.TrimSpace(h))
		pos, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no column %q", ErrMalformedInput, tc.Name, h)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: column %q appears twice", ErrMalformedInput, h)
		}
		seen[name] = true
		positions[i] = pos
	}
	return positions, nil
}

func loadJSONL(f InputFile, tc config.TypeConfig) ([]*record.Row, error) {
	index := make(map[string]int, len(tc.Columns))
	for i, c := range tc.Columns {
		index[c] = i
	}

	scanner := bufio.NewScanner(bytes.NewReader(f.Content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rows []*record.Row
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("%s:%d: %w: %v", f.RelPath, line, ErrMalformedInput, err)
		}

		values := make([]any, len(tc.Columns))
		for k, v := range obj {
			pos, ok := index[strings.ToUpper(k)]
			if !ok {
				return nil, fmt.Errorf("%s:%d: %w: %s has no column %q", f.RelPath, line, ErrMalformedInput, tc.Name, k)
			}
			switch x := v.(type) {
			case map[string]any, []any:
				return nil, fmt.Errorf("%s:%d: %w: column %q holds a nested value", f.RelPath, line, ErrMalformedInput, k)
			case string:
				if x != "" {
					values[pos] = x
				}
			default:
				values[pos] = x
			}
		}

		row, err := record.NewRow(tc.Name, f.Source, tc.Columns, values, tc.LoadTimestamp)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", f.RelPath, line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.RelPath, err)
	}
	return rows, nil
}
