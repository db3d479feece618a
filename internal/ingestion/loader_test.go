package ingestion

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/rowmerge/internal/config"
)

var originType = config.TypeConfig{
	Name:          "ORIGIN",
	Columns:       []string{"ORID", "LAT", "AUTH", "LDDATE"},
	Tag:           "AUTH",
	LoadTimestamp: "LDDATE",
}

func TestLoadRecords_CSV(t *testing.T) {
	t.Parallel()

	t.Run("MapsHeaderOntoColumns", func(t *testing.T) {
		t.Parallel()
		f := InputFile{
			RelPath: "isc/origin.csv",
			Source:  "isc",
			Format:  "csv",
			Content: []byte("\xEF\xBB\xBFauth, orid,lat\nISC,1,45.5\n,2,\n"),
		}

		rows, err := LoadRecords(f, originType)
		require.NoError(t, err)
		require.Len(t, rows, 2)

		assert.Equal(t, "ORIGIN", rows[0].RecordType())
		assert.Equal(t, "isc", rows[0].Source())
		assert.Equal(t, []any{"1", "45.5", "ISC", nil}, rows[0].ColumnValues())
		assert.Equal(t, 3, rows[0].LoadTimestampIndex())

		assert.Equal(t, []any{"2", nil, nil, nil}, rows[1].ColumnValues())
	})

	t.Run("EmptyFile", func(t *testing.T) {
		t.Parallel()
		rows, err := LoadRecords(InputFile{Format: "csv"}, originType)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	tests := []struct {
		name    string
		content string
	}{
		{"UnknownColumn", "ORID,DEPTH\n1,10\n"},
		{"DuplicateColumn", "ORID,orid\n1,1\n"},
		{"RaggedRow", "ORID,LAT\n1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadRecords(InputFile{Format: "csv", Content: []byte(tt.content)}, originType)
			assert.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestLoadRecords_JSONL(t *testing.T) {
	t.Parallel()

	t.Run("DecodesObjects", func(t *testing.T) {
		t.Parallel()
		f := InputFile{
			RelPath: "neic/origin.jsonl",
			Source:  "neic",
			Format:  "jsonl",
			Content: []byte("{\"orid\": 7, \"lat\": 12.25, \"auth\": \"NEIC\"}\n\n{\"ORID\": 8, \"AUTH\": \"\", \"LAT\": null}\n"),
		}

		rows, err := LoadRecords(f, originType)
		require.NoError(t, err)
		require.Len(t, rows, 2)

		assert.Equal(t, []any{json.Number("7"), json.Number("12.25"), "NEIC", nil}, rows[0].ColumnValues())
		assert.Equal(t, []any{json.Number("8"), nil, nil, nil}, rows[1].ColumnValues())
		assert.Equal(t, "neic", rows[1].Source())
	})

	tests := []struct {
		name    string
		content string
	}{
		{"UnknownColumn", `{"ORID": 1, "DEPTH": 3}`},
		{"NestedValue", `{"ORID": {"id": 1}}`},
		{"NotJSON", `ORID=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadRecords(InputFile{Format: "jsonl", Content: []byte(tt.content)}, originType)
			assert.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestLoadRecords_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	_, err := LoadRecords(InputFile{Format: "xml"}, originType)
	assert.ErrorIs(t, err, ErrMalformedInput)
}
