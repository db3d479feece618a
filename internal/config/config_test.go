package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
dataset: kb_core
workers: 4
types:
  - name: origin
    columns: [orid, lat, lon, time, auth, lddate]
    key: [lat, lon, time]
    tag: auth
    load_timestamp: lddate
  - name: assoc
    columns: [arid, orid, phase, lddate]
    load_timestamp: lddate
relationships:
  - parent: origin
    parent_column: orid
    child: assoc
    child_column: orid
rank:
  table: origin_auth_rank
  tag_column: auth
  rank_column: rank
  file: ranks.csv
undo:
  enabled: true
idgaps:
  enabled: true
  ranges:
    UNDOID: [1, 1000000]
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "kb_core", cfg.Dataset)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, []string{"ORIGIN", "ASSOC"}, cfg.TypeNames())

	origin, ok := cfg.Type("Origin")
	require.True(t, ok)
	assert.Equal(t, []string{"LAT", "LON", "TIME"}, origin.KeyColumns())
	assert.Equal(t, "AUTH", origin.Tag)
	assert.Equal(t, "LDDATE", origin.LoadTimestamp)

	assoc, ok := cfg.Type("ASSOC")
	require.True(t, ok)
	assert.Equal(t, []string{"ARID", "ORID", "PHASE"}, assoc.KeyColumns())

	assert.Equal(t, Relationship{Parent: "ORIGIN", ParentColumn: "ORID", Child: "ASSOC", ChildColumn: "ORID"}, cfg.Relationships[0])
	assert.True(t, cfg.Rank.Enabled())
	assert.Equal(t, "ORIGIN_AUTH_RANK", cfg.Rank.Table)
	assert.Equal(t, "UNDOSQL", cfg.Undo.Table)
	assert.Equal(t, "IDGAPS", cfg.IDGaps.Table)
	assert.Equal(t, [2]int64{1, 1000000}, cfg.IDGaps.Ranges["UNDOID"])

	_, ok = cfg.Type("ARRIVAL")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, DefaultPath)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.BaseDir)
	assert.Equal(t, filepath.Join(dir, "ranks.csv"), cfg.Resolve(cfg.Rank.File))
	assert.Equal(t, "/abs/ranks.csv", cfg.Resolve("/abs/ranks.csv"))

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"NoDataset", "types: [{name: a, columns: [x]}]"},
		{"NoTypes", "dataset: d"},
		{"NegativeWorkers", "dataset: d\nworkers: -1\ntypes: [{name: a, columns: [x]}]"},
		{"DuplicateType", "dataset: d\ntypes: [{name: a, columns: [x]}, {name: A, columns: [y]}]"},
		{"DuplicateColumn", "dataset: d\ntypes: [{name: a, columns: [x, X]}]"},
		{"UnknownKey", "dataset: d\ntypes: [{name: a, columns: [x], key: [y]}]"},
		{"TimestampInKey", "dataset: d\ntypes: [{name: a, columns: [x, t], key: [t], load_timestamp: t}]"},
		{"OnlyTimestamp", "dataset: d\ntypes: [{name: a, columns: [t], load_timestamp: t}]"},
		{"UnknownTag", "dataset: d\ntypes: [{name: a, columns: [x], tag: y}]"},
		{"UnknownParent", "dataset: d\ntypes: [{name: a, columns: [x]}]\nrelationships: [{parent: b, parent_column: x, child: a, child_column: x}]"},
		{"SelfParent", "dataset: d\ntypes: [{name: a, columns: [x]}]\nrelationships: [{parent: a, parent_column: x, child: a, child_column: x}]"},
		{"UnknownChildColumn", "dataset: d\ntypes: [{name: a, columns: [x]}, {name: b, columns: [y]}]\nrelationships: [{parent: a, parent_column: x, child: b, child_column: x}]"},
		{"RankWithoutColumns", "dataset: d\ntypes: [{name: a, columns: [x]}]\nrank: {table: r}"},
		{"RankFileWithoutTable", "dataset: d\ntypes: [{name: a, columns: [x]}]\nrank: {file: r.csv}"},
		{"BackwardsGap", "dataset: d\ntypes: [{name: a, columns: [x]}]\nidgaps: {ranges: {UNDOID: [5, 1]}}"},
		{"BadYAML", "dataset: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
