package mcp

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/rowmerge/internal/config"
	"github.com/Benny93/rowmerge/internal/identity"
	"github.com/Benny93/rowmerge/internal/rank"
	"github.com/Benny93/rowmerge/internal/record"
	"github.com/Benny93/rowmerge/internal/storage"
	"github.com/Benny93/rowmerge/internal/undo"
)

const serverYAML = `
dataset: kb
types:
  - name: origin
    columns: [orid, lat, lon, auth, lddate]
    key: [lat, lon]
    tag: auth
    load_timestamp: lddate
rank:
  table: auth_rank
  tag_column: auth
  rank_column: rank
undo:
  enabled: true
`

var batchDate = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(serverYAML))
	require.NoError(t, err)
	return cfg
}

// setupServer returns a server over a store holding two ORIGIN rows, a
// rank table and one undo batch.
func setupServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig(t)
	store := storage.NewMemoryBackend()

	tc, _ := cfg.Type("ORIGIN")
	_, err := store.CreateTable(ctx, storage.TableDef{
		Name:       tc.Name,
		Columns:    []storage.ColumnDef{{Name: "ORID"}, {Name: "LAT"}, {Name: "LON"}, {Name: "AUTH"}, {Name: "LDDATE"}},
		PrimaryKey: tc.KeyColumns(),
	})
	require.NoError(t, err)
	require.NoError(t, store.InsertRow(ctx, "ORIGIN", map[string]any{"ORID": 1, "LAT": 10.5, "LON": 20, "AUTH": "ISC"}))
	require.NoError(t, store.InsertRow(ctx, "ORIGIN", map[string]any{"ORID": 2, "LAT": -3, "LON": 7, "AUTH": "NEIC"}))

	ref := rank.Ref{Table: cfg.Rank.Table, TagColumn: cfg.Rank.TagColumn, RankColumn: cfg.Rank.RankColumn}
	require.NoError(t, rank.Seed(ctx, store, ref, []rank.Entry{{Tag: "NEIC", Rank: 1}, {Tag: "ISC", Rank: 2}}))

	_, err = undo.EnsureTable(ctx, store, cfg.Undo.Table)
	require.NoError(t, err)
	log, err := undo.New(ctx, store, undo.WithTable(cfg.Undo.Table), undo.WithLoadDate(batchDate))
	require.NoError(t, err)
	log.RecordStatement(ctx, "DELETE FROM ORIGIN WHERE LAT = 10.5 AND LON = 20")
	log.RecordStatement(ctx, "DELETE FROM ORIGIN WHERE LAT = -3 AND LON = 7")
	require.Equal(t, 2, log.Recorded())

	return NewServer(store, cfg)
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	server := NewServer(storage.NewMemoryBackend(), testConfig(t))
	require.NotNil(t, server)
	assert.NotNil(t, server.server)
}

func TestServer_Tools(t *testing.T) {
	t.Parallel()

	server := NewServer(storage.NewMemoryBackend(), testConfig(t))

	t.Run("ListTools", func(t *testing.T) {
		t.Parallel()
		names := make([]string, 0)
		for _, tool := range server.ListTools() {
			names = append(names, tool.Name)
			assert.NotEmpty(t, tool.Description)
			require.NotNil(t, tool.InputSchema)
			assert.Equal(t, "object", tool.InputSchema.Type)
		}
		assert.Equal(t, []string{
			"rowmerge_fingerprint",
			"rowmerge_priority",
			"rowmerge_undo_script",
			"rowmerge_status",
		}, names)
	})

	t.Run("ListResources", func(t *testing.T) {
		t.Parallel()
		var uris []string
		for _, res := range server.ListResources() {
			uris = append(uris, res.URI)
			assert.Equal(t, "text/plain", res.MimeType)
		}
		assert.Equal(t, []string{"rowmerge://overview", "rowmerge://ranks", "rowmerge://undo"}, uris)
	})
}

func TestServer_Fingerprint(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	ctx := context.Background()

	t.Run("ExcludesLoadTimestamp", func(t *testing.T) {
		t.Parallel()
		out, err := server.CallTool(ctx, "rowmerge_fingerprint", map[string]any{
			"type":   "origin",
			"values": []any{float64(1), 10.5, float64(20), "ISC", "2024-06-01T12:00:00Z"},
		})
		require.NoError(t, err)
		assert.Contains(t, out, "**Identity:** 2F6459D9FD1CC00888C95D20A05B3239")
		assert.Contains(t, out, "LDDATE = 2024-06-01T12:00:00Z (excluded)")

		want, err := identity.Compute("kb", "ORIGIN", []any{1, 10.5, 20, "ISC"}, record.NoTimestamp)
		require.NoError(t, err)
		assert.Contains(t, out, want.String())
	})

	t.Run("DatasetOverride", func(t *testing.T) {
		t.Parallel()
		out, err := server.CallTool(ctx, "rowmerge_fingerprint", map[string]any{
			"type":    "ORIGIN",
			"dataset": "other",
			"values":  []any{float64(1), 10.5, float64(20), "ISC", nil},
		})
		require.NoError(t, err)
		assert.Contains(t, out, "**Dataset:** other")
		assert.NotContains(t, out, "2F6459D9FD1CC00888C95D20A05B3239")
	})

	t.Run("Errors", func(t *testing.T) {
		t.Parallel()
		_, err := server.CallTool(ctx, "rowmerge_fingerprint", map[string]any{"values": []any{}})
		assert.Error(t, err)

		_, err = server.CallTool(ctx, "rowmerge_fingerprint", map[string]any{"type": "arrival", "values": []any{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ORIGIN")

		_, err = server.CallTool(ctx, "rowmerge_fingerprint", map[string]any{"type": "origin", "values": []any{"1"}})
		assert.Error(t, err)
	})
}

func TestServer_Priority(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	ctx := context.Background()

	t.Run("ListsTable", func(t *testing.T) {
		t.Parallel()
		out, err := server.CallTool(ctx, "rowmerge_priority", nil)
		require.NoError(t, err)
		assert.Contains(t, out, "1. NEIC (rank 1)")
		assert.Contains(t, out, "2. ISC (rank 2)")
	})

	t.Run("PicksSurvivor", func(t *testing.T) {
		t.Parallel()
		out, err := server.CallTool(ctx, "rowmerge_priority", map[string]any{
			"tags": []any{"ISC", "USGS", "neic"},
		})
		require.NoError(t, err)
		assert.Contains(t, out, "- USGS: unranked")
		assert.Contains(t, out, "- ISC: priority 1, rank 2")
		assert.Contains(t, out, "**Survivor:** neic")
	})

	t.Run("MissingTable", func(t *testing.T) {
		t.Parallel()
		empty := NewServer(storage.NewMemoryBackend(), testConfig(t))
		out, err := empty.CallTool(ctx, "rowmerge_priority", nil)
		require.NoError(t, err)
		assert.Contains(t, out, "No rank table")
	})
}

func TestServer_UndoScript(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	ctx := context.Background()

	out, err := server.CallTool(ctx, "rowmerge_undo_script", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t,
		"DELETE FROM ORIGIN WHERE LAT = -3 AND LON = 7;\nDELETE FROM ORIGIN WHERE LAT = 10.5 AND LON = 20;\n",
		out)

	out, err = server.CallTool(ctx, "rowmerge_undo_script", map[string]any{"load_date": "2024-06-01T12:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, ";\n"))

	out, err = server.CallTool(ctx, "rowmerge_undo_script", map[string]any{"load_date": "2024-06-02T12:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "No undo statements recorded.", out)

	_, err = server.CallTool(ctx, "rowmerge_undo_script", map[string]any{"load_date": "yesterday"})
	assert.Error(t, err)

	empty := NewServer(storage.NewMemoryBackend(), testConfig(t))
	out, err = empty.CallTool(ctx, "rowmerge_undo_script", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "UNDOSQL does not exist")
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	out, err := server.CallTool(context.Background(), "rowmerge_status", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "| ORIGIN | 2 |")
	assert.Contains(t, out, "**Undo batches:** 1")
	assert.Contains(t, out, "**Latest batch:** 2024-06-01T12:00:00Z")

	empty := NewServer(storage.NewMemoryBackend(), testConfig(t))
	out, err = empty.CallTool(context.Background(), "rowmerge_status", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "| ORIGIN | not created |")
	assert.Contains(t, out, "**Undo batches:** 0")
}

func TestServer_Resources(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	ctx := context.Background()

	out, err := server.ReadResource(ctx, "rowmerge://overview")
	require.NoError(t, err)
	assert.Contains(t, out, "**Tables:** 3")
	assert.Contains(t, out, "- ORIGIN: 2 rows, key (LAT, LON)")

	out, err = server.ReadResource(ctx, "rowmerge://ranks")
	require.NoError(t, err)
	assert.Contains(t, out, "1. NEIC")

	out, err = server.ReadResource(ctx, "rowmerge://undo")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T12:00:00Z\n", out)

	_, err = server.ReadResource(ctx, "rowmerge://missing")
	assert.Error(t, err)

	_, err = server.CallTool(ctx, "rowmerge_missing", nil)
	assert.Error(t, err)
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	t.Run("NilStreams", func(t *testing.T) {
		t.Parallel()
		server := NewServer(storage.NewMemoryBackend(), testConfig(t))
		assert.Error(t, server.Run(context.Background(), nil, nil))
	})

	t.Run("ServesSession", func(t *testing.T) {
		t.Parallel()
		server := setupServer(t)
		ctx := context.Background()

		clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
		serverSession, err := server.server.Connect(ctx, serverTransport, nil)
		require.NoError(t, err)
		defer serverSession.Close()

		client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
		session, err := client.Connect(ctx, clientTransport, nil)
		require.NoError(t, err)
		defer session.Close()

		tools, err := session.ListTools(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, tools.Tools, 4)

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      "rowmerge_status",
			Arguments: map[string]any{},
		})
		require.NoError(t, err)
		assert.False(t, result.IsError)
		require.Len(t, result.Content, 1)
		assert.Contains(t, result.Content[0].(*mcpsdk.TextContent).Text, "| ORIGIN | 2 |")

		result, err = session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      "rowmerge_fingerprint",
			Arguments: map[string]any{"type": "arrival", "values": []any{}},
		})
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content[0].(*mcpsdk.TextContent).Text, "unknown record type")

		read, err := session.ReadResource(ctx, &mcpsdk.ReadResourceParams{URI: "rowmerge://undo"})
		require.NoError(t, err)
		require.Len(t, read.Contents, 1)
		assert.Equal(t, "2024-06-01T12:00:00Z\n", read.Contents[0].Text)
	})

	t.Run("Cancelled", func(t *testing.T) {
		t.Parallel()
		server := NewServer(storage.NewMemoryBackend(), testConfig(t))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := server.Run(ctx, strings.NewReader(""), &bytes.Buffer{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
