// Package mcp provides the MCP (Model Context Protocol) server for rowmerge.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/rowmerge/internal/config"
	"github.com/Benny93/rowmerge/internal/identity"
	"github.com/Benny93/rowmerge/internal/rank"
	"github.com/Benny93/rowmerge/internal/record"
	"github.com/Benny93/rowmerge/internal/storage"
	"github.com/Benny93/rowmerge/internal/undo"
)

// Server represents the MCP server.
type Server struct {
	store  storage.DataAccess
	cfg    *config.Config
	server *mcp.Server
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server over store, described by cfg.
func NewServer(store storage.DataAccess, cfg *config.Config) *Server {
	s := &Server{
		store: store,
		cfg:   cfg,
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "rowmerge",
		Version: "0.1.0",
	}, nil)
	s.register()

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "rowmerge_fingerprint",
			Description: "Compute the identity of a record: an uppercase MD5 over dataset, record type and column values, load timestamp excluded.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"type": {Type: "string", Description: "Configured record type"},
					"values": {
						Type:        "array",
						Items:       &jsonschema.Schema{},
						Description: "Column values in configured column order; null for missing values",
					},
					"dataset": {Type: "string", Description: "Dataset name; defaults to the configured dataset"},
				},
				Required: []string{"type", "values"},
			},
		},
		{
			Name:        "rowmerge_priority",
			Description: "Show the authority rank table, or rank the given tags and name the one a merge would keep.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"tags": {
						Type:        "array",
						Items:       &jsonschema.Schema{Type: "string"},
						Description: "Candidate tags in arrival order",
					},
				},
			},
		},
		{
			Name:        "rowmerge_undo_script",
			Description: "Return the undo script that rolls back a reconciliation batch, newest statement first.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"load_date": {Type: "string", Description: "RFC3339 load date of the batch; all batches when empty"},
				},
			},
		},
		{
			Name:        "rowmerge_status",
			Description: "Report row counts of the configured tables and the recorded undo batches.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "rowmerge://overview",
			Name:        "Store Overview",
			Description: "Tables in the store and their row counts",
			MimeType:    "text/plain",
		},
		{
			URI:         "rowmerge://ranks",
			Name:        "Authority Ranks",
			Description: "Tags of the rank table, best first",
			MimeType:    "text/plain",
		},
		{
			URI:         "rowmerge://undo",
			Name:        "Undo Batches",
			Description: "Load dates of the recorded undo batches, newest first",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "rowmerge_fingerprint":
		rtype, _ := args["type"].(string)
		values, _ := args["values"].([]any)
		dataset, _ := args["dataset"].(string)
		return s.handleFingerprint(rtype, dataset, values)
	case "rowmerge_priority":
		return s.handlePriority(ctx, stringList(args["tags"]))
	case "rowmerge_undo_script":
		loadDate, _ := args["load_date"].(string)
		return s.handleUndoScript(ctx, loadDate)
	case "rowmerge_status":
		return s.handleStatus(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "rowmerge://overview":
		return s.getOverview(ctx)
	case "rowmerge://ranks":
		return s.handlePriority(ctx, nil)
	case "rowmerge://undo":
		return s.getUndoBatches(ctx)
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run serves the registered tools and resources as newline-delimited
// JSON-RPC over stdin and stdout until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	transport := &mcp.IOTransport{
		Reader: io.NopCloser(stdin),
		Writer: nopWriteCloser{stdout},
	}
	return s.server.Run(ctx, transport)
}

// register exposes ListTools and ListResources through the SDK server.
func (s *Server) register() {
	for _, tool := range s.ListTools() {
		name := tool.Name
		s.server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
				}
			}
			text, err := s.CallTool(ctx, name, args)
			if err != nil {
				return toolError(err), nil
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
		})
	}

	for _, res := range s.ListResources() {
		mimeType := res.MimeType
		s.server.AddResource(&mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.ReadResource(ctx, req.Params.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
				{URI: req.Params.URI, MIMEType: mimeType, Text: text},
			}}, nil
		})
	}
}

// Tool Handlers

func (s *Server) handleFingerprint(rtype, dataset string, values []any) (string, error) {
	if rtype == "" {
		return "", fmt.Errorf("type is required")
	}
	tc, ok := s.cfg.Type(rtype)
	if !ok {
		return "", fmt.Errorf("unknown record type %s; configured: %s", rtype, strings.Join(s.cfg.TypeNames(), ", "))
	}
	if dataset == "" {
		dataset = s.cfg.Dataset
	}

	row, err := record.NewRow(tc.Name, "", tc.Columns, values, tc.LoadTimestamp)
	if err != nil {
		return "", err
	}
	id, err := identity.ForRecord(dataset, row)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("## Identity\n\n")
	fmt.Fprintf(&sb, "**Dataset:** %s\n", dataset)
	fmt.Fprintf(&sb, "**Type:** %s\n", tc.Name)
	fmt.Fprintf(&sb, "**Identity:** %s\n\n", id)
	for i, c := range tc.Columns {
		marker := ""
		if i == row.LoadTimestampIndex() {
			marker = " (excluded)"
		}
		fmt.Fprintf(&sb, "- %s = %s%s\n", c, record.CanonicalString(values[i]), marker)
	}
	return sb.String(), nil
}

func (s *Server) handlePriority(ctx context.Context, tags []string) (string, error) {
	table, err := s.loadRanks(ctx)
	if err != nil {
		return "", err
	}
	if table == nil {
		return "No rank table configured. The first candidate of every group survives.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Rank table %s\n\n", table.Name())
	if len(tags) == 0 {
		if table.Len() == 0 {
			sb.WriteString("The table is empty; every tag is unranked.\n")
		}
		for i, tag := range table.Tags() {
			r, _ := table.RankOf(tag)
			fmt.Fprintf(&sb, "%d. %s (rank %d)\n", i+1, tag, r)
		}
		return sb.String(), nil
	}

	for _, tag := range tags {
		if r, ok := table.RankOf(tag); ok {
			fmt.Fprintf(&sb, "- %s: priority %d, rank %d\n", tag, table.PriorityOf(tag), r)
		} else {
			fmt.Fprintf(&sb, "- %s: unranked\n", tag)
		}
	}
	best, _ := rank.PickBest(table, tags, func(t string) string { return t })
	fmt.Fprintf(&sb, "\n**Survivor:** %s\n", best)
	return sb.String(), nil
}

func (s *Server) loadRanks(ctx context.Context) (*rank.Table, error) {
	rc := s.cfg.Rank
	if !rc.Enabled() {
		return nil, nil
	}
	ref := rank.Ref{Table: rc.Table, TagColumn: rc.TagColumn, RankColumn: rc.RankColumn}
	table, err := rank.Load(ctx, s.store, ref)
	if errors.Is(err, storage.ErrTableNotFound) {
		return nil, nil
	}
	return table, err
}

func (s *Server) handleUndoScript(ctx context.Context, loadDate string) (string, error) {
	log, err := s.undoLog(ctx)
	if err != nil {
		return "", err
	}
	if !log.IsActive() {
		return fmt.Sprintf("Undo table %s does not exist.", log.Table()), nil
	}

	var opts undo.ScriptOptions
	if loadDate != "" {
		opts.LoadDate, err = time.Parse(time.RFC3339Nano, loadDate)
		if err != nil {
			return "", fmt.Errorf("invalid load_date %q: %w", loadDate, err)
		}
	}

	script, err := log.Script(ctx, opts)
	if err != nil {
		return "", err
	}
	if script == "" {
		return "No undo statements recorded.", nil
	}
	return script, nil
}

func (s *Server) handleStatus(ctx context.Context) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Reconciliation status\n\n")
	fmt.Fprintf(&sb, "**Dataset:** %s\n\n", s.cfg.Dataset)

	sb.WriteString("| Table | Rows |\n")
	sb.WriteString("|-------|------|\n")
	for _, name := range s.cfg.TypeNames() {
		n, err := s.store.CountRows(ctx, name)
		if errors.Is(err, storage.ErrTableNotFound) {
			fmt.Fprintf(&sb, "| %s | not created |\n", name)
			continue
		}
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "| %s | %d |\n", name, n)
	}

	batches, err := s.undoBatches(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "\n**Undo batches:** %d\n", len(batches))
	if len(batches) > 0 {
		fmt.Fprintf(&sb, "**Latest batch:** %s\n", batches[0])
	}
	return sb.String(), nil
}

// Resource Handlers

func (s *Server) getOverview(ctx context.Context) (string, error) {
	tables, err := s.store.Tables(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# rowmerge store overview\n\n")
	fmt.Fprintf(&sb, "**Dataset:** %s\n", s.cfg.Dataset)
	fmt.Fprintf(&sb, "**Tables:** %d\n\n", len(tables))
	for _, def := range tables {
		n, err := s.store.CountRows(ctx, def.Name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "- %s: %d rows, key (%s)\n", def.Name, n, strings.Join(def.PrimaryKey, ", "))
	}
	return sb.String(), nil
}

func (s *Server) getUndoBatches(ctx context.Context) (string, error) {
	batches, err := s.undoBatches(ctx)
	if err != nil {
		return "", err
	}
	if len(batches) == 0 {
		return "No undo batches recorded.", nil
	}
	return strings.Join(batches, "\n") + "\n", nil
}

func (s *Server) undoBatches(ctx context.Context) ([]string, error) {
	log, err := s.undoLog(ctx)
	if err != nil {
		return nil, err
	}
	return log.Batches(ctx)
}

func (s *Server) undoLog(ctx context.Context) (*undo.Log, error) {
	return undo.New(ctx, s.store, undo.WithTable(s.cfg.Undo.Table))
}

// Helper functions

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
