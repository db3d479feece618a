// Package cmd provides CLI command implementations for rowmerge.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Benny93/rowmerge/internal/config"
	"github.com/Benny93/rowmerge/internal/identity"
	"github.com/Benny93/rowmerge/internal/ingestion"
	"github.com/Benny93/rowmerge/internal/logging"
	"github.com/Benny93/rowmerge/internal/metrics"
	"github.com/Benny93/rowmerge/internal/rank"
	"github.com/Benny93/rowmerge/internal/record"
	"github.com/Benny93/rowmerge/internal/storage"
	"github.com/Benny93/rowmerge/internal/undo"
	"github.com/Benny93/rowmerge/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// MetaFile sits next to the store and describes the last reconciliation.
const MetaFile = "meta.json"

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `short:"c" default:"rowmerge.yaml" env:"ROWMERGE_CONFIG" type:"path" help:"Dataset configuration file"`
	DB        string `default:".rowmerge/badger" env:"ROWMERGE_DB" type:"path" help:"Badger store directory"`
	Verbose   bool   `short:"v" help:"Enable verbose output"`
	Quiet     bool   `short:"q" help:"Suppress non-essential output"`
	LogLevel  string `env:"ROWMERGE_LOG_LEVEL" help:"Log level (trace, debug, info, warn, error)"`
	LogFormat string `default:"auto" enum:"auto,console,json" env:"ROWMERGE_LOG_FORMAT" help:"Log format (auto, console, json)"`

	// Stdout receives command output. Nil means os.Stdout.
	Stdout io.Writer `kong:"-"`
}

// runMeta is the content of MetaFile.
type runMeta struct {
	Version      string                    `json:"version"`
	Dataset      string                    `json:"dataset"`
	Input        string                    `json:"input"`
	Stats        *ingestion.PipelineResult `json:"stats"`
	ReconciledAt string                    `json:"reconciled_at"`
}

// ReconcileCmd merges an input directory into the store.
type ReconcileCmd struct {
	Input  string `arg:"" type:"existingdir" help:"Input directory with one sub-directory per source"`
	DryRun bool   `short:"n" help:"Plan changes without writing them"`
}

// Run executes the reconcile command.
func (c *ReconcileCmd) Run(g *Globals) error {
	ctx := g.context()
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	store, err := g.openStorage(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := g.stdout()
	color.New(color.FgGreen).Fprintf(out, "Reconciling %s into %s\n", c.Input, cfg.Dataset)

	progress := func(phase string, pct float64) {
		if !g.Quiet {
			fmt.Fprintf(os.Stderr, "\r\033[K%s (%.0f%%)", phase, pct*100)
		}
	}

	_, result, err := ingestion.RunPipeline(ctx, cfg, c.Input, store, ingestion.PipelineOptions{
		DryRun:   c.DryRun,
		Progress: progress,
	})
	if !g.Quiet {
		fmt.Fprintln(os.Stderr) // Newline after progress
	}
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	if !c.DryRun {
		if err := writeMeta(g.DB, cfg, c.Input, result); err != nil {
			return err
		}
	}

	printSummary(out, result)
	return nil
}

// FingerprintCmd prints the identity of a record.
type FingerprintCmd struct {
	Type    string   `short:"t" required:"" help:"Record type"`
	Dataset string   `short:"d" help:"Dataset name (defaults to the configured dataset)"`
	Values  []string `arg:"" optional:"" help:"Column values in configured order; null for a missing value"`
}

// Run executes the fingerprint command.
func (c *FingerprintCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	tc, ok := cfg.Type(c.Type)
	if !ok {
		return fmt.Errorf("unknown record type %s; configured: %s", c.Type, strings.Join(cfg.TypeNames(), ", "))
	}

	values := make([]any, len(c.Values))
	for i, v := range c.Values {
		if v != record.NullToken {
			values[i] = v
		}
	}
	row, err := record.NewRow(tc.Name, "", tc.Columns, values, tc.LoadTimestamp)
	if err != nil {
		return fmt.Errorf("expected %d values for %s (%s): %w", len(tc.Columns), tc.Name, strings.Join(tc.Columns, ", "), err)
	}

	dataset := c.Dataset
	if dataset == "" {
		dataset = cfg.Dataset
	}
	id, err := identity.ForRecord(dataset, row)
	if err != nil {
		return err
	}

	fmt.Fprintln(g.stdout(), id)
	return nil
}

// RankCmd shows the authority rank table.
type RankCmd struct {
	Tags []string `arg:"" optional:"" help:"Candidate tags; prints which one a merge keeps"`
}

// Run executes the rank command.
func (c *RankCmd) Run(g *Globals) error {
	ctx := g.context()
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Rank.Enabled() {
		return fmt.Errorf("no rank table configured in %s", g.Config)
	}

	store, err := g.openStorage(true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ref := rank.Ref{Table: cfg.Rank.Table, TagColumn: cfg.Rank.TagColumn, RankColumn: cfg.Rank.RankColumn}
	table, err := rank.Load(ctx, store, ref)
	if err != nil {
		return fmt.Errorf("loading rank table: %w", err)
	}

	out := g.stdout()
	if len(c.Tags) == 0 {
		fmt.Fprintf(out, "Rank table %s (%d tags)\n", table.Name(), table.Len())
		for i, tag := range table.Tags() {
			r, _ := table.RankOf(tag)
			fmt.Fprintf(out, "  %2d. %-12s rank %d\n", i+1, tag, r)
		}
		return nil
	}

	for _, tag := range c.Tags {
		if r, ok := table.RankOf(tag); ok {
			fmt.Fprintf(out, "  %-12s rank %d\n", tag, r)
		} else {
			fmt.Fprintf(out, "  %-12s unranked\n", tag)
		}
	}
	best, _ := rank.PickBest(table, c.Tags, func(t string) string { return t })
	color.New(color.FgGreen).Fprintf(out, "Survivor: %s\n", best)
	return nil
}

// UndoCmd prints the undo script of a batch.
type UndoCmd struct {
	Batch  string `short:"b" help:"RFC3339 load date of the batch (default: every batch)"`
	Latest bool   `help:"Select the most recent batch"`
	List   bool   `short:"l" help:"List recorded batches instead of printing a script"`
	Output string `short:"o" type:"path" help:"Write the script to a file"`
}

// Run executes the undo command.
func (c *UndoCmd) Run(g *Globals) error {
	ctx := g.context()
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	store, err := g.openStorage(true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	log, err := undo.New(ctx, store, undo.WithTable(cfg.Undo.Table))
	if err != nil {
		return err
	}
	if !log.IsActive() {
		return fmt.Errorf("undo table %s does not exist; enable undo and reconcile first", log.Table())
	}

	out := g.stdout()
	batches, err := log.Batches(ctx)
	if err != nil {
		return err
	}
	if c.List {
		if len(batches) == 0 {
			fmt.Fprintln(out, "No undo batches recorded")
		}
		for _, b := range batches {
			fmt.Fprintln(out, b)
		}
		return nil
	}

	var opts undo.ScriptOptions
	switch {
	case c.Batch != "":
		opts.LoadDate, err = time.Parse(time.RFC3339Nano, c.Batch)
		if err != nil {
			return fmt.Errorf("invalid batch %q: %w", c.Batch, err)
		}
	case c.Latest:
		if len(batches) == 0 {
			return fmt.Errorf("no undo batches recorded")
		}
		opts.LoadDate, err = time.Parse(time.RFC3339Nano, batches[0])
		if err != nil {
			return fmt.Errorf("invalid batch %q: %w", batches[0], err)
		}
	}

	if c.Output == "" {
		return log.WriteScript(ctx, out, opts)
	}

	f, err := os.Create(c.Output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", c.Output, err)
	}
	if err := log.WriteScript(ctx, f, opts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "Wrote undo script to %s\n", c.Output)
	return nil
}

// WatchCmd re-runs reconciliation whenever the input directory changes.
type WatchCmd struct {
	Input       string        `arg:"" type:"existingdir" help:"Input directory to watch"`
	Debounce    time.Duration `default:"2s" help:"Quiet period before a batch of changes triggers a run"`
	MetricsAddr string        `env:"ROWMERGE_METRICS_ADDR" help:"Serve Prometheus metrics on this address (e.g. :9090)"`
}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	store, err := g.openStorage(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	ranks := rank.NewRegistry(store)
	logger := logging.Default()

	ctx, cancel := context.WithCancel(g.context())
	defer cancel()

	// Handle Ctrl+C
	go func() {
		<-osSignalChannel()
		fmt.Fprintln(os.Stderr, "\nStopping watch mode...")
		cancel()
	}()

	state := &watchState{}
	if c.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           newMetricsRouter(reg, state),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", c.MetricsAddr).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", c.MetricsAddr).Msg("serving metrics")
	}

	out := g.stdout()
	fmt.Fprintln(out, "## Watch Mode")
	fmt.Fprintf(out, "Watching %s for changes (Ctrl+C to stop)\n\n", c.Input)

	run := func(ctx context.Context) error {
		_, result, err := ingestion.RunPipeline(ctx, cfg, c.Input, store, ingestion.PipelineOptions{
			Metrics: m,
			Ranks:   ranks,
		})
		state.record(result, err)
		if err != nil {
			return err
		}
		printSummary(out, result)
		return writeMeta(g.DB, cfg, c.Input, result)
	}

	err = ingestion.WatchInput(ctx, c.Input, run, ingestion.WatchOptions{
		Debounce:   c.Debounce,
		RunOnStart: true,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Fprintln(out, "Watch mode stopped.")
	return nil
}

// watchState is the last run seen by the watch command, served on /healthz.
type watchState struct {
	mu      sync.Mutex
	runs    int
	last    *ingestion.PipelineResult
	lastErr string
}

func (s *watchState) record(result *ingestion.PipelineResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	if err != nil {
		s.lastErr = err.Error()
		return
	}
	s.last, s.lastErr = result, ""
}

func (s *watchState) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"runs":       s.runs,
		"last_run":   s.last,
		"last_error": s.lastErr,
	}
}

// newMetricsRouter serves reg on /metrics and the watch state on /healthz.
func newMetricsRouter(reg *prometheus.Registry, state *watchState) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state.snapshot())
	})
	return r
}

// MCPCmd starts the MCP server.
type MCPCmd struct{}

// Run executes the mcp command.
func (c *MCPCmd) Run(g *Globals) error {
	ctx := g.context()
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	store, err := g.openStorage(true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	server := mcp.NewServer(store, cfg)

	// stdout carries JSON-RPC only; logs go to stderr.
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// StatusCmd shows the last reconciliation.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	metaPath := metaPath(g.DB)
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no reconciliation found at %s. Run 'rowmerge reconcile' first", filepath.Dir(g.DB))
		}
		return fmt.Errorf("reading %s: %w", MetaFile, err)
	}

	var meta runMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("parsing %s: %w", MetaFile, err)
	}

	out := g.stdout()
	fmt.Fprintf(out, "Store %s\n", g.DB)
	fmt.Fprintf(out, "  Version:          %s\n", meta.Version)
	fmt.Fprintf(out, "  Dataset:          %s\n", meta.Dataset)
	fmt.Fprintf(out, "  Input:            %s\n", meta.Input)
	fmt.Fprintf(out, "  Last reconciled:  %s\n", meta.ReconciledAt)
	if s := meta.Stats; s != nil {
		fmt.Fprintf(out, "  Run:              %s\n", s.RunID)
		fmt.Fprintf(out, "  Records:          %d\n", s.Records)
		fmt.Fprintf(out, "  Merged:           %d\n", s.Merged)
		fmt.Fprintf(out, "  Inserted:         %d\n", s.Inserted)
		fmt.Fprintf(out, "  Undo statements:  %d\n", s.UndoStatements)
	}
	return nil
}

// CleanCmd deletes the store.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	if _, err := os.Stat(g.DB); os.IsNotExist(err) {
		return fmt.Errorf("no store found at %s. Nothing to clean", g.DB)
	}

	out := g.stdout()
	if !c.Force {
		fmt.Fprintf(out, "Delete store at %s? [y/N] ", g.DB)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(g.DB); err != nil {
		return fmt.Errorf("deleting store: %w", err)
	}
	if err := os.Remove(metaPath(g.DB)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", MetaFile, err)
	}

	color.New(color.FgGreen).Fprintf(out, "Deleted %s\n", g.DB)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout != nil {
		return g.Stdout
	}
	return os.Stdout
}

func (g *Globals) context() context.Context {
	return logging.WithLogger(context.Background(), logging.Default())
}

func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// openStorage opens the Badger store. A read-only open requires an
// existing store.
func (g *Globals) openStorage(readOnly bool) (*storage.BadgerBackend, error) {
	if readOnly {
		if _, err := os.Stat(g.DB); os.IsNotExist(err) {
			return nil, fmt.Errorf("no store found at %s. Run 'rowmerge reconcile' first", g.DB)
		}
	} else if err := os.MkdirAll(g.DB, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(g.DB, readOnly); err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

func metaPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), MetaFile)
}

func writeMeta(dbPath string, cfg *config.Config, input string, result *ingestion.PipelineResult) error {
	meta := runMeta{
		Version:      Version,
		Dataset:      cfg.Dataset,
		Input:        input,
		Stats:        result,
		ReconciledAt: time.Now().UTC().Format(time.RFC3339),
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(metaPath(dbPath), metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", MetaFile, err)
	}
	return nil
}

func printSummary(out io.Writer, result *ingestion.PipelineResult) {
	title := "✓ Reconciliation complete"
	if result.DryRun {
		title = "✓ Dry run complete (nothing written)"
	}
	color.New(color.FgGreen).Fprintf(out, "%s\n", title)
	fmt.Fprintf(out, "  Files:            %d\n", result.Files)
	fmt.Fprintf(out, "  Records:          %d (%d stored)\n", result.Records, result.Stored)
	fmt.Fprintf(out, "  Identical:        %d\n", result.Identical)
	fmt.Fprintf(out, "  Merged:           %d\n", result.Merged)
	fmt.Fprintf(out, "  Inserted:         %d\n", result.Inserted)
	fmt.Fprintf(out, "  Replaced:         %d\n", result.Replaced)
	fmt.Fprintf(out, "  Unchanged:        %d\n", result.Unchanged)
	fmt.Fprintf(out, "  Undo statements:  %d\n", result.UndoStatements)
	fmt.Fprintf(out, "  Duration:         %.2fs\n", result.Duration.Seconds())
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Reconcile   ReconcileCmd   `cmd:"" help:"Merge an input directory into the store"`
	Fingerprint FingerprintCmd `cmd:"" help:"Print the identity of a record"`
	Rank        RankCmd        `cmd:"" help:"Show the authority rank table"`
	Undo        UndoCmd        `cmd:"" help:"Print the undo script of a batch"`
	Watch       WatchCmd       `cmd:"" help:"Re-run reconciliation when input files change"`
	Status      StatusCmd      `cmd:"" help:"Show the last reconciliation"`
	MCP         MCPCmd         `cmd:"" help:"Start MCP server (stdio transport)"`
	Clean       CleanCmd       `cmd:"" help:"Delete the store"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("rowmerge"),
		kong.Description("Merge duplicate records from several sources with an undo trail"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	closeLog := setupLogging(&c.Globals)
	defer func() { _ = closeLog() }()

	return kongCtx.Run(&c.Globals)
}

func setupLogging(g *Globals) func() error {
	logger, closer := logging.New(logging.Config{
		Level:  logging.ResolveLevel(g.LogLevel, g.Verbose, g.Quiet),
		Format: g.LogFormat,
		Fields: map[string]string{"version": Version},
	})
	logging.SetDefault(logger)
	return closer
}
