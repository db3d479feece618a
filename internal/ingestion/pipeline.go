package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Benny93/rowmerge/internal/config"
	"github.com/Benny93/rowmerge/internal/graph"
	"github.com/Benny93/rowmerge/internal/identity"
	"github.com/Benny93/rowmerge/internal/idgaps"
	"github.com/Benny93/rowmerge/internal/logging"
	"github.com/Benny93/rowmerge/internal/metrics"
	"github.com/Benny93/rowmerge/internal/rank"
	"github.com/Benny93/rowmerge/internal/record"
	"github.com/Benny93/rowmerge/internal/storage"
	"github.com/Benny93/rowmerge/internal/undo"
)

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// PipelineOptions tunes RunPipeline.
type PipelineOptions struct {
	// DryRun plans every change without touching the store.
	DryRun bool

	Progress ProgressCallback
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger

	// LoadDate stamps inserted rows and the undo batch. Zero means now.
	LoadDate time.Time

	// Ranks caches rank tables across runs. Nil loads the table directly.
	Ranks *rank.Registry
}

// PipelineResult summarizes a pipeline run.
type PipelineResult struct {
	RunID  string `json:"run_id"`
	DryRun bool   `json:"dry_run"`

	Files   int `json:"files"`
	Records int `json:"records"`
	Stored  int `json:"stored"`

	Vertices  int `json:"vertices"`
	Edges     int `json:"edges"`
	Identical int `json:"identical"`
	Merged    int `json:"merged"`
	Collapsed int `json:"collapsed"`

	Inserted       int `json:"inserted"`
	Replaced       int `json:"replaced"`
	Deleted        int `json:"deleted"`
	Unchanged      int `json:"unchanged"`
	UndoStatements int `json:"undo_statements"`

	LoadDate time.Time     `json:"load_date"`
	Duration time.Duration `json:"duration_ns"`
}

// candidate is one record taking part in a run, either read from input or
// already stored in the target table.
type candidate struct {
	row    *record.Row
	tc     config.TypeConfig
	stored bool
	vid    graph.VertexID
	full   *identity.Identity

	// same is the earlier candidate with identical content this one was
	// folded into. Such candidates own no vertex.
	same *candidate

	// resolved is row with foreign keys pointing at surviving parents.
	resolved *record.Row
	key      string

	// displaces lists stored rows this winner supersedes.
	displaces []*candidate
}

type change struct {
	tc      config.TypeConfig
	deletes []*record.Row
	insert  *record.Row
}

type pipeline struct {
	cfg      *config.Config
	store    storage.DataAccess
	opts     PipelineOptions
	logger   *zerolog.Logger
	loadDate time.Time

	graph      *graph.RelationshipGraph
	ranks      *rank.Table
	tables     map[string]storage.TableDef
	undo       *undo.Log
	alloc      *idgaps.Allocator
	candidates []*candidate
	byVertex   map[graph.VertexID]*candidate
	winners    []*candidate
	changes    []change
	result     *PipelineResult
}

// RunPipeline reconciles every record file in inputDir into store.
//
// Records are fingerprinted, linked along the configured relationships and
// grouped by the identity of their key columns. In each group the record
// with the best authority rank survives and absorbs the relationships of
// the others. Surviving records that differ from what is stored are
// written, and each write is paired with a compensating undo statement.
func RunPipeline(
	ctx context.Context,
	cfg *config.Config,
	inputDir string,
	store storage.DataAccess,
	opts PipelineOptions,
) (*graph.RelationshipGraph, *PipelineResult, error) {
	start := time.Now()
	defer opts.Metrics.ObserveRun(start)

	if cfg == nil || store == nil {
		return nil, nil, fmt.Errorf("run pipeline: config and store are required")
	}
	if _, err := os.Stat(inputDir); err != nil {
		return nil, nil, fmt.Errorf("input directory: %w", err)
	}

	runID := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	ctx = logging.WithRunID(logging.WithLogger(ctx, logger), runID)
	runLogger := logging.FromContext(ctx)

	loadDate := opts.LoadDate
	if loadDate.IsZero() {
		loadDate = time.Now().UTC()
	}

	p := &pipeline{
		cfg:      cfg,
		store:    store,
		opts:     opts,
		logger:   runLogger,
		loadDate: loadDate,
		graph:    graph.NewRelationshipGraph(),
		tables:   make(map[string]storage.TableDef),
		byVertex: make(map[graph.VertexID]*candidate),
		result:   &PipelineResult{RunID: runID, DryRun: opts.DryRun, LoadDate: loadDate},
	}

	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"Preparing tables", p.prepare},
		{"Reading records", func(ctx context.Context) error { return p.read(ctx, inputDir) }},
		{"Fingerprinting", p.fingerprint},
		{"Linking relationships", p.link},
		{"Merging duplicates", p.merge},
		{"Planning changes", p.plan},
		{"Writing changes", p.apply},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		p.progress(phase.name, 0.0)
		if err := phase.run(ctx); err != nil {
			return nil, nil, err
		}
		p.progress(phase.name, 1.0)
	}

	p.result.Vertices = p.graph.Count()
	p.result.Edges = p.graph.EdgeCount()
	p.result.Duration = time.Since(start)

	p.logger.Info().
		Int("records", p.result.Records).
		Int("stored", p.result.Stored).
		Int("merged", p.result.Merged).
		Int("inserted", p.result.Inserted).
		Int("replaced", p.result.Replaced).
		Int("unchanged", p.result.Unchanged).
		Int("undo_statements", p.result.UndoStatements).
		Bool("dry_run", opts.DryRun).
		Dur("duration", p.result.Duration).
		Msg("reconciliation finished")

	return p.graph, p.result, nil
}

func (p *pipeline) progress(phase string, v float64) {
	if p.opts.Progress != nil {
		p.opts.Progress(phase, v)
	}
}

// TargetTable returns the table layout created for a record type: every
// configured column, keyed by the type's key columns.
func TargetTable(tc config.TypeConfig) storage.TableDef {
	cols := make([]storage.ColumnDef, len(tc.Columns))
	for i, c := range tc.Columns {
		cols[i] = storage.ColumnDef{Name: c}
	}
	return storage.TableDef{Name: tc.Name, Columns: cols, PrimaryKey: tc.KeyColumns()}
}

// prepare makes sure the target, rank, undo and gap tables exist and loads
// the rank table.
func (p *pipeline) prepare(ctx context.Context) error {
	for _, tc := range p.cfg.Types {
		def, err := p.store.Table(ctx, tc.Name)
		if errors.Is(err, storage.ErrTableNotFound) {
			def = TargetTable(tc)
			if !p.opts.DryRun {
				if _, err := p.store.CreateTable(ctx, def); err != nil {
					return fmt.Errorf("creating table %s: %w", tc.Name, err)
				}
				p.logger.Info().Str("table", tc.Name).Msg("created target table")
			}
		} else if err != nil {
			return fmt.Errorf("reading table %s: %w", tc.Name, err)
		}
		for _, c := range tc.Columns {
			if !def.HasColumn(c) {
				return fmt.Errorf("table %s has no column %s", tc.Name, c)
			}
		}
		p.tables[tc.Name] = def
	}

	if err := p.loadRanks(ctx); err != nil {
		return err
	}
	if p.opts.DryRun || !p.cfg.Undo.Enabled {
		return nil
	}
	return p.openUndo(ctx)
}

func (p *pipeline) loadRanks(ctx context.Context) error {
	rc := p.cfg.Rank
	if !rc.Enabled() {
		p.logger.Debug().Msg("no rank table configured; first candidate wins")
		return nil
	}
	ref := rank.Ref{Table: rc.Table, TagColumn: rc.TagColumn, RankColumn: rc.RankColumn}

	if rc.File != "" {
		entries, err := readRankFile(p.cfg.Resolve(rc.File))
		if err != nil {
			return err
		}
		if p.opts.DryRun {
			// Seed a scratch copy so a dry run leaves the store untouched.
			scratch := storage.NewMemoryBackend()
			if err := rank.Seed(ctx, scratch, ref, entries); err != nil {
				return err
			}
			p.ranks, err = rank.Load(ctx, scratch, ref, rank.WithLogger(p.logger))
			if err != nil {
				return fmt.Errorf("loading rank table: %w", err)
			}
			return nil
		}
		if err := rank.Seed(ctx, p.store, ref, entries); err != nil {
			return err
		}
		if p.opts.Ranks != nil {
			p.opts.Ranks.Invalidate(ref)
		}
	}

	var err error
	if p.opts.Ranks != nil {
		p.ranks, err = p.opts.Ranks.Get(ctx, ref)
	} else {
		p.ranks, err = rank.Load(ctx, p.store, ref, rank.WithLogger(p.logger))
	}
	if err != nil {
		return fmt.Errorf("loading rank table: %w", err)
	}
	return nil
}

func readRankFile(path string) ([]rank.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rank file: %w", err)
	}
	defer f.Close()
	return rank.ReadEntries(f)
}

func (p *pipeline) openUndo(ctx context.Context) error {
	if _, err := undo.EnsureTable(ctx, p.store, p.cfg.Undo.Table); err != nil {
		return fmt.Errorf("creating undo table: %w", err)
	}

	opts := []undo.Option{
		undo.WithTable(p.cfg.Undo.Table),
		undo.WithLoadDate(p.loadDate),
		undo.WithLogger(p.logger),
		undo.WithMetrics(p.opts.Metrics),
	}

	if p.cfg.IDGaps.Enabled {
		ranges := make(map[string]idgaps.Range, len(p.cfg.IDGaps.Ranges))
		for name, r := range p.cfg.IDGaps.Ranges {
			ranges[name] = idgaps.Range{Start: r[0], End: r[1]}
		}
		if err := idgaps.Seed(ctx, p.store, p.cfg.IDGaps.Table, ranges); err != nil {
			return err
		}
		alloc, err := idgaps.Load(ctx, p.store, p.cfg.IDGaps.Table, idgaps.WithLogger(p.logger))
		if err != nil {
			return err
		}
		p.alloc = alloc
		opts = append(opts, undo.WithAllocator(alloc))
	}

	log, err := undo.New(ctx, p.store, opts...)
	if err != nil {
		return err
	}
	p.undo = log
	return nil
}

// read loads the stored rows of every type first, so that on equal rank a
// stored row is kept, then every input file.
func (p *pipeline) read(ctx context.Context, inputDir string) error {
	for _, tc := range p.cfg.Types {
		rows, err := p.store.SelectRows(ctx, storage.Query{Table: tc.Name, Columns: tc.Columns})
		if errors.Is(err, storage.ErrTableNotFound) && p.opts.DryRun {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading stored %s rows: %w", tc.Name, err)
		}
		for _, values := range rows {
			row, err := record.NewRow(tc.Name, p.cfg.Dataset, tc.Columns, values, tc.LoadTimestamp)
			if err != nil {
				return err
			}
			p.candidates = append(p.candidates, &candidate{row: row, tc: tc, stored: true})
		}
		p.result.Stored += len(rows)
	}

	patterns, err := loadIgnore(inputDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", IgnoreFile, err)
	}
	files, err := WalkInput(inputDir, patterns)
	if err != nil {
		return fmt.Errorf("walking input: %w", err)
	}
	p.result.Files = len(files)

	for _, f := range files {
		tc, ok := p.cfg.Type(f.Type)
		if !ok {
			p.logger.Warn().Str("file", f.RelPath).Str("type", f.Type).Msg("skipping file of unconfigured type")
			continue
		}
		rows, err := LoadRecords(f, tc)
		if err != nil {
			return err
		}
		for _, row := range rows {
			p.candidates = append(p.candidates, &candidate{row: row, tc: tc})
		}
		p.result.Records += len(rows)
		p.opts.Metrics.AddRecords(tc.Name, len(rows))
		p.logger.Debug().Str("file", f.RelPath).Str("source", f.Source).Int("records", len(rows)).Msg("loaded input file")
	}
	return nil
}

func (p *pipeline) workers() int {
	if p.cfg.Workers > 0 {
		return p.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// parallel runs fn for every candidate on a bounded worker pool.
func (p *pipeline) parallel(ctx context.Context, cs []*candidate, fn func(*candidate) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for _, c := range cs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(c)
		})
	}
	return g.Wait()
}

func (p *pipeline) fingerprint(ctx context.Context) error {
	err := p.parallel(ctx, p.candidates, func(c *candidate) error {
		id, err := identity.ForRecord(p.cfg.Dataset, c.row)
		if err != nil {
			return err
		}
		c.full = id
		return nil
	})
	if err != nil {
		return fmt.Errorf("fingerprinting: %w", err)
	}
	p.opts.Metrics.AddIdentities(len(p.candidates))
	return nil
}

// link inserts a vertex per distinct record and connects parents to
// children whose relationship columns hold the same value within the same
// source. A record with the identity and key of an earlier one shares that
// record's vertex.
func (p *pipeline) link(context.Context) error {
	seen := make(map[[identity.Size]byte][]*candidate)
	for _, c := range p.candidates {
		if first := identicalTo(seen, c); first != nil {
			c.same = first
			p.result.Identical++
			p.logger.Debug().
				Str("type", c.tc.Name).
				Str("source", c.row.Source()).
				Str("kept", first.row.Source()).
				Stringer("identity", c.full).
				Msg("folded identical record")
			continue
		}
		vid, err := p.graph.Insert(c.row)
		if err != nil {
			return err
		}
		c.vid = vid
		p.byVertex[vid] = c
	}

	for _, rel := range p.cfg.Relationships {
		parents := make(map[string][]*candidate)
		for _, c := range p.candidates {
			if c.tc.Name != rel.Parent {
				continue
			}
			if v := c.row.ValueString(rel.ParentColumn); v != "" {
				k := c.row.Source() + "\x00" + v
				parents[k] = append(parents[k], c.vertex())
			}
		}

		links := 0
		for _, c := range p.candidates {
			if c.tc.Name != rel.Child {
				continue
			}
			v := c.row.ValueString(rel.ChildColumn)
			if v == "" {
				continue
			}
			child := c.vertex()
			for _, parent := range parents[c.row.Source()+"\x00"+v] {
				if err := p.graph.AddEdge(parent.vid, child.vid); err != nil {
					return fmt.Errorf("linking %s to %s: %w", rel.Parent, rel.Child, err)
				}
				links++
			}
		}
		p.logger.Debug().Str("parent", rel.Parent).Str("child", rel.Child).Int("edges", links).Msg("linked relationship")
	}
	return nil
}

// identicalTo returns the earlier candidate c duplicates, or records c as
// the first of its identity. Content identities alone may coincide for
// different tuples, so the key tuple must match as well.
func identicalTo(seen map[[identity.Size]byte][]*candidate, c *candidate) *candidate {
	k := c.full.Key()
	keyCols := c.tc.KeyColumns()
	tuple := record.TupleKey(c.row.Project(keyCols))
	for _, o := range seen[k] {
		if o.tc.Name == c.tc.Name && record.TupleKey(o.row.Project(keyCols)) == tuple {
			return o
		}
	}
	seen[k] = append(seen[k], c)
	return nil
}

// vertex returns the candidate owning c's vertex.
func (c *candidate) vertex() *candidate {
	if c.same != nil {
		return c.same
	}
	return c
}

// merge processes types in configuration order, so parents are settled
// before their children's foreign keys are resolved and grouped.
func (p *pipeline) merge(context.Context) error {
	for _, tc := range p.cfg.Types {
		var members []*candidate
		for _, c := range p.candidates {
			if c.tc.Name == tc.Name && c.same == nil {
				members = append(members, c)
			}
		}

		for _, c := range members {
			resolved, err := p.resolve(c)
			if err != nil {
				return err
			}
			c.resolved = resolved
		}
		// Groups follow the target table's primary key, value by value.
		keyCols := tc.KeyColumns()
		var order []string
		groups := make(map[string][]*candidate)
		for _, c := range members {
			c.key = record.TupleKey(c.resolved.Project(keyCols))
			if _, ok := groups[c.key]; !ok {
				order = append(order, c.key)
			}
			groups[c.key] = append(groups[c.key], c)
		}

		for _, k := range order {
			winner, err := p.fold(tc, groups[k])
			if err != nil {
				return err
			}
			p.winners = append(p.winners, winner)
		}
	}

	if err := p.graph.Validate(); err != nil {
		return fmt.Errorf("graph inconsistent after merge: %w", err)
	}
	return nil
}

// fold picks the best ranked member of a duplicate group and folds the
// others into it.
func (p *pipeline) fold(tc config.TypeConfig, group []*candidate) (*candidate, error) {
	winner, _ := rank.PickBest(p.ranks, group, func(c *candidate) string {
		return c.row.ValueString(tc.Tag)
	})

	for _, loser := range group {
		if loser == winner {
			continue
		}
		stats, err := p.graph.TransferRelationships(loser.vid, winner.vid)
		if err != nil {
			return nil, fmt.Errorf("merging %s: %w", tc.Name, err)
		}
		p.result.Merged++
		p.result.Collapsed += stats.Collapsed
		p.opts.Metrics.AddMerge(tc.Name, stats.Collapsed)

		if loser.stored {
			winner.displaces = append(winner.displaces, loser)
		}
		p.logger.Debug().
			Str("type", tc.Name).
			Str("winner", winner.row.Source()).
			Str("loser", loser.row.Source()).
			Interface("key", winner.resolved.Project(tc.KeyColumns())).
			Int("moved", stats.Moved).
			Int("collapsed", stats.Collapsed).
			Msg("merged duplicate")
	}
	return winner, nil
}

// resolve returns c's row with every child column rewritten to the value
// of its surviving parent.
func (p *pipeline) resolve(c *candidate) (*record.Row, error) {
	values := c.row.ColumnValues()
	columns := c.row.Columns()
	changed := false

	for _, rel := range p.cfg.Relationships {
		if rel.Child != c.tc.Name {
			continue
		}
		parents := p.graph.ParentsOf(c.vid, rel.Parent)
		if len(parents) == 0 {
			continue
		}
		if len(parents) > 1 {
			p.logger.Warn().Str("type", c.tc.Name).Str("parent", rel.Parent).Int("parents", len(parents)).
				Msg("record has several parents of one type; using the first")
		}
		parent := p.byVertex[parents[0]]
		pv, _ := parent.current().Value(rel.ParentColumn)
		for i, col := range columns {
			if col == rel.ChildColumn && record.CanonicalString(values[i]) != record.CanonicalString(pv) {
				values[i] = pv
				changed = true
			}
		}
	}

	if !changed {
		return c.row, nil
	}
	return record.NewRow(c.tc.Name, c.row.Source(), columns, values, c.tc.LoadTimestamp)
}

func (c *candidate) current() *record.Row {
	if c.resolved != nil {
		return c.resolved
	}
	return c.row
}

// plan turns every winner into the change needed to make the store match.
func (p *pipeline) plan(context.Context) error {
	for _, w := range p.winners {
		ch := change{tc: w.tc}
		for _, d := range w.displaces {
			ch.deletes = append(ch.deletes, d.row)
		}

		if w.stored {
			if w.resolved != w.row {
				ch.deletes = append(ch.deletes, w.row)
				ch.insert = w.resolved
			}
		} else {
			ch.insert = w.resolved
		}
		if ch.insert != nil {
			ch.insert.SetLoadTimestamp(p.loadDate)
		}

		switch {
		case ch.insert == nil && len(ch.deletes) == 0:
			p.result.Unchanged++
			continue
		case ch.insert == nil:
			p.result.Deleted += len(ch.deletes)
		case len(ch.deletes) == 0:
			p.result.Inserted++
		default:
			p.result.Replaced++
		}
		p.changes = append(p.changes, ch)
	}
	return nil
}

// apply writes the planned changes. The compensating statements of
// everything written, including a partial run, are handed to the undo log.
func (p *pipeline) apply(ctx context.Context) error {
	if p.opts.DryRun || len(p.changes) == 0 {
		return nil
	}

	var compensations []string
	defer func() {
		p.recordUndo(ctx, compensations)
	}()

	for _, ch := range p.changes {
		def := p.tables[ch.tc.Name]
		for _, old := range ch.deletes {
			deleted, err := p.store.DeleteRow(ctx, def.Name, old.Map())
			if err != nil {
				return fmt.Errorf("deleting %s: %w", old, err)
			}
			if deleted {
				compensations = append(compensations, undo.InsertStatement(def.Name, old.Columns(), old.ColumnValues()))
			}
		}
		if ch.insert == nil {
			continue
		}
		if err := p.store.InsertRow(ctx, def.Name, ch.insert.Map()); err != nil {
			return fmt.Errorf("inserting %s: %w", ch.insert, err)
		}
		compensations = append(compensations, undo.DeleteStatement(def.Name, def.PrimaryKey, ch.insert.Project(def.PrimaryKey)))
	}
	return nil
}

// recordUndo logs compensations so that the last change is undone first.
func (p *pipeline) recordUndo(ctx context.Context, compensations []string) {
	if p.undo == nil || len(compensations) == 0 {
		return
	}
	replay := make([]string, len(compensations))
	for i, stmt := range compensations {
		replay[len(compensations)-1-i] = stmt
	}
	p.undo.RecordStatements(ctx, replay)
	p.result.UndoStatements = p.undo.Recorded()

	if p.alloc != nil {
		if err := p.alloc.Flush(ctx); err != nil {
			p.logger.Error().Err(err).Msg("cannot persist identifier gaps")
		}
	}
}
