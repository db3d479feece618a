// Package config loads the YAML description of a reconciliation dataset:
// the record types, how they relate, how duplicates are ranked and where
// undo statements go.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "rowmerge.yaml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config describes one target dataset.
type Config struct {
	// Dataset is the target dataset name mixed into every identity.
	Dataset string `yaml:"dataset"`

	Types         []TypeConfig   `yaml:"types"`
	Relationships []Relationship `yaml:"relationships"`
	Rank          RankConfig     `yaml:"rank"`
	Undo          UndoConfig     `yaml:"undo"`
	IDGaps        IDGapsConfig   `yaml:"idgaps"`

	// Workers bounds parallel fingerprinting. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`

	// BaseDir is the directory of the configuration file; relative paths
	// are resolved against it.
	BaseDir string `yaml:"-"`
}

// TypeConfig describes one record type (table).
type TypeConfig struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`

	// Key lists the columns that identify a logical entity. Records of
	// the same type with equal key values are duplicates. Defaults to
	// every column except the load timestamp.
	Key []string `yaml:"key"`

	// Tag is the column whose value is looked up in the rank table.
	Tag string `yaml:"tag"`

	// LoadTimestamp is excluded from identities.
	LoadTimestamp string `yaml:"load_timestamp"`
}

// KeyColumns returns Key, or every column except the load timestamp.
func (t TypeConfig) KeyColumns() []string {
	if len(t.Key) > 0 {
		return t.Key
	}
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !strings.EqualFold(c, t.LoadTimestamp) {
			out = append(out, c)
		}
	}
	return out
}

// Relationship links child rows to parent rows whose ParentColumn equals
// the child's ChildColumn.
type Relationship struct {
	Parent       string `yaml:"parent"`
	ParentColumn string `yaml:"parent_column"`
	Child        string `yaml:"child"`
	ChildColumn  string `yaml:"child_column"`
}

// RankConfig names the authority rank table.
type RankConfig struct {
	Table      string `yaml:"table"`
	TagColumn  string `yaml:"tag_column"`
	RankColumn string `yaml:"rank_column"`

	// File is an optional CSV (tag,rank) seeded into Table before loading.
	File string `yaml:"file"`
}

// Enabled reports whether a rank table is configured.
func (r RankConfig) Enabled() bool { return r.Table != "" }

// UndoConfig controls undo recording.
type UndoConfig struct {
	Enabled bool   `yaml:"enabled"`
	Table   string `yaml:"table"`
}

// IDGapsConfig controls the shared identifier allocator.
type IDGapsConfig struct {
	Enabled bool                `yaml:"enabled"`
	Table   string              `yaml:"table"`
	Ranges  map[string][2]int64 `yaml:"ranges"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		cfg.BaseDir = filepath.Dir(abs)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Type returns the configuration of a record type.
func (c *Config) Type(name string) (TypeConfig, bool) {
	for _, t := range c.Types {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return TypeConfig{}, false
}

// TypeNames returns the record type names in configuration order.
func (c *Config) TypeNames() []string {
	out := make([]string, len(c.Types))
	for i, t := range c.Types {
		out[i] = t.Name
	}
	return out
}

// Resolve returns path relative to BaseDir unless it is absolute.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.BaseDir == "" {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// Validate checks references between types, columns and tables.
func (c *Config) Validate() error {
	if c.Dataset == "" {
		return fmt.Errorf("%w: dataset is required", ErrInvalidConfig)
	}
	if len(c.Types) == 0 {
		return fmt.Errorf("%w: at least one type is required", ErrInvalidConfig)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig)
	}

	seen := make(map[string]bool)
	for _, t := range c.Types {
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: type %s declared twice", ErrInvalidConfig, t.Name)
		}
		seen[t.Name] = true
	}

	for _, r := range c.Relationships {
		parent, ok := c.Type(r.Parent)
		if !ok {
			return fmt.Errorf("%w: relationship parent %q is not a type", ErrInvalidConfig, r.Parent)
		}
		child, ok := c.Type(r.Child)
		if !ok {
			return fmt.Errorf("%w: relationship child %q is not a type", ErrInvalidConfig, r.Child)
		}
		if r.Parent == r.Child {
			return fmt.Errorf("%w: type %s cannot be its own parent", ErrInvalidConfig, r.Parent)
		}
		if !slices.Contains(parent.Columns, r.ParentColumn) {
			return fmt.Errorf("%w: %s has no column %q", ErrInvalidConfig, r.Parent, r.ParentColumn)
		}
		if !slices.Contains(child.Columns, r.ChildColumn) {
			return fmt.Errorf("%w: %s has no column %q", ErrInvalidConfig, r.Child, r.ChildColumn)
		}
	}

	if c.Rank.Enabled() && (c.Rank.TagColumn == "" || c.Rank.RankColumn == "") {
		return fmt.Errorf("%w: rank table %s needs tag_column and rank_column", ErrInvalidConfig, c.Rank.Table)
	}
	if c.Rank.File != "" && !c.Rank.Enabled() {
		return fmt.Errorf("%w: rank file given without a rank table", ErrInvalidConfig)
	}

	for name, r := range c.IDGaps.Ranges {
		if r[0] > r[1] {
			return fmt.Errorf("%w: id gap %s starts after it ends", ErrInvalidConfig, name)
		}
	}
	return nil
}

func (t TypeConfig) validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: type without a name", ErrInvalidConfig)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: type %s has no columns", ErrInvalidConfig, t.Name)
	}
	cols := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c == "" || cols[c] {
			return fmt.Errorf("%w: type %s: empty or duplicate column %q", ErrInvalidConfig, t.Name, c)
		}
		cols[c] = true
	}
	for _, k := range t.Key {
		if !cols[k] {
			return fmt.Errorf("%w: type %s: key column %q is not a column", ErrInvalidConfig, t.Name, k)
		}
		if k == t.LoadTimestamp {
			return fmt.Errorf("%w: type %s: load timestamp %q cannot be part of the key", ErrInvalidConfig, t.Name, k)
		}
	}
	if t.Tag != "" && !cols[t.Tag] {
		return fmt.Errorf("%w: type %s: tag column %q is not a column", ErrInvalidConfig, t.Name, t.Tag)
	}
	if t.LoadTimestamp != "" && !cols[t.LoadTimestamp] {
		return fmt.Errorf("%w: type %s: load timestamp %q is not a column", ErrInvalidConfig, t.Name, t.LoadTimestamp)
	}
	if len(t.KeyColumns()) == 0 {
		return fmt.Errorf("%w: type %s has no key columns", ErrInvalidConfig, t.Name)
	}
	return nil
}

// normalize upper-cases every table and column name.
func (c *Config) normalize() {
	c.Dataset = strings.TrimSpace(c.Dataset)
	for i := range c.Types {
		t := &c.Types[i]
		t.Name = upper(t.Name)
		t.Tag = upper(t.Tag)
		t.LoadTimestamp = upper(t.LoadTimestamp)
		for j := range t.Columns {
			t.Columns[j] = upper(t.Columns[j])
		}
		for j := range t.Key {
			t.Key[j] = upper(t.Key[j])
		}
	}
	for i := range c.Relationships {
		r := &c.Relationships[i]
		r.Parent, r.ParentColumn = upper(r.Parent), upper(r.ParentColumn)
		r.Child, r.ChildColumn = upper(r.Child), upper(r.ChildColumn)
	}
	c.Rank.Table = upper(c.Rank.Table)
	c.Rank.TagColumn = upper(c.Rank.TagColumn)
	c.Rank.RankColumn = upper(c.Rank.RankColumn)
	c.Undo.Table = upper(c.Undo.Table)
	if c.Undo.Table == "" {
		c.Undo.Table = "UNDOSQL"
	}
	c.IDGaps.Table = upper(c.IDGaps.Table)
	if c.IDGaps.Table == "" {
		c.IDGaps.Table = "IDGAPS"
	}
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
