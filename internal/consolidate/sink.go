package consolidate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/artifact"
	"github.com/meteoharvest/meteoharvest/internal/schema"
)

// Metadata columns read to find numeric fields.
const (
	metadataID   = "id"
	metadataType = "tipo_datos"
	floatType    = "float"
)

// Config holds configuration for a Sink.
type Config struct {
	// Dir holds the artifacts (required).
	Dir string

	// FileType selects which artifacts are consolidated (required).
	FileType FileType

	// Store receives the rows (required).
	Store Store

	Logger zerolog.Logger
}

// Sink consolidates the artifacts of one file type.
type Sink struct {
	dir      string
	fileType FileType
	store    Store
	logger   zerolog.Logger
}

// NewSink creates a sink after checking the directory and file type.
func NewSink(cfg Config) (*Sink, error) {
	if _, err := ParseFileType(string(cfg.FileType)); err != nil {
		return nil, err
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoDirectory, cfg.Dir)
	}
	if cfg.Store == nil {
		return nil, errors.New("consolidate: store required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.Dir, err)
	}

	return &Sink{
		dir:      dir,
		fileType: cfg.FileType,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("file_type", string(cfg.FileType)).Logger(),
	}, nil
}

// DefaultDBPath is where the SQLite database of ft lives inside dir.
func DefaultDBPath(dir string, ft FileType) string {
	return filepath.Join(dir, ft.DBName())
}

// DefaultExportPath is the database path with a .csv extension.
func (s *Sink) DefaultExportPath() string {
	return strings.TrimSuffix(DefaultDBPath(s.dir, s.fileType), ".db") + artifact.Ext
}

// Discover returns the sorted paths of artifacts of part in the directory.
func (s *Sink) Discover(part aemet.Part) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !s.fileType.Match(e.Name(), part) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	slices.Sort(paths)
	return paths, nil
}

// TableLoad describes one loaded table.
type TableLoad struct {
	Table    string
	Files    int
	Columns  []string
	Rows     int
	Inserted int64
}

// LoadResult summarizes a Load.
type LoadResult struct {
	FileType  FileType
	Tables    []TableLoad
	Decimals  []string
	Separator string
}

// Load rebuilds the data and metadata tables from the artifacts. Daily data
// gets its decimal commas replaced by points afterwards.
func (s *Sink) Load(ctx context.Context) (*LoadResult, error) {
	res := &LoadResult{FileType: s.fileType}

	for _, part := range []aemet.Part{aemet.PartData, aemet.PartMetadata} {
		paths, err := s.Discover(part)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			s.logger.Info().
				Str("part", string(part)).
				Str("dir", s.dir).
				Msg("no artifacts to load")
			continue
		}

		tl, err := s.loadTable(ctx, s.fileType.Table(part), paths)
		if err != nil {
			return nil, err
		}
		res.Tables = append(res.Tables, *tl)

		if part == aemet.PartData && s.fileType.Daily() {
			cols, err := s.NormalizeDecimals(ctx, ".")
			if err != nil {
				return nil, err
			}
			res.Decimals = cols
			res.Separator = "."
		}
	}
	return res, nil
}

func (s *Sink) loadTable(ctx context.Context, table string, paths []string) (*TableLoad, error) {
	tables := make([]*schema.Table, 0, len(paths))
	headers := make([][]string, 0, len(paths))
	for _, p := range paths {
		t, err := artifact.ReadCSV(p)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
		headers = append(headers, t.Header)
	}

	columns := schema.MergeHeaders(headers...)
	var rows [][]string
	for _, t := range tables {
		for _, row := range t.Rows {
			rows = append(rows, schema.Reorder(row, t.Header, columns))
		}
	}

	if err := s.store.Recreate(ctx, table, columns); err != nil {
		return nil, err
	}
	inserted, err := s.store.LoadDistinct(ctx, table, columns, rows)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("table", table).
		Int("files", len(paths)).
		Int("columns", len(columns)).
		Int("rows", len(rows)).
		Int64("inserted", inserted).
		Msg("table loaded")

	return &TableLoad{
		Table:    table,
		Files:    len(paths),
		Columns:  columns,
		Rows:     len(rows),
		Inserted: inserted,
	}, nil
}

// NumericColumns returns the sorted ids declared as float in the metadata
// artifacts of the file type.
func (s *Sink) NumericColumns() ([]string, error) {
	paths, err := s.Discover(aemet.PartMetadata)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, p := range paths {
		t, err := artifact.ReadCSV(p)
		if err != nil {
			return nil, err
		}
		id, typ := t.Column(metadataID), t.Column(metadataType)
		if id < 0 || typ < 0 {
			s.logger.Warn().Str("file", filepath.Base(p)).Msg("metadata artifact lacks id or tipo_datos")
			continue
		}
		for _, row := range t.Rows {
			if row[typ] == floatType && row[id] != "" {
				seen[row[id]] = struct{}{}
			}
		}
	}

	cols := make([]string, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols, nil
}

// NormalizeDecimals rewrites the decimal separator of the numeric columns
// of the data table to sep. It returns the columns updated; without
// metadata artifacts nothing is updated.
func (s *Sink) NormalizeDecimals(ctx context.Context, sep string) ([]string, error) {
	var old string
	switch sep {
	case ".":
		old = ","
	case ",":
		old = "."
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadSeparator, sep)
	}

	numeric, err := s.NumericColumns()
	if err != nil {
		return nil, err
	}
	if len(numeric) == 0 {
		s.logger.Warn().Msg("no float columns in metadata, decimal separator left as downloaded")
		return nil, nil
	}

	table := s.fileType.Table(aemet.PartData)
	existing, err := s.store.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, c := range numeric {
		if slices.Contains(existing, c) {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		s.logger.Warn().Msg("float columns of metadata absent from data table")
		return nil, nil
	}

	if _, err := s.store.ReplaceAll(ctx, table, cols, old, sep); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("separator", sep).
		Strs("columns", cols).
		Msg("decimal separator updated")
	return cols, nil
}

// Export dumps the data table to path, or to DefaultExportPath when path is
// empty. An existing file is only replaced when overwrite is set.
func (s *Sink) Export(ctx context.Context, path string, overwrite bool) (string, error) {
	if path == "" {
		path = s.DefaultExportPath()
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return "", fmt.Errorf("%w: %s", ErrExportExists, path)
	}

	t, err := s.store.Dump(ctx, s.fileType.Table(aemet.PartData))
	if err != nil {
		return "", err
	}
	out, err := artifact.WriteCSV(filepath.Dir(path), filepath.Base(path), t)
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("path", out).
		Int("rows", t.Len()).
		Msg("table exported")
	return out, nil
}
