package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/meteoharvest/meteoharvest/internal/schema"
)

// ErrOutputExists is returned when the concatenated file already exists and
// overwriting was not requested.
var ErrOutputExists = errors.New("output file exists")

// ConcatOptions selects the artifacts merged by Concatenate.
type ConcatOptions struct {
	// Pattern selects data artifacts by name when Files is empty.
	Pattern *regexp.Regexp

	// Files, when set, are merged in the given order instead of the
	// files matched by Pattern.
	Files []string

	// Exclude lists names skipped from the Pattern match.
	Exclude []string

	// Output is the name of the merged file inside the directory.
	Output string

	Overwrite bool
}

// ConcatName returns the default merged file name of a series.
func ConcatName(series string) string {
	return "meteo_data_" + series + Ext
}

// ConcatResult lists what Concatenate merged.
type ConcatResult struct {
	Path    string
	Files   []string
	Missing []string
	Rows    int
}

// Concatenate merges data artifacts of dir into one CSV under the union of
// their headers.
func Concatenate(dir string, opts ConcatOptions) (*ConcatResult, error) {
	if opts.Output == "" {
		return nil, errors.New("concatenate: output name required")
	}
	out := filepath.Join(dir, opts.Output)
	if _, err := os.Stat(out); err == nil && !opts.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrOutputExists, out)
	}

	res := &ConcatResult{Path: out}
	names, err := concatInputs(dir, opts, res)
	if err != nil {
		return nil, err
	}

	tables := make([]*schema.Table, 0, len(names))
	headers := make([][]string, 0, len(names))
	for _, name := range names {
		t, err := ReadCSV(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
		headers = append(headers, t.Header)
		res.Files = append(res.Files, name)
	}

	merged := &schema.Table{Header: schema.MergeHeaders(headers...)}
	for _, t := range tables {
		for _, row := range t.Rows {
			merged.Rows = append(merged.Rows, schema.Reorder(row, t.Header, merged.Header))
		}
	}
	res.Rows = merged.Len()

	if _, err := WriteCSV(dir, opts.Output, merged); err != nil {
		return nil, err
	}
	return res, nil
}

func concatInputs(dir string, opts ConcatOptions, res *ConcatResult) ([]string, error) {
	if len(opts.Files) > 0 {
		var names []string
		for _, name := range opts.Files {
			info, err := os.Stat(filepath.Join(dir, name))
			if err != nil || info.IsDir() {
				res.Missing = append(res.Missing, name)
				continue
			}
			names = append(names, name)
		}
		return names, nil
	}

	if opts.Pattern == nil {
		return nil, errors.New("concatenate: pattern or files required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == opts.Output || slices.Contains(opts.Exclude, name) {
			continue
		}
		if opts.Pattern.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, nil
}
