package artifact

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/schema"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// Artifact is one persisted chunk. It is never modified after creation.
type Artifact struct {
	Name     string
	Path     string
	Station  string
	SubRange timerange.SubRange
	Part     aemet.Part
	Rows     int
}

// ResumeSet holds the artifact names already present in an output directory.
type ResumeSet struct {
	names map[string]struct{}
}

// LoadResumeSet lists the CSV files of dir once.
func LoadResumeSet(dir string) (*ResumeSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	rs := &ResumeSet{names: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		rs.names[e.Name()] = struct{}{}
	}
	return rs, nil
}

// Has reports whether name was present when the set was loaded or added since.
func (rs *ResumeSet) Has(name string) bool {
	if rs == nil {
		return false
	}
	_, ok := rs.names[name]
	return ok
}

// HasMetadata reports whether a metadata artifact of the daily or yearly
// series exists for station, whatever its bounds.
func (rs *ResumeSet) HasMetadata(station string, daily bool) bool {
	if rs == nil {
		return false
	}
	want := stationCleaner.Replace(station)
	for name := range rs.names {
		p, err := ParseName(name)
		if err == nil && p.Part == aemet.PartMetadata && p.Daily == daily && p.Station == want {
			return true
		}
	}
	return false
}

// Add records a newly written artifact.
func (rs *ResumeSet) Add(name string) {
	if rs == nil {
		return
	}
	rs.names[name] = struct{}{}
}

// Len returns the number of known artifacts.
func (rs *ResumeSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.names)
}

// WriteCSV writes t to dir/name through a temporary file and a rename, so a
// partially written artifact is never visible under its final name.
func WriteCSV(dir, name string, t *schema.Table) (string, error) {
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := writeTable(tmp, t); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("renaming %s: %w", name, err)
	}
	return path, nil
}

func writeTable(w io.Writer, t *schema.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// ReadCSV loads an artifact back into a table. Short rows are padded to the
// header width.
func ReadCSV(path string) (*schema.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return &schema.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	t := &schema.Table{Header: header}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		row := make([]string, len(header))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
