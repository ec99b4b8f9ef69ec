// Package consolidate loads downloaded CSV artifacts into a single-table
// store per file type, deduplicating rows across overlapping downloads, and
// exports the result back to CSV.
package consolidate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/artifact"
)

// Errors returned by the sink.
var (
	ErrUnknownFileType = errors.New("unknown file type")
	ErrNoDirectory     = errors.New("artifact directory does not exist")
	ErrExportExists    = errors.New("export file exists")
	ErrBadSeparator    = errors.New("decimal separator must be . or ,")
	ErrNoTable         = errors.New("table has not been loaded")
)

// FileType selects which artifacts are consolidated together.
type FileType string

const (
	StationsDay   FileType = "stations_day"
	Station1Day   FileType = "station1_day"
	Station1Month FileType = "station1_month"
)

// FileTypes lists every file type.
var FileTypes = []FileType{StationsDay, Station1Day, Station1Month}

// ParseFileType validates a file type name.
func ParseFileType(s string) (FileType, error) {
	for _, ft := range FileTypes {
		if string(ft) == s {
			return ft, nil
		}
	}
	names := make([]string, len(FileTypes))
	for i, ft := range FileTypes {
		names[i] = string(ft)
	}
	return "", fmt.Errorf("%w: %q not in %s", ErrUnknownFileType, s, strings.Join(names, ", "))
}

// DBName is the store file name of the file type.
func (ft FileType) DBName() string {
	switch ft {
	case StationsDay:
		return "metd_all_stations.db"
	case Station1Day:
		return "metd_selected_stations.db"
	case Station1Month:
		return "metm_selected_stations.db"
	default:
		return ""
	}
}

// DBBase is DBName without its extension.
func (ft FileType) DBBase() string {
	return strings.TrimSuffix(ft.DBName(), ".db")
}

// Table is the name of the table holding part.
func (ft FileType) Table(part aemet.Part) string {
	name := "metd"
	if ft == Station1Month {
		name = "metm"
	}
	if part == aemet.PartMetadata {
		name += "_metadata"
	}
	return name
}

// Daily reports whether the file type holds daily series.
func (ft FileType) Daily() bool {
	return ft != Station1Month
}

// Match reports whether the artifact name belongs to the file type and part.
func (ft FileType) Match(name string, part aemet.Part) bool {
	p, err := artifact.ParseName(name)
	if err != nil || p.Part != part || p.Daily != ft.Daily() {
		return false
	}
	switch ft {
	case StationsDay:
		return p.Station == artifact.StationsPrefix
	case Station1Day, Station1Month:
		return !strings.HasPrefix(name, artifact.StationsPrefix)
	default:
		return false
	}
}
