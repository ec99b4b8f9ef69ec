// Package artifact owns the on-disk CSV files produced by a download: their
// deterministic names, the resume set derived from them, and atomic writes.
package artifact

import (
	"errors"
	"regexp"
	"strings"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// StationsPrefix replaces the station code in names of all-stations artifacts.
const StationsPrefix = "stations"

// Inventory file names.
const (
	InventoryData     = "estaciones_open_data.csv"
	InventoryMetadata = "estaciones_open_data_metadata.csv"
)

// Ext is the extension of every artifact.
const Ext = ".csv"

// ErrBadName is returned when a file name does not follow the artifact layout.
var ErrBadName = errors.New("not an artifact name")

// Name patterns of downloaded chunks, keyed by series and part.
var (
	DailyData      = regexp.MustCompile(`^(.+?)_(\d{8}T\d{6}UTC)_(\d{8}T\d{6}UTC)_data\.csv$`)
	DailyMetadata  = regexp.MustCompile(`^(.+?)_(\d{8}T\d{6}UTC)_(\d{8}T\d{6}UTC)_metadata\.csv$`)
	YearlyData     = regexp.MustCompile(`^(.+?)_(\d{4})_(\d{4})_data\.csv$`)
	YearlyMetadata = regexp.MustCompile(`^(.+?)_(\d{4})_(\d{4})_metadata\.csv$`)
)

var boundCleaner = strings.NewReplacer("-", "", ":", "")

// stationCleaner drops the bound separators too, so a station code never
// collides with the bound fields of a name.
var stationCleaner = strings.NewReplacer("/", "_", `\`, "_", "-", "", ":", "", string(rune(0)), "")

// Name returns the deterministic artifact name of one chunk.
func Name(station string, sr timerange.SubRange, part aemet.Part) string {
	return stationCleaner.Replace(station) + "_" +
		boundCleaner.Replace(sr.Start) + "_" +
		boundCleaner.Replace(sr.End) + "_" +
		string(part) + Ext
}

// StationsName returns the name of an all-stations chunk.
func StationsName(sr timerange.SubRange, part aemet.Part) string {
	return Name(StationsPrefix, sr, part)
}

// InventoryName returns the name of the station inventory file for part.
func InventoryName(part aemet.Part) string {
	if part == aemet.PartMetadata {
		return InventoryMetadata
	}
	return InventoryData
}

// Parsed is the decomposition of an artifact name.
type Parsed struct {
	Station string
	Start   string
	End     string
	Part    aemet.Part
	Daily   bool
}

// ParseName splits an artifact name into its components.
func ParseName(name string) (Parsed, error) {
	for _, p := range []struct {
		re    *regexp.Regexp
		part  aemet.Part
		daily bool
	}{
		{DailyData, aemet.PartData, true},
		{DailyMetadata, aemet.PartMetadata, true},
		{YearlyData, aemet.PartData, false},
		{YearlyMetadata, aemet.PartMetadata, false},
	} {
		if m := p.re.FindStringSubmatch(name); m != nil {
			return Parsed{Station: m[1], Start: m[2], End: m[3], Part: p.part, Daily: p.daily}, nil
		}
	}
	return Parsed{}, ErrBadName
}
