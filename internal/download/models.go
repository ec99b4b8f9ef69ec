// Package download drives resumable AEMET downloads: it walks stations and
// sub-ranges, skips chunks already on disk, fetches the rest and persists
// each non-empty answer as a CSV artifact.
package download

import (
	"errors"
	"fmt"
	"time"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/artifact"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// Precondition errors. Both are raised before any request is made.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutputDir       = errors.New("output directory does not exist")
)

// Kind is the climatological series of a run.
type Kind string

const (
	KindDay   Kind = "day"
	KindMonth Kind = "month"
)

// ParseKind validates a series name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDay, KindMonth:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: kind %q not in day, month", ErrInvalidArgument, s)
	}
}

// FetchKind selects the parts requested from the all-stations endpoint.
type FetchKind string

const (
	FetchData     FetchKind = "data"
	FetchMetadata FetchKind = "metadata"
	FetchBoth     FetchKind = "both"
)

// ParseFetchKind validates a fetch kind name.
func ParseFetchKind(s string) (FetchKind, error) {
	switch FetchKind(s) {
	case FetchData, FetchMetadata, FetchBoth:
		return FetchKind(s), nil
	default:
		return "", fmt.Errorf("%w: fetch kind %q not in data, metadata, both", ErrInvalidArgument, s)
	}
}

// Parts lists the parts fetched, data first.
func (k FetchKind) Parts() []aemet.Part {
	switch k {
	case FetchData:
		return []aemet.Part{aemet.PartData}
	case FetchMetadata:
		return []aemet.Part{aemet.PartMetadata}
	case FetchBoth:
		return []aemet.Part{aemet.PartData, aemet.PartMetadata}
	default:
		return nil
	}
}

// State is the lifecycle position of one sub-request.
type State int

const (
	StatePending State = iota
	StateSkippedExisting
	StateFetching
	StateSaved
	StateSkippedEmpty
	StateLoggedFailure
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSkippedExisting:
		return "skipped_existing"
	case StateFetching:
		return "fetching"
	case StateSaved:
		return "saved"
	case StateSkippedEmpty:
		return "skipped_empty"
	case StateLoggedFailure:
		return "logged_failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSkippedExisting || s == StateSaved || s == StateSkippedEmpty || s == StateLoggedFailure
}

// Unit is one sub-request: a station, a sub-range and a part.
type Unit struct {
	Station  string
	SubRange timerange.SubRange
	Part     aemet.Part
	Name     string
	State    State

	Outcome     aemet.OutcomeKind
	StatusCode  int
	Reason      string
	Description string
	Error       string
	Rows        int

	// Transient marks a failure worth retrying in a later run.
	Transient bool
}

// RunRequest is a station download over pre-computed sub-ranges.
type RunRequest struct {
	Stations  []string
	SubRanges []timerange.SubRange
	Kind      Kind
	Part      aemet.Part
	OutputDir string
	Resumable bool
	Verbose   bool
}

// StationRequest is a station download over an interval.
type StationRequest struct {
	Stations  []string
	Start     timerange.Bound
	End       timerange.Bound
	Kind      Kind
	Part      aemet.Part
	OutputDir string
	Resumable bool
	Verbose   bool
}

// AllStationsRequest is a daily download of every station at once.
type AllStationsRequest struct {
	Start     timerange.Bound
	End       timerange.Bound
	FetchKind FetchKind
	OutputDir string
	Resumable bool
	Verbose   bool
}

// Result summarizes a finished run.
type Result struct {
	RunID     string
	Kind      string
	Requested int
	Saved     int

	SkippedExisting int
	SkippedEmpty    int
	Failed          int

	Artifacts []artifact.Artifact
	Units     []Unit

	StartedAt time.Time
	Duration  time.Duration

	// Canceled is set when the context ended the run early.
	Canceled bool
}

// Names returns the artifact names saved by the run.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		names = append(names, a.Name)
	}
	return names
}
