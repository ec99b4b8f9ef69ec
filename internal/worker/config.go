// Package worker runs download, consolidation and archive jobs received
// from Pub/Sub.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/config"
	"github.com/meteoharvest/meteoharvest/internal/consolidate"
	"github.com/meteoharvest/meteoharvest/internal/download"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// ErrInvalidJob marks messages that can never succeed. They are acked and
// dropped instead of redelivered.
var ErrInvalidJob = errors.New("invalid job")

// JobType names the work a message asks for.
type JobType string

const (
	JobDaily       JobType = "daily"
	JobMonthly     JobType = "monthly"
	JobAllStations JobType = "all_stations"
	JobInventory   JobType = "inventory"
	JobConsolidate JobType = "consolidate"
	JobArchive     JobType = "archive"
	JobHealthCheck JobType = "health_check"
)

// JobMessage is the JSON body of a job message. Empty fields fall back to
// the JobConfig defaults.
type JobMessage struct {
	JobType  JobType  `json:"job_type"`
	Stations []string `json:"stations,omitempty"`
	Start    string   `json:"start,omitempty"`
	End      string   `json:"end,omitempty"`

	// Part is data or metadata for station jobs and the inventory.
	Part string `json:"part,omitempty"`

	// Fetch is data, metadata or both for all-stations jobs.
	Fetch string `json:"fetch,omitempty"`

	// FileType selects what a consolidate job loads.
	FileType string `json:"file_type,omitempty"`
	Export   bool   `json:"export,omitempty"`

	// Overwrite disables resume for downloads and replaces exports.
	Overwrite bool `json:"overwrite,omitempty"`
	Verbose   bool `json:"verbose,omitempty"`

	// Archive uploads the artifacts saved by a download job.
	Archive bool `json:"archive,omitempty"`
}

// JobConfig holds the defaults applied to job messages.
type JobConfig struct {
	// OutputDir is where artifacts are written and read (required).
	OutputDir string

	// Stations are used when a station job lists none.
	Stations []string

	// Start and End are used when a message gives no interval.
	Start string
	End   string

	// Timeout bounds one job.
	// Default: 2 hours
	Timeout time.Duration
}

// DefaultJobConfig returns the job defaults of a configuration.
func DefaultJobConfig(cfg *config.Config) JobConfig {
	return JobConfig{
		OutputDir: cfg.Download.OutputDir,
		Stations:  cfg.Download.Stations,
		Start:     cfg.Download.Start,
		End:       cfg.Download.End,
		Timeout:   2 * time.Hour,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...))
}

// stationRequest builds the download request of a daily or monthly job.
func (c JobConfig) stationRequest(msg JobMessage, kind download.Kind) (download.StationRequest, error) {
	req := download.StationRequest{
		Stations:  msg.Stations,
		Kind:      kind,
		Part:      aemet.PartData,
		OutputDir: c.OutputDir,
		Resumable: !msg.Overwrite,
		Verbose:   msg.Verbose,
	}
	if len(req.Stations) == 0 {
		req.Stations = c.Stations
	}
	if len(req.Stations) == 0 {
		return req, invalid("no stations")
	}
	if msg.Part != "" {
		p, err := aemet.ParsePart(msg.Part)
		if err != nil {
			return req, invalid("%v", err)
		}
		req.Part = p
	}
	var err error
	if req.Start, req.End, err = c.interval(msg); err != nil {
		return req, err
	}
	return req, nil
}

func (c JobConfig) allStationsRequest(msg JobMessage) (download.AllStationsRequest, error) {
	req := download.AllStationsRequest{
		FetchKind: download.FetchData,
		OutputDir: c.OutputDir,
		Resumable: !msg.Overwrite,
		Verbose:   msg.Verbose,
	}
	if msg.Fetch != "" {
		fk, err := download.ParseFetchKind(msg.Fetch)
		if err != nil {
			return req, invalid("%v", err)
		}
		req.FetchKind = fk
	}
	var err error
	if req.Start, req.End, err = c.interval(msg); err != nil {
		return req, err
	}
	return req, nil
}

func (c JobConfig) interval(msg JobMessage) (start, end timerange.Bound, err error) {
	s, e := msg.Start, msg.End
	if s == "" {
		s = c.Start
	}
	if e == "" {
		e = c.End
	}
	if s == "" || e == "" {
		return start, end, invalid("no interval")
	}
	if start, err = config.ParseBound(s); err != nil {
		return start, end, invalid("%v", err)
	}
	if end, err = config.ParseBound(e); err != nil {
		return start, end, invalid("%v", err)
	}
	return start, end, nil
}

func parseFileType(s string) (consolidate.FileType, error) {
	ft, err := consolidate.ParseFileType(s)
	if err != nil {
		return "", invalid("%v", err)
	}
	return ft, nil
}
