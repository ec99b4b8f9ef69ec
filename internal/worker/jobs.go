package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/app"
	"github.com/meteoharvest/meteoharvest/internal/archive"
	"github.com/meteoharvest/meteoharvest/internal/download"
)

// Downloader runs download runs.
type Downloader interface {
	Download(ctx context.Context, req download.StationRequest) (*download.Result, error)
	FetchAllStations(ctx context.Context, req download.AllStationsRequest) (*download.Result, error)
	FetchInventory(ctx context.Context, dir string, part aemet.Part) (*download.Result, error)
}

// Consolidator loads artifacts into a store.
type Consolidator interface {
	Consolidate(ctx context.Context, req app.ConsolidateRequest) (*app.ConsolidateResult, error)
}

// Archiver uploads files.
type Archiver interface {
	Archive(ctx context.Context, files []string) (*archive.Result, error)
}

// RunnerConfig holds the collaborators of a Runner.
type RunnerConfig struct {
	Config       JobConfig
	Downloader   Downloader
	Consolidator Consolidator

	// Archiver is optional; archive jobs fail without it.
	Archiver Archiver

	Logger zerolog.Logger
}

// Runner executes job messages one at a time.
type Runner struct {
	config       JobConfig
	downloader   Downloader
	consolidator Consolidator
	archiver     Archiver
	logger       zerolog.Logger

	metrics *RunnerMetrics
}

// RunnerMetrics tracks job statistics.
type RunnerMetrics struct {
	mu sync.RWMutex

	Jobs      int64
	Succeeded int64
	Failed    int64
	Dropped   int64

	ArtifactsSaved  int64
	ArtifactsFailed int64

	LastJobType     JobType
	LastJobAt       time.Time
	LastJobDuration time.Duration
	TotalDuration   time.Duration
}

// NewRunner creates a job runner.
func NewRunner(cfg RunnerConfig) *Runner {
	jc := cfg.Config
	if jc.Timeout <= 0 {
		jc.Timeout = 2 * time.Hour
	}
	return &Runner{
		config:       jc,
		downloader:   cfg.Downloader,
		consolidator: cfg.Consolidator,
		archiver:     cfg.Archiver,
		logger:       cfg.Logger,
		metrics:      &RunnerMetrics{},
	}
}

// JobResult contains the result of one job.
type JobResult struct {
	JobType     JobType
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Downloads   []*download.Result
	Consolidate *app.ConsolidateResult
	Archive     *archive.Result
}

// Saved is the number of artifacts saved by the downloads of the job.
func (r *JobResult) Saved() int {
	n := 0
	for _, d := range r.Downloads {
		n += d.Saved
	}
	return n
}

// Failed is the number of sub-requests that ended in a logged failure.
func (r *JobResult) Failed() int {
	n := 0
	for _, d := range r.Downloads {
		n += d.Failed
	}
	return n
}

// Requested is the number of sub-requests of the job.
func (r *JobResult) Requested() int {
	n := 0
	for _, d := range r.Downloads {
		n += d.Requested
	}
	return n
}

// Dispatch decodes data and runs the job it describes. Undecodable or
// invalid messages fail with ErrInvalidJob.
func (r *Runner) Dispatch(ctx context.Context, data []byte) (*JobResult, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.drop()
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	res, err := r.Run(ctx, msg)
	if errors.Is(err, ErrInvalidJob) {
		r.drop()
	}
	return res, err
}

// Run executes one job. Download jobs fail when more sub-requests failed
// than ended otherwise, so redelivery retries them; resume skips what was
// already saved.
func (r *Runner) Run(ctx context.Context, msg JobMessage) (*JobResult, error) {
	start := time.Now()
	res := &JobResult{JobType: msg.JobType, StartTime: start}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	logger := r.logger.With().Str("job_type", string(msg.JobType)).Logger()
	logger.Info().Strs("stations", msg.Stations).Msg("starting job")

	err := r.run(ctx, msg, res)
	if err == nil && (msg.Archive || msg.JobType == JobArchive) {
		err = r.archive(ctx, msg, res)
	}

	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(start)
	if !errors.Is(err, ErrInvalidJob) {
		r.updateMetrics(res, err)
	}

	if err != nil {
		return res, err
	}
	logger.Info().
		Dur("duration", res.Duration).
		Int("requested", res.Requested()).
		Int("saved", res.Saved()).
		Int("failed", res.Failed()).
		Msg("job completed")
	return res, nil
}

func (r *Runner) run(ctx context.Context, msg JobMessage, res *JobResult) error {
	switch msg.JobType {
	case JobDaily, JobMonthly:
		kind := download.KindDay
		if msg.JobType == JobMonthly {
			kind = download.KindMonth
		}
		req, err := r.config.stationRequest(msg, kind)
		if err != nil {
			return err
		}
		return r.collect(res)(r.downloader.Download(ctx, req))

	case JobAllStations:
		req, err := r.config.allStationsRequest(msg)
		if err != nil {
			return err
		}
		return r.collect(res)(r.downloader.FetchAllStations(ctx, req))

	case JobInventory:
		parts := []aemet.Part{aemet.PartData, aemet.PartMetadata}
		if msg.Part != "" {
			p, err := aemet.ParsePart(msg.Part)
			if err != nil {
				return invalid("%v", err)
			}
			parts = []aemet.Part{p}
		}
		for _, p := range parts {
			if err := r.collect(res)(r.downloader.FetchInventory(ctx, r.config.OutputDir, p)); err != nil {
				return err
			}
		}
		return nil

	case JobConsolidate:
		ft, err := parseFileType(msg.FileType)
		if err != nil {
			return err
		}
		cres, err := r.consolidator.Consolidate(ctx, app.ConsolidateRequest{
			Dir:       r.config.OutputDir,
			FileType:  ft,
			Export:    msg.Export,
			Overwrite: msg.Overwrite,
		})
		res.Consolidate = cres
		return err

	case JobArchive:
		return nil

	case JobHealthCheck:
		r.logger.Debug().Msg("health check passed")
		return nil

	default:
		return invalid("unknown job type %q", msg.JobType)
	}
}

// collect records a download result and turns local failures into a job
// failure when they dominate.
func (r *Runner) collect(res *JobResult) func(*download.Result, error) error {
	return func(d *download.Result, err error) error {
		if err != nil {
			if errors.Is(err, download.ErrInvalidArgument) {
				return fmt.Errorf("%w: %w", ErrInvalidJob, err)
			}
			return err
		}
		res.Downloads = append(res.Downloads, d)
		if d.Canceled {
			return fmt.Errorf("run %s canceled", d.RunID)
		}
		if d.Failed > d.Requested-d.Failed {
			return fmt.Errorf("too many download failures: %d/%d", d.Failed, d.Requested)
		}
		return nil
	}
}

func (r *Runner) archive(ctx context.Context, msg JobMessage, res *JobResult) error {
	if r.archiver == nil {
		return errors.New("archive requested but no archiver configured")
	}
	var files []string
	if msg.JobType == JobArchive {
		var err error
		if files, err = app.ArtifactFiles(r.config.OutputDir); err != nil {
			return err
		}
	} else {
		for _, d := range res.Downloads {
			files = append(files, app.ArtifactPaths(d)...)
		}
	}
	ares, err := r.archiver.Archive(ctx, files)
	res.Archive = ares
	if err != nil {
		return err
	}
	if ares.Failed > 0 {
		return fmt.Errorf("archive failures: %d/%d", ares.Failed, len(files))
	}
	return nil
}

func (r *Runner) drop() {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	r.metrics.Dropped++
}

func (r *Runner) updateMetrics(res *JobResult, err error) {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()

	r.metrics.Jobs++
	if err != nil {
		r.metrics.Failed++
	} else {
		r.metrics.Succeeded++
	}
	r.metrics.ArtifactsSaved += int64(res.Saved())
	r.metrics.ArtifactsFailed += int64(res.Failed())
	r.metrics.LastJobType = res.JobType
	r.metrics.LastJobAt = res.EndTime
	r.metrics.LastJobDuration = res.Duration
	r.metrics.TotalDuration += res.Duration
}

// GetMetrics returns a copy of the current metrics.
func (r *Runner) GetMetrics() RunnerMetrics {
	r.metrics.mu.RLock()
	defer r.metrics.mu.RUnlock()

	return RunnerMetrics{
		Jobs:            r.metrics.Jobs,
		Succeeded:       r.metrics.Succeeded,
		Failed:          r.metrics.Failed,
		Dropped:         r.metrics.Dropped,
		ArtifactsSaved:  r.metrics.ArtifactsSaved,
		ArtifactsFailed: r.metrics.ArtifactsFailed,
		LastJobType:     r.metrics.LastJobType,
		LastJobAt:       r.metrics.LastJobAt,
		LastJobDuration: r.metrics.LastJobDuration,
		TotalDuration:   r.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (r *Runner) MetricsSnapshot() map[string]any {
	m := r.GetMetrics()
	return map[string]any{
		"jobs":              m.Jobs,
		"succeeded":         m.Succeeded,
		"failed":            m.Failed,
		"dropped":           m.Dropped,
		"artifacts_saved":   m.ArtifactsSaved,
		"artifacts_failed":  m.ArtifactsFailed,
		"last_job_type":     string(m.LastJobType),
		"last_job_at":       m.LastJobAt,
		"last_job_duration": m.LastJobDuration.String(),
		"total_duration":    m.TotalDuration.String(),
	}
}
