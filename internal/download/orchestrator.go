package download

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/artifact"
	"github.com/meteoharvest/meteoharvest/internal/schema"
	"github.com/meteoharvest/meteoharvest/internal/telemetry"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// Fetcher runs the two-hop retrieval of one endpoint path.
type Fetcher interface {
	Fetch(ctx context.Context, path string, part aemet.Part) aemet.Outcome
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	// Fetcher performs the requests (required).
	Fetcher Fetcher

	// Partitioner splits intervals. If nil, one with defaults is built.
	Partitioner *timerange.Partitioner

	// QuietWindow spaces status lines of non-verbose runs.
	// Default: DefaultQuietWindow
	QuietWindow time.Duration

	// Now is the clock of the status throttle.
	Now func() time.Time

	Metrics *telemetry.DownloadMetrics
	Tracer  trace.Tracer
	Logger  zerolog.Logger
}

// Orchestrator runs downloads sequentially. It is safe to call from several
// goroutines, but runs do not overlap in practice: the worker takes one job
// at a time and the CLI one command.
type Orchestrator struct {
	fetcher     Fetcher
	partitioner *timerange.Partitioner
	quietWindow time.Duration
	now         func() time.Time
	metrics     *telemetry.DownloadMetrics
	tracer      trace.Tracer
	logger      zerolog.Logger

	mu   sync.RWMutex
	last *Result
}

// NewOrchestrator creates a new download orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	p := cfg.Partitioner
	if p == nil {
		p = timerange.NewPartitioner(timerange.Config{Logger: cfg.Logger})
	}
	window := cfg.QuietWindow
	if window <= 0 {
		window = DefaultQuietWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("meteoharvest/download")
	}

	return &Orchestrator{
		fetcher:     cfg.Fetcher,
		partitioner: p,
		quietWindow: window,
		now:         now,
		metrics:     cfg.Metrics,
		tracer:      tracer,
		logger:      cfg.Logger,
	}
}

// LastResult returns the summary of the most recent finished run, or nil.
func (o *Orchestrator) LastResult() *Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Download partitions the interval of req by its kind and runs it.
func (o *Orchestrator) Download(ctx context.Context, req StationRequest) (*Result, error) {
	var (
		ranges []timerange.SubRange
		err    error
	)
	switch req.Kind {
	case KindDay:
		ranges, err = o.partitioner.Daily(req.Start, req.End, false)
	case KindMonth:
		ranges, err = o.partitioner.Yearly(req.Start, req.End)
	default:
		return nil, fmt.Errorf("%w: kind %q not in day, month", ErrInvalidArgument, req.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: partitioning interval: %w", ErrInvalidArgument, err)
	}

	return o.Run(ctx, RunRequest{
		Stations:  req.Stations,
		SubRanges: ranges,
		Kind:      req.Kind,
		Part:      req.Part,
		OutputDir: req.OutputDir,
		Resumable: req.Resumable,
		Verbose:   req.Verbose,
	})
}

// Run downloads every station over every sub-range. Per request failures
// are logged and counted; they never stop the loop.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if req.Kind != KindDay && req.Kind != KindMonth {
		return nil, fmt.Errorf("%w: kind %q not in day, month", ErrInvalidArgument, req.Kind)
	}
	if req.Part == "" {
		req.Part = aemet.PartData
	}
	if _, err := aemet.ParsePart(string(req.Part)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	run, err := o.begin(string(req.Kind), req.OutputDir, req.Resumable, req.Verbose)
	if err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "download.run", trace.WithAttributes(
		attribute.String("run_id", run.result.RunID),
		attribute.String("kind", string(req.Kind)),
		attribute.Int("stations", len(req.Stations)),
		attribute.Int("sub_ranges", len(req.SubRanges)),
	))
	defer span.End()

	daily := req.Kind == KindDay
	metadata := req.Part == aemet.PartMetadata

stations:
	for _, station := range req.Stations {
		if !req.Verbose {
			run.logger.Info().Str("station", station).Msg("entered station")
		}

		for i, sr := range req.SubRanges {
			// Metadata does not depend on the range: one request per station.
			if metadata && i > 0 {
				break
			}
			if ctx.Err() != nil {
				run.result.Canceled = true
				break stations
			}

			u := Unit{
				Station:  station,
				SubRange: sr,
				Part:     req.Part,
				Name:     artifact.Name(station, sr, req.Part),
			}
			if run.resume.Has(u.Name) || (metadata && run.resume.HasMetadata(station, daily)) {
				run.skip(ctx, &u)
				continue
			}

			path := aemet.MonthlyPath(sr, station)
			if daily {
				path = aemet.DailyPath(sr, station)
			}
			o.fetch(ctx, run, &u, path)
		}
	}

	return o.finish(ctx, run, span), nil
}

// FetchAllStations downloads the daily series of every station through the
// all-stations endpoint, one or two artifacts per sub-range.
func (o *Orchestrator) FetchAllStations(ctx context.Context, req AllStationsRequest) (*Result, error) {
	if req.FetchKind == "" {
		req.FetchKind = FetchData
	}
	if _, err := ParseFetchKind(string(req.FetchKind)); err != nil {
		return nil, err
	}
	ranges, err := o.partitioner.Daily(req.Start, req.End, true)
	if err != nil {
		return nil, fmt.Errorf("%w: partitioning interval: %w", ErrInvalidArgument, err)
	}

	run, err := o.begin("all_stations", req.OutputDir, req.Resumable, req.Verbose)
	if err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "download.all_stations", trace.WithAttributes(
		attribute.String("run_id", run.result.RunID),
		attribute.String("fetch_kind", string(req.FetchKind)),
		attribute.Int("sub_ranges", len(ranges)),
	))
	defer span.End()

	if !req.Verbose {
		run.logger.Info().Str("station", artifact.StationsPrefix).Msg("entered station")
	}

loop:
	for _, sr := range ranges {
		for _, part := range req.FetchKind.Parts() {
			if ctx.Err() != nil {
				run.result.Canceled = true
				break loop
			}
			u := Unit{
				Station:  artifact.StationsPrefix,
				SubRange: sr,
				Part:     part,
				Name:     artifact.StationsName(sr, part),
			}
			if run.resume.Has(u.Name) {
				run.skip(ctx, &u)
				continue
			}
			o.fetch(ctx, run, &u, aemet.DailyAllStationsPath(sr))
		}
	}

	return o.finish(ctx, run, span), nil
}

// FetchInventory downloads the station inventory part into dir.
func (o *Orchestrator) FetchInventory(ctx context.Context, dir string, part aemet.Part) (*Result, error) {
	if _, err := aemet.ParsePart(string(part)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	run, err := o.begin("inventory", dir, false, true)
	if err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "download.inventory", trace.WithAttributes(
		attribute.String("run_id", run.result.RunID),
		attribute.String("part", string(part)),
	))
	defer span.End()

	u := Unit{Station: "inventory", Part: part, Name: artifact.InventoryName(part)}
	o.fetch(ctx, run, &u, aemet.InventoryPath)

	return o.finish(ctx, run, span), nil
}

// runState is everything one run keeps between units.
type runState struct {
	kind     string
	dir      string
	verbose  bool
	resume   *artifact.ResumeSet
	throttle *statusThrottle
	logger   zerolog.Logger
	metrics  *telemetry.DownloadMetrics
	result   *Result
}

func (o *Orchestrator) begin(kind, dir string, resumable, verbose bool) (*runState, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrOutputDir, dir)
	}

	runID := uuid.NewString()
	run := &runState{
		kind:     kind,
		dir:      dir,
		verbose:  verbose,
		throttle: newStatusThrottle(o.quietWindow, o.now),
		logger:   o.logger.With().Str("run_id", runID).Str("kind", kind).Logger(),
		metrics:  o.metrics,
		result: &Result{
			RunID:     runID,
			Kind:      kind,
			StartedAt: time.Now(),
		},
	}

	if resumable {
		rs, err := artifact.LoadResumeSet(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutputDir, err)
		}
		run.resume = rs
	}

	run.logger.Info().
		Str("output_dir", dir).
		Bool("resumable", resumable).
		Int("existing_artifacts", run.resume.Len()).
		Msg("starting download run")

	return run, nil
}

func (r *runState) skip(ctx context.Context, u *Unit) {
	u.State = StateSkippedExisting
	r.result.Requested++
	r.result.SkippedExisting++
	r.result.Units = append(r.result.Units, *u)
	r.metrics.Request(ctx, r.kind)
	r.metrics.Outcome(ctx, r.kind, u.State.String(), 0)

	r.logger.Info().
		Str("station", u.Station).
		Str("artifact", u.Name).
		Msg("previously downloaded")
}

func (o *Orchestrator) fetch(ctx context.Context, run *runState, u *Unit, path string) {
	u.State = StateFetching
	run.result.Requested++
	run.metrics.Request(ctx, run.kind)

	started := time.Now()
	out := o.fetcher.Fetch(ctx, path, u.Part)
	elapsed := time.Since(started)

	u.Outcome = out.Kind
	u.StatusCode = out.StatusCode
	u.Reason = out.Reason
	u.Description = out.Description

	switch out.Kind {
	case aemet.OutcomeSuccess:
		o.save(ctx, run, u, out.Payload)
	case aemet.OutcomeEmpty:
		u.State = StateSkippedEmpty
		run.result.SkippedEmpty++
	default:
		u.State = StateLoggedFailure
		u.Transient = aemet.IsTransient(out)
		if out.Err != nil {
			u.Error = out.Err.Error()
		}
		run.result.Failed++
	}

	run.metrics.Outcome(ctx, run.kind, u.State.String(), elapsed)
	run.logStatus(u, elapsed)
	run.result.Units = append(run.result.Units, *u)
}

func (o *Orchestrator) save(ctx context.Context, run *runState, u *Unit, payload any) {
	table, err := schema.Unify(payload)
	if err != nil {
		u.State = StateLoggedFailure
		u.Outcome = aemet.OutcomeProtocolViolation
		u.Error = err.Error()
		run.result.Failed++
		return
	}
	if table.Len() == 0 {
		u.State = StateSkippedEmpty
		run.result.SkippedEmpty++
		return
	}

	path, err := artifact.WriteCSV(run.dir, u.Name, table)
	if err != nil {
		u.State = StateLoggedFailure
		u.Error = err.Error()
		run.result.Failed++
		return
	}

	u.State = StateSaved
	u.Rows = table.Len()
	run.resume.Add(u.Name)
	run.result.Saved++
	run.result.Artifacts = append(run.result.Artifacts, artifact.Artifact{
		Name:     u.Name,
		Path:     path,
		Station:  u.Station,
		SubRange: u.SubRange,
		Part:     u.Part,
		Rows:     u.Rows,
	})
	run.metrics.Rows(ctx, run.kind, u.Rows)
}

// logStatus writes the one-line status of a fetched unit. Quiet runs only
// let one line through per window; suppressed hard failures still reach the
// debug level.
func (r *runState) logStatus(u *Unit, elapsed time.Duration) {
	if !r.verbose && !r.throttle.allow() {
		if u.State == StateLoggedFailure && !u.Transient {
			r.logger.Debug().
				Str("station", u.Station).
				Str("start", u.SubRange.Start).
				Str("end", u.SubRange.End).
				Str("error", u.Error).
				Msg("request failed")
		}
		return
	}

	ev := r.logger.Info()
	if u.State == StateLoggedFailure {
		ev = r.logger.Warn()
	}
	ev.Str("station", u.Station).
		Str("start", u.SubRange.Start).
		Str("end", u.SubRange.End).
		Str("part", string(u.Part)).
		Int("status", u.StatusCode).
		Str("reason", u.Reason).
		Str("description", u.Description).
		Str("state", u.State.String()).
		Dur("elapsed", elapsed)
	if u.Error != "" {
		ev.Str("error", u.Error).Bool("transient", u.Transient)
	}
	ev.Msg("request status")
}

func (o *Orchestrator) finish(ctx context.Context, run *runState, span trace.Span) *Result {
	res := run.result
	res.Duration = time.Since(res.StartedAt)

	span.SetAttributes(
		attribute.Int("requested", res.Requested),
		attribute.Int("saved", res.Saved),
		attribute.Int("failed", res.Failed),
	)
	if res.Canceled {
		span.SetStatus(codes.Error, "canceled")
	}
	// The span context may be done already; metrics still need a live one.
	o.metrics.Run(context.WithoutCancel(ctx), run.kind, res.Duration)

	run.logger.Info().
		Int("saved", res.Saved).
		Int("requested", res.Requested).
		Int("skipped_existing", res.SkippedExisting).
		Int("skipped_empty", res.SkippedEmpty).
		Int("failed", res.Failed).
		Bool("canceled", res.Canceled).
		Dur("duration", res.Duration).
		Msgf("artifacts produced %d of %d", res.Saved, res.Requested)

	o.mu.Lock()
	o.last = res
	o.mu.Unlock()

	return res
}
