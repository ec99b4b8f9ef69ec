// Package app wires configuration into the downloader, the consolidation
// stores and the archiver. The CLI and the worker both build one App.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/archive"
	"github.com/meteoharvest/meteoharvest/internal/artifact"
	"github.com/meteoharvest/meteoharvest/internal/config"
	"github.com/meteoharvest/meteoharvest/internal/consolidate"
	"github.com/meteoharvest/meteoharvest/internal/database"
	"github.com/meteoharvest/meteoharvest/internal/download"
	"github.com/meteoharvest/meteoharvest/internal/provider/resilience"
	"github.com/meteoharvest/meteoharvest/internal/telemetry"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// ServiceName identifies the process in logs and telemetry.
const ServiceName = "meteoharvest"

// ErrArchiveNotConfigured is returned when no storage connection is set.
var ErrArchiveNotConfigured = errors.New("archive storage not configured")

// Options holds what New needs besides the configuration.
type Options struct {
	Version string
	Logger  zerolog.Logger

	// Fetcher replaces the AEMET client; used by tests.
	Fetcher download.Fetcher

	// Uploader replaces the Azure uploader; used by tests.
	Uploader archive.Uploader

	// Offline skips the AEMET client. Orchestrator is nil and no API key
	// is needed.
	Offline bool
}

// App holds the long-lived collaborators of a process.
type App struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Orchestrator *download.Orchestrator
	Telemetry    *telemetry.Provider

	uploader archive.Uploader

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// New builds an App. A missing API key is fatal unless a Fetcher is given
// or the App is offline.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    ServiceName,
		ServiceVersion: opts.Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Enabled:        cfg.Telemetry.Enabled,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		opts.Logger.Warn().Err(err).Msg("telemetry disabled")
		tp = &telemetry.Provider{Tracer: telemetry.Tracer(ServiceName), Meter: telemetry.Meter(ServiceName)}
	}
	metrics, err := telemetry.NewDownloadMetrics(tp.Meter)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    opts.Logger,
		Telemetry: tp,
		uploader:  opts.Uploader,
	}
	if opts.Offline {
		return a, nil
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		key, err := cfg.APIKey()
		if err != nil {
			return nil, err
		}
		rc := cfg.ClientConfig()
		rc.Logger = opts.Logger
		fetcher = aemet.NewClient(aemet.ClientConfig{
			APIKey:     key,
			BaseURL:    cfg.AEMET.BaseURL,
			HTTPClient: resilience.NewClient(rc),
			Logger:     opts.Logger,
		})
	}

	a.Orchestrator = download.NewOrchestrator(download.Config{
		Fetcher:     fetcher,
		Partitioner: timerange.NewPartitioner(timerange.Config{Logger: opts.Logger}),
		QuietWindow: cfg.Download.QuietWindow,
		Metrics:     metrics,
		Tracer:      tp.Tracer,
		Logger:      opts.Logger,
	})

	return a, nil
}

// Close releases the database pool and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	a.mu.Unlock()
	return a.Telemetry.Shutdown(ctx)
}

// OpenStore opens the consolidation store of ft. SQLite stores live in dir;
// PostgreSQL stores share one pool for the life of the App.
func (a *App) OpenStore(ctx context.Context, dir string, ft consolidate.FileType) (consolidate.Store, error) {
	switch a.Config.Store.Driver {
	case config.DriverPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return consolidate.NewPostgresStore(pool, ft.DBBase()), nil
	default:
		return consolidate.OpenSQLite(ctx, consolidate.DefaultDBPath(dir, ft))
	}
}

func (a *App) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := database.Connect(ctx, a.Config.Store.Postgres)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	return pool, nil
}

// ConsolidateRequest describes one consolidation.
type ConsolidateRequest struct {
	Dir      string
	FileType consolidate.FileType

	// Export dumps the data table after loading.
	Export     bool
	ExportPath string
	Overwrite  bool
}

// ConsolidateResult is the outcome of Consolidate.
type ConsolidateResult struct {
	Load       *consolidate.LoadResult
	ExportPath string
}

// Consolidate loads the artifacts of req.FileType and optionally exports
// the data table.
func (a *App) Consolidate(ctx context.Context, req ConsolidateRequest) (*ConsolidateResult, error) {
	sink, closeStore, err := a.sink(ctx, req.Dir, req.FileType)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	load, err := sink.Load(ctx)
	if err != nil {
		return nil, err
	}
	res := &ConsolidateResult{Load: load}
	if req.Export {
		res.ExportPath, err = sink.Export(ctx, req.ExportPath, req.Overwrite)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// Export dumps an already consolidated data table.
func (a *App) Export(ctx context.Context, dir string, ft consolidate.FileType, path string, overwrite bool) (string, error) {
	sink, closeStore, err := a.sink(ctx, dir, ft)
	if err != nil {
		return "", err
	}
	defer closeStore()
	return sink.Export(ctx, path, overwrite)
}

// NormalizeDecimals rewrites the decimal separator of a consolidated table.
func (a *App) NormalizeDecimals(ctx context.Context, dir string, ft consolidate.FileType, sep string) ([]string, error) {
	sink, closeStore, err := a.sink(ctx, dir, ft)
	if err != nil {
		return nil, err
	}
	defer closeStore()
	return sink.NormalizeDecimals(ctx, sep)
}

func (a *App) sink(ctx context.Context, dir string, ft consolidate.FileType) (*consolidate.Sink, func(), error) {
	if _, err := consolidate.ParseFileType(string(ft)); err != nil {
		return nil, nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s", consolidate.ErrNoDirectory, dir)
	}
	store, err := a.OpenStore(ctx, dir, ft)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("closing store")
		}
	}
	sink, err := consolidate.NewSink(consolidate.Config{
		Dir:      dir,
		FileType: ft,
		Store:    store,
		Logger:   a.Logger,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return sink, closeStore, nil
}

// Archiver returns an archiver for the configured container.
func (a *App) Archiver() (*archive.Archiver, error) {
	up := a.uploader
	if up == nil {
		if a.Config.Archive.ConnectionString == "" {
			return nil, ErrArchiveNotConfigured
		}
		azure, err := archive.NewAzureUploader(a.Config.Archive.ConnectionString)
		if err != nil {
			return nil, err
		}
		up = azure
	}
	return archive.NewArchiver(archive.Config{
		Uploader:  up,
		Container: a.Config.Archive.Container,
		Prefix:    a.Config.Archive.Prefix,
		Level:     a.Config.Archive.Level,
		Logger:    a.Logger,
	})
}

// ArtifactFiles lists the CSV files in dir, sorted.
func ArtifactFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+artifact.Ext))
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// ArtifactPaths returns the paths of the artifacts saved by a run.
func ArtifactPaths(res *download.Result) []string {
	if res == nil {
		return nil
	}
	paths := make([]string, 0, len(res.Artifacts))
	for _, art := range res.Artifacts {
		paths = append(paths, art.Path)
	}
	return paths
}

// Summary prints the closing line of a download run.
func Summary(w io.Writer, res *download.Result) {
	fmt.Fprintf(w, "artifacts produced %d of %d\n", res.Saved, res.Requested)
}
