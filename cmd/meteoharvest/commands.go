package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meteoharvest/meteoharvest/internal/app"
	"github.com/meteoharvest/meteoharvest/internal/artifact"
	"github.com/meteoharvest/meteoharvest/internal/config"
	"github.com/meteoharvest/meteoharvest/internal/consolidate"
	"github.com/meteoharvest/meteoharvest/internal/download"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// downloadFlags are shared by the download commands.
type downloadFlags struct {
	stations  []string
	start     string
	end       string
	part      string
	outputDir string
	overwrite bool
	verbose   bool
	archive   bool
}

func (f *downloadFlags) register(cmd *cobra.Command, stations bool, partHelp string) {
	fl := cmd.Flags()
	if stations {
		fl.StringSliceVar(&f.stations, "stations", nil, "station identifiers (default from config)")
	}
	fl.StringVar(&f.start, "start", "", "first year (2020) or day (2020-01-31)")
	fl.StringVar(&f.end, "end", "", "last year or day")
	fl.StringVar(&f.part, "part", string(download.FetchData), partHelp)
	fl.StringVar(&f.outputDir, "output-dir", "", "artifact directory (default from config)")
	fl.BoolVar(&f.overwrite, "overwrite", false, "download again chunks already on disk")
	fl.BoolVar(&f.verbose, "verbose", false, "log the status of every request")
	fl.BoolVar(&f.archive, "archive", false, "upload the saved artifacts afterwards")
}

func (c *cli) resolve(f *downloadFlags) (dir string, start, end timerange.Bound, err error) {
	dir = f.outputDir
	if dir == "" {
		dir = c.cfg.Download.OutputDir
	}
	s, e := f.start, f.end
	if s == "" {
		s = c.cfg.Download.Start
	}
	if e == "" {
		e = c.cfg.Download.End
	}
	if s == "" || e == "" {
		return dir, start, end, fmt.Errorf("%w: --start and --end are required", download.ErrInvalidArgument)
	}
	if start, err = config.ParseBound(s); err != nil {
		return dir, start, end, err
	}
	if end, err = config.ParseBound(e); err != nil {
		return dir, start, end, err
	}
	return dir, start, end, nil
}

func (c *cli) stationCmd(use, short string, kind download.Kind) *cobra.Command {
	f := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			fk, err := download.ParseFetchKind(f.part)
			if err != nil {
				return err
			}
			dir, start, end, err := c.resolve(f)
			if err != nil {
				return err
			}
			stations := f.stations
			if len(stations) == 0 {
				stations = c.cfg.Download.Stations
			}
			a, err := c.application(ctx, false)
			if err != nil {
				return err
			}

			var results []*download.Result
			for _, part := range fk.Parts() {
				res, err := a.Orchestrator.Download(ctx, download.StationRequest{
					Stations:  stations,
					Start:     start,
					End:       end,
					Kind:      kind,
					Part:      part,
					OutputDir: dir,
					Resumable: !f.overwrite,
					Verbose:   f.verbose,
				})
				if err != nil {
					return err
				}
				app.Summary(c.out, res)
				results = append(results, res)
			}
			return c.archiveResults(ctx, f.archive, results...)
		},
	}
	f.register(cmd, true, "data, metadata or both")
	return cmd
}

func (c *cli) dailyCmd() *cobra.Command {
	return c.stationCmd("daily", "Download daily values of selected stations", download.KindDay)
}

func (c *cli) monthlyCmd() *cobra.Command {
	return c.stationCmd("monthly", "Download monthly and annual values of selected stations", download.KindMonth)
}

func (c *cli) allStationsCmd() *cobra.Command {
	f := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   "all-stations",
		Short: "Download daily values of every station",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			fk, err := download.ParseFetchKind(f.part)
			if err != nil {
				return err
			}
			dir, start, end, err := c.resolve(f)
			if err != nil {
				return err
			}
			a, err := c.application(ctx, false)
			if err != nil {
				return err
			}
			res, err := a.Orchestrator.FetchAllStations(ctx, download.AllStationsRequest{
				Start:     start,
				End:       end,
				FetchKind: fk,
				OutputDir: dir,
				Resumable: !f.overwrite,
				Verbose:   f.verbose,
			})
			if err != nil {
				return err
			}
			app.Summary(c.out, res)
			return c.archiveResults(ctx, f.archive, res)
		},
	}
	f.register(cmd, false, "data, metadata or both")
	return cmd
}

func (c *cli) stationsCmd() *cobra.Command {
	var part, dir string
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Download the station inventory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			fk, err := download.ParseFetchKind(part)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = c.cfg.Download.OutputDir
			}
			a, err := c.application(ctx, false)
			if err != nil {
				return err
			}
			for _, p := range fk.Parts() {
				res, err := a.Orchestrator.FetchInventory(ctx, dir, p)
				if err != nil {
					return err
				}
				app.Summary(c.out, res)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&part, "part", string(download.FetchBoth), "data, metadata or both")
	cmd.Flags().StringVar(&dir, "output-dir", "", "artifact directory (default from config)")
	return cmd
}

func (c *cli) archiveResults(ctx context.Context, enabled bool, results ...*download.Result) error {
	if !enabled {
		return nil
	}
	var files []string
	for _, res := range results {
		files = append(files, app.ArtifactPaths(res)...)
	}
	return c.upload(ctx, files)
}

func (c *cli) upload(ctx context.Context, files []string) error {
	a, err := c.application(ctx, true)
	if err != nil {
		return err
	}
	arch, err := a.Archiver()
	if err != nil {
		return err
	}
	res, err := arch.Archive(ctx, files)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "archived %d of %d\n", len(res.Uploaded), len(files))
	if res.Failed > 0 {
		return fmt.Errorf("%d files not archived", res.Failed)
	}
	return nil
}

// storeFlags select a consolidated file type.
type storeFlags struct {
	fileType string
	dir      string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.fileType, "file-type", string(consolidate.Station1Day),
		"stations_day, station1_day or station1_month")
	cmd.Flags().StringVar(&f.dir, "dir", "", "artifact directory (default from config)")
}

func (c *cli) resolveStore(f *storeFlags) (string, consolidate.FileType, error) {
	ft, err := consolidate.ParseFileType(f.fileType)
	if err != nil {
		return "", "", err
	}
	dir := f.dir
	if dir == "" {
		dir = c.cfg.Download.OutputDir
	}
	return dir, ft, nil
}

func (c *cli) consolidateCmd() *cobra.Command {
	f := &storeFlags{}
	var export, overwrite bool
	var exportPath string
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Load artifacts of one file type into a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir, ft, err := c.resolveStore(f)
			if err != nil {
				return err
			}
			a, err := c.application(ctx, true)
			if err != nil {
				return err
			}
			res, err := a.Consolidate(ctx, app.ConsolidateRequest{
				Dir:        dir,
				FileType:   ft,
				Export:     export || exportPath != "",
				ExportPath: exportPath,
				Overwrite:  overwrite,
			})
			if res != nil && res.Load != nil {
				for _, t := range res.Load.Tables {
					fmt.Fprintf(c.out, "%s: %d rows from %d files\n", t.Table, t.Inserted, t.Files)
				}
			}
			if err != nil {
				return err
			}
			if res.ExportPath != "" {
				fmt.Fprintf(c.out, "exported %s\n", res.ExportPath)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&export, "export", false, "export the data table to CSV afterwards")
	cmd.Flags().StringVar(&exportPath, "export-path", "", "export destination (implies --export)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing export")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	f := &storeFlags{}
	var path string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a consolidated data table to CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir, ft, err := c.resolveStore(f)
			if err != nil {
				return err
			}
			a, err := c.application(ctx, true)
			if err != nil {
				return err
			}
			out, err := a.Export(ctx, dir, ft, path, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "exported %s\n", out)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&path, "path", "", "destination (default: database path with .csv)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}

func (c *cli) decimalsCmd() *cobra.Command {
	f := &storeFlags{}
	var sep string
	cmd := &cobra.Command{
		Use:   "decimals",
		Short: "Rewrite the decimal separator of numeric columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir, ft, err := c.resolveStore(f)
			if err != nil {
				return err
			}
			a, err := c.application(ctx, true)
			if err != nil {
				return err
			}
			cols, err := a.NormalizeDecimals(ctx, dir, ft, sep)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%d columns updated\n", len(cols))
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&sep, "separator", ".", "new decimal separator, . or ,")
	return cmd
}

func (c *cli) archiveCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "archive [files...]",
		Short: "Compress artifacts and upload them to blob storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				if dir == "" {
					dir = c.cfg.Download.OutputDir
				}
				var err error
				if files, err = app.ArtifactFiles(dir); err != nil {
					return err
				}
			}
			return c.upload(cmd.Context(), files)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "archive every CSV of this directory when no files are given")
	return cmd
}

func (c *cli) concatCmd() *cobra.Command {
	var series, dir, output string
	var exclude []string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "concat [files...]",
		Short: "Merge data artifacts of one series into a single CSV",
		RunE: func(_ *cobra.Command, args []string) error {
			kind, err := download.ParseKind(series)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = c.cfg.Download.OutputDir
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("%w: %s", download.ErrOutputDir, dir)
			}
			opts := artifact.ConcatOptions{
				Pattern:   artifact.DailyData,
				Exclude:   exclude,
				Output:    output,
				Overwrite: overwrite,
			}
			if kind == download.KindMonth {
				opts.Pattern = artifact.YearlyData
			}
			if opts.Output == "" {
				opts.Output = artifact.ConcatName(string(kind))
			}
			for _, a := range args {
				opts.Files = append(opts.Files, filepath.Base(a))
			}

			res, err := artifact.Concatenate(dir, opts)
			if err != nil {
				return err
			}
			for _, m := range res.Missing {
				c.log.Warn().Str("file", m).Msg("file to concatenate not found")
			}
			fmt.Fprintf(c.out, "%s: %d rows from %d files\n", res.Path, res.Rows, len(res.Files))
			if len(res.Files) == 0 {
				return errors.New("no artifacts to concatenate")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&series, "series", string(download.KindDay), "day or month")
	cmd.Flags().StringVar(&dir, "dir", "", "artifact directory (default from config)")
	cmd.Flags().StringVar(&output, "output", "", "merged file name (default meteo_data_<series>.csv)")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "artifact names to leave out")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing merged file")
	return cmd
}
