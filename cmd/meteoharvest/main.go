// Command meteoharvest downloads AEMET climatological series and
// consolidates them into queryable tables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meteoharvest/meteoharvest/internal/app"
	"github.com/meteoharvest/meteoharvest/internal/config"
	"github.com/meteoharvest/meteoharvest/internal/logging"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], app.Options{}); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, config.ErrFatalConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// cli carries the state shared by subcommands.
type cli struct {
	out   io.Writer
	hooks app.Options

	configPath string
	logLevel   string
	logFile    string
	logJSON    bool

	cfg      *config.Config
	log      zerolog.Logger
	logClose io.Closer
	app      *app.App
}

// run executes one command line and releases what it opened, whether the
// command failed or not.
func run(ctx context.Context, out, errOut io.Writer, args []string, hooks app.Options) error {
	root, c := newRootCmd(out, hooks)
	root.SetErr(errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, c.teardown(ctx))
}

func newRootCmd(out io.Writer, hooks app.Options) (*cobra.Command, *cli) {
	c := &cli{out: out, hooks: hooks, log: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "meteoharvest",
		Short:         "Resumable downloader for AEMET OpenData climatological series",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&c.logFile, "log-file", "", "append diagnostic log lines to this file")
	pf.BoolVar(&c.logJSON, "log-json", false, "write JSON log lines to stderr")

	root.AddCommand(
		c.stationsCmd(),
		c.dailyCmd(),
		c.monthlyCmd(),
		c.allStationsCmd(),
		c.consolidateCmd(),
		c.exportCmd(),
		c.decimalsCmd(),
		c.archiveCmd(),
		c.concatCmd(),
	)
	return root, c
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFile != "" {
		cfg.Logging.File = c.logFile
	}
	if c.logJSON {
		cfg.Logging.JSON = true
	}
	c.cfg = cfg

	log, closer, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		JSON:    cfg.Logging.JSON,
		Out:     cmd.ErrOrStderr(),
		Service: app.ServiceName,
		Version: Version,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrFatalConfiguration, err)
	}
	c.log = log
	c.logClose = closer

	c.log.Debug().
		Str("command", cmd.Name()).
		Str("build_time", BuildTime).
		Str("store", cfg.Store.Driver).
		Msg("starting")
	return nil
}

func (c *cli) teardown(ctx context.Context) error {
	var errs []error
	if c.app != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		errs = append(errs, c.app.Close(shutdownCtx))
	}
	if c.logClose != nil {
		errs = append(errs, c.logClose.Close())
	}
	c.app, c.logClose = nil, nil
	return errors.Join(errs...)
}

// application builds the App once. Offline apps skip the API client.
func (c *cli) application(ctx context.Context, offline bool) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	opts := c.hooks
	opts.Version = Version
	opts.Logger = c.log
	opts.Offline = offline
	a, err := app.New(ctx, c.cfg, opts)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}
