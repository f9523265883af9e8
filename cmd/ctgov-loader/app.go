package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/config"
	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
	"github.com/ajitpratap0/ctgov-loader/pkg/observability"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
)

// app carries state shared by every command of one invocation.
type app struct {
	configPath  string
	logLevel    string
	logEncoding string

	cfg      *config.Config
	shutdown observability.ShutdownFunc
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.shutdown != nil {
		if serr := a.shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("tracer_shutdown_failed", zap.Error(serr))
		}
	}
	_ = logger.Sync()

	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ctgov-loader",
		Short: "Load ClinicalTrials.gov studies into a relational database",
		Long: `ctgov-loader extracts studies from the ClinicalTrials.gov v2 API, validates and
flattens them, and merges them into Postgres or SQLite in a single transaction
per run. Full runs reload everything; delta runs fetch studies updated since
the last successful run.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	root.PersistentFlags().StringVar(&a.logEncoding, "log-encoding", "", "Log encoding (json, console); overrides LOG_ENCODING")

	root.AddCommand(
		a.runCmd(),
		a.statusCmd(),
		a.initDBCmd(),
		a.migrateDBCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

// setup loads configuration and initializes logging and tracing.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations["skipSetup"] == "true" {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logEncoding != "" {
		cfg.LogEncoding = a.logEncoding
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding}); err != nil {
		return err
	}

	shutdown, err := observability.InitTracing(cfg.Tracing, version)
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	a.cfg = cfg
	return nil
}

// connect opens the configured storage engine, or name when it is set.
func (a *app) connect(ctx context.Context, name string) (storage.Connector, error) {
	dbCfg := a.cfg.DB
	if name != "" {
		dbCfg.Connector = name
	}
	return storage.Open(ctx, dbCfg)
}
