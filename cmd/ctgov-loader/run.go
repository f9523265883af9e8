package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/internal/pipeline"
	"github.com/ajitpratap0/ctgov-loader/pkg/archive"
	"github.com/ajitpratap0/ctgov-loader/pkg/extract"
	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
	"github.com/ajitpratap0/ctgov-loader/pkg/metrics"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
)

func (a *app) runCmd() *cobra.Command {
	var loadType, connector string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ETL process",
		Long: `Run one ETL pass. A full load truncates the data tables and fetches every
study. A delta load fetches studies updated since the last successful run, or
everything when there is none.

A run that fails is rolled back and recorded in load_history; the command
still exits 0 in that case. Use "status" to inspect it.

Example:
  ctgov-loader run --load-type full --connector sqlite`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lt, err := storage.ParseLoadType(loadType)
			if err != nil {
				return err
			}
			return a.runETL(cmd.Context(), cmd, lt, connector)
		},
	}

	cmd.Flags().StringVar(&loadType, "load-type", string(storage.LoadTypeDelta), "Type of load: 'full' or 'delta'")
	cmd.Flags().StringVar(&connector, "connector", "", "Storage engine to load into (default from db.connector)")
	return cmd
}

func (a *app) runETL(ctx context.Context, cmd *cobra.Command, loadType storage.LoadType, connector string) error {
	log := logger.Get().With(zap.String("component", "cli"))

	conn, err := a.connect(ctx, connector)
	if err != nil {
		return fmt.Errorf("failed to open connector: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("connector_close_failed", zap.Error(err))
		}
	}()
	ctx = logger.ContextWithConnector(ctx, conn.Name())

	runID := uuid.NewString()
	recorder := metrics.NewRecorder(a.cfg.Metrics)
	opts := []extract.Option{extract.WithObserver(recorder)}
	if dir := a.cfg.ETL.ArchiveDir; dir != "" {
		pages, err := archive.New(dir, runID)
		if err != nil {
			return err
		}
		defer pages.Close()
		opts = append(opts, extract.WithPageSink(pages))
		log.Info("page_archive_enabled", zap.String("dir", pages.Dir()))
	}
	client := extract.NewClient(a.cfg.API, logger.Get(), opts...)

	orch := pipeline.New(conn, client, pipeline.Options{
		BatchSize: a.cfg.ETL.BatchSize,
		RunID:     runID,
		Recorder:  recorder,
		Logger:    logger.Get(),
	})
	result, runErr := orch.Run(ctx, loadType)

	if err := recorder.Export(context.WithoutCancel(ctx)); err != nil {
		log.Warn("metrics_export_failed", zap.Error(err))
	}

	if runErr != nil && (result == nil || !result.Recorded) {
		return runErr
	}
	out := cmd.OutOrStdout()
	if runErr != nil {
		fmt.Fprintf(out, "Run %s failed and was rolled back: %v\n", result.RunID, runErr)
		return nil
	}
	fmt.Fprintf(out, "Run %s completed: %d records processed, %d dead-lettered in %s\n",
		result.RunID, result.RecordsProcessed, result.RecordsDeadLettered, result.Duration.Round(10*time.Millisecond))
	return nil
}
