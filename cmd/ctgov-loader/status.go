package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
)

// Overall health reported by the status command.
const (
	healthHealthy   = "HEALTHY"
	healthFailed    = "FAILED"
	healthNoHistory = "NO_HISTORY"
)

type statusReport struct {
	Status            string              `json:"status" yaml:"status"`
	LastRun           *storage.RunHistory `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	LastSuccessfulRun *storage.RunHistory `json:"last_successful_run,omitempty" yaml:"last_successful_run,omitempty"`
}

func (a *app) statusCmd() *cobra.Command {
	var connector, output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the outcome of the most recent runs",
		Long: `Show the most recent run from load_history. When it failed, the last
successful run is shown as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Info("checking_etl_status")
			report, err := a.buildStatus(cmd.Context(), connector)
			if err != nil {
				return fmt.Errorf("could not retrieve status: %w", err)
			}
			return writeStatus(cmd.OutOrStdout(), report, output)
		},
	}

	cmd.Flags().StringVar(&connector, "connector", "", "Storage engine to query (default from db.connector)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

func (a *app) buildStatus(ctx context.Context, connector string) (*statusReport, error) {
	conn, err := a.connect(ctx, connector)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	last, err := conn.LastRunHistory(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return &statusReport{Status: healthNoHistory}, nil
	}
	if last.Status == storage.StatusSuccess {
		return &statusReport{Status: healthHealthy, LastRun: last}, nil
	}

	success, err := conn.LastSuccessfulRunHistory(ctx)
	if err != nil {
		return nil, err
	}
	return &statusReport{Status: healthFailed, LastRun: last, LastSuccessfulRun: success}, nil
}

func writeStatus(w io.Writer, report *statusReport, format string) error {
	switch strings.ToLower(format) {
	case "json":
		b, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return writeStatusText(w, report)
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func writeStatusText(w io.Writer, report *statusReport) error {
	switch report.Status {
	case healthNoHistory:
		fmt.Fprintln(w, "No ETL run history found.")
		return nil
	case healthHealthy:
		fmt.Fprintln(w, "ETL Status: HEALTHY")
		fmt.Fprintln(w, "The most recent ETL run completed successfully.")
		return writeHistory(w, "Last Run Details:", report.LastRun)
	}

	fmt.Fprintln(w, "ETL Status: FAILED")
	fmt.Fprintln(w, "The most recent ETL run failed. Details of the failure are below.")
	if err := writeHistory(w, "Failed Run Details:", report.LastRun); err != nil {
		return err
	}
	if report.LastSuccessfulRun == nil {
		fmt.Fprintln(w, "No prior successful runs were found.")
		return nil
	}
	fmt.Fprintln(w, strings.Repeat("-", 20))
	fmt.Fprintln(w, "However, a previously successful run was found.")
	return writeHistory(w, "Details of Last Successful Run:", report.LastSuccessfulRun)
}

func writeHistory(w io.Writer, title string, h *storage.RunHistory) error {
	metrics, err := json.MarshalIndent(h.Metrics, "    ", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, title)
	fmt.Fprintf(w, "  Timestamp: %s\n", h.LoadTimestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  Status: %s\n", h.Status)
	fmt.Fprintln(w, "  Metrics:")
	fmt.Fprintf(w, "    %s\n", metrics)
	return nil
}
