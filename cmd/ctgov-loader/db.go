package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage/migrations"
)

var errAborted = errors.New("aborted")

func (a *app) initDBCmd() *cobra.Command {
	var connector string
	var force bool

	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "DESTRUCTIVE: drop every table and recreate the schema",
		Long: `Drop every table in the target database, including run history and the
dead-letter queue, then apply all migrations to build a fresh schema.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !confirm(cmd, "Are you sure you want to drop all tables and re-initialize the database? This action is irreversible.") {
				logger.Warn("database_initialization_aborted")
				return errAborted
			}

			ctx := cmd.Context()
			logger.Info("initializing_database_from_scratch")
			conn, err := a.connect(ctx, connector)
			if err != nil {
				return fmt.Errorf("could not initialize database: %w", err)
			}
			defer conn.Close()

			if err := conn.DropAllTables(ctx); err != nil {
				logger.Error("failed_to_initialize_database", zap.Error(err))
				return fmt.Errorf("could not initialize database: %w", err)
			}
			logger.Info("tables_dropped_successfully")

			if err := conn.Migrate(ctx, migrations.Head); err != nil {
				logger.Error("failed_to_initialize_database", zap.Error(err))
				return fmt.Errorf("could not initialize database: %w", err)
			}
			logger.Info("database_successfully_initialized")
			fmt.Fprintln(cmd.OutOrStdout(), "Database initialized.")
			return nil
		},
	}

	cmd.Flags().StringVar(&connector, "connector", "", "Storage engine to initialize (default from db.connector)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

func (a *app) migrateDBCmd() *cobra.Command {
	var connector, revision string

	cmd := &cobra.Command{
		Use:   "migrate-db",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger.Info("running_database_migrations", zap.String("revision", revision))
			conn, err := a.connect(ctx, connector)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Migrate(ctx, revision); err != nil {
				return err
			}
			logger.Info("database_migrations_completed")
			return nil
		},
	}

	cmd.Flags().StringVar(&connector, "connector", "", "Storage engine to migrate (default from db.connector)")
	cmd.Flags().StringVar(&revision, "revision", migrations.Head, "Revision to migrate to: head or a version number")
	return cmd
}

// confirm asks a yes/no question on the command's input.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
