package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chess-ledger/internal/africa"
	"chess-ledger/internal/checkpoint"
	"chess-ledger/internal/clean"
	"chess-ledger/internal/constants"
	"chess-ledger/internal/export"
	fxmodules "chess-ledger/internal/fx"
	"chess-ledger/internal/reconcile"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chess-ledger",
		Short: "Rating ledger pipeline for Kenyan chess.com players",
		Long: `chess-ledger maintains a master CSV ledger of Kenyan chess.com players.
It fetches rosters, profiles and stats from the public API under a shared
rate limit, reconciles them against the ledger with checkpointed resume,
and produces cleaned and database exports for downstream dashboards.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(africaCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runApp boots the dependency graph, populates the requested targets, runs
// fn under a signal-cancelled context, and tears the graph back down. fx
// builds lazily, so each command only constructs what it populates.
func runApp(fn func(ctx context.Context) error, targets ...any) error {
	app := fx.New(
		fxmodules.Module,
		fx.NopLogger,
		fx.Populate(targets...),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func updateCmd() *cobra.Command {
	var (
		full     bool
		schedule string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Reconcile the master ledger against the live roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				reconciler *reconcile.Reconciler
				tracker    *checkpoint.Tracker
				logger     zerolog.Logger
			)
			return runApp(func(ctx context.Context) error {
				defer tracker.Close()
				defer reconciler.Close()

				if schedule == "" {
					return runUpdate(ctx, reconciler, logger, full)
				}

				c := cron.New()
				if _, err := c.AddFunc(schedule, func() {
					if err := runUpdate(ctx, reconciler, logger, full); err != nil {
						logger.Error().Err(err).Msg("scheduled update failed")
					}
				}); err != nil {
					return fmt.Errorf("invalid schedule %q: %w", schedule, err)
				}
				logger.Info().Str("schedule", schedule).Msg("running on schedule, ctrl-c to stop")
				c.Start()
				<-ctx.Done()
				<-c.Stop().Done()
				return nil
			}, &reconciler, &tracker, &logger)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "force a full update regardless of the last-full-update marker")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression; run repeatedly instead of once")
	return cmd
}

func runUpdate(ctx context.Context, reconciler *reconcile.Reconciler, logger zerolog.Logger, full bool) error {
	summary, err := reconciler.Run(ctx, full)
	if err != nil {
		return err
	}
	logger.Info().
		Str("run_id", summary.RunID).
		Str("mode", string(summary.Mode)).
		Int("worklist", summary.Worklist).
		Int("resumed", summary.Resumed).
		Int("active", summary.Active).
		Int("deleted", summary.Deleted).
		Int("failed", summary.Failed).
		Bool("completed", summary.Completed).
		Msg("reconciliation finished")
	if !summary.Completed {
		return fmt.Errorf("run interrupted after %d of %d players; rerun to resume", summary.Processed, summary.Worklist)
	}
	return nil
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Write the cleaned analysis CSV from the master ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cleaner *clean.Cleaner
			return runApp(func(ctx context.Context) error {
				return cleaner.Run()
			}, &cleaner)
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the cleaned ledger into the SQLite database",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				exporter *export.Exporter
				db       *sql.DB
			)
			return runApp(func(ctx context.Context) error {
				defer db.Close()
				return exporter.Run(ctx)
			}, &exporter, &db)
		},
	}
}

func africaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "africa",
		Short: "Write per-country player counts for African countries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var counter *africa.Counter
			return runApp(func(ctx context.Context) error {
				return counter.Run(ctx)
			}, &counter)
		},
	}
}
