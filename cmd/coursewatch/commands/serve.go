package commands

import (
	"context"
	cmdapi "coursewatch/internal/commands"
	"coursewatch/internal/components/chrono"
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/scheduler"
	"coursewatch/pkg/serviceutil"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Polls the watchlist on a timer and serves the watchlist commands.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		err := cfg.Validate()
		if err != nil {
			serviceutil.Fatal("invalid config", err)
		}

		ctx, cancel := serviceutil.SignalContext(cmd.Context())
		defer cancel()

		otel, err := telemetry.Setup(ctx, "coursewatch", cfg.Telemetry)
		if err != nil {
			serviceutil.Fatal("failed to setup telemetry", err)
		}
		defer func() {
			err := otel.Shutdown(context.Background())
			if err != nil {
				slog.Warn("failed to shutdown telemetry", "err", err)
			}
		}()

		tel := telemetry.SlogAPI{}
		telemetry.InstrumentPerfStats(ctx, tel)

		store, db := openStore(ctx, cfg, tel)
		defer db.Close()

		clock := chrono.NewStandardImpl()
		cron := chrono.NewStandardCron(ctx, clock, tel)
		err = store.ScheduleMaintenance(ctx, cron, cfg.Database.MaintenanceCron)
		if err != nil {
			serviceutil.Fatal("invalid database.maintenance_cron", err)
		}

		schedulerOpts, err := cfg.Scheduler.Options()
		if err != nil {
			serviceutil.Fatal("invalid scheduler config", err)
		}
		trigger := scheduler.NewTrigger()
		poller, err := scheduler.NewScheduler(
			newManager(cfg, tel),
			store,
			cfg.Notify.Notifier(tel),
			trigger,
			schedulerOpts,
			clock,
			tel,
		)
		if err != nil {
			serviceutil.Fatal("failed to create scheduler", err)
		}
		server := cmdapi.NewServer(store, trigger, poller, cfg.Commands.AccessToken, tel)

		// the first task to return cancels the others
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return poller.Run(groupCtx)
		})
		group.Go(func() error {
			return serviceutil.StartHttpServer(groupCtx, cfg.Commands.Port, server.Handler())
		})
		group.Go(func() error {
			<-groupCtx.Done()
			slog.Info("shutting down...")
			return groupCtx.Err()
		})

		err = group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			serviceutil.Fatal("stopped unexpectedly", err)
		}
	},
}
