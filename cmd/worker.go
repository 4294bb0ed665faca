package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the reconciliation sweep on a schedule",
	Long: `Periodically asks the payment provider about pending registrations
that have not heard back, and retries bib and credential allocation for
confirmed registrations that are missing either.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler, err := startSweeper(ctx, a)
		if err != nil {
			return err
		}

		// Wait for context cancellation
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker error")
		return err
	}
	log.Info().Msg("worker shutting down gracefully")
	return nil
}

// startSweeper schedules SweepStale every worker.sweep_interval, starting
// immediately. Runs never overlap.
func startSweeper(ctx context.Context, a *app) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Worker.SweepInterval),
		gocron.NewTask(func() {
			if _, err := a.reconcile.SweepStale(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}),
		gocron.WithName("reconcile-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}

	scheduler.Start()
	log.Info().Dur("interval", cfg.Worker.SweepInterval).Msg("reconciliation sweep scheduled")
	return scheduler, nil
}
