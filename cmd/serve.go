package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shivanand-hulikatti/race-registration/internal/handler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serveSeedFile string
	serveSweep    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSeedFile, "seed", "", "load events from this YAML file before serving")
	serveCmd.Flags().BoolVar(&serveSweep, "sweep", false, "run the reconciliation sweep in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if serveSeedFile != "" {
		if err := seedEvents(ctx, a, serveSeedFile); err != nil {
			return err
		}
	}
	if serveSweep {
		scheduler, err := startSweeper(ctx, a)
		if err != nil {
			return err
		}
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				log.Warn().Err(err).Msg("scheduler shutdown failed")
			}
		}()
	}

	h := handler.NewRegistrationHandler(a.checkout, a.reconcile, a.eventSvc, a.payments)
	r := handler.NewRouter(h)

	// Rendered credentials, when stored on local disk.
	if err := os.MkdirAll(cfg.Credential.Dir, 0o755); err != nil {
		return err
	}
	r.Handle("/credentials/*", http.StripPrefix("/credentials/", http.FileServer(http.Dir(cfg.Credential.Dir))))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
