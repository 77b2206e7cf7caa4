package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lihe8811/lumi/internal/api"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the import workers",
	Long: `Start the lumi HTTP API together with the import worker pool.

Endpoints under /api require "Authorization: Bearer <API_KEY>" when API_KEY
is set. /health is always public.

Examples:
  lumi serve                       # Port from config (default 8090)
  lumi serve --port 9000
  lumi serve --config lumi.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := newLogger(os.Stdout)

		cfg, err := loadConfig()
		if err != nil {
			log.Error("invalid configuration", "error", err)
			return err
		}
		if servePort != "" {
			cfg.Port = servePort
		}

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		a.orch.Start(ctx)

		srv := api.NewServer(api.Options{
			Orchestrator: a.orch,
			Store:        a.store,
			Storage:      a.storage,
			Metadata:     a.fetcher,
			Stats:        a.llm.Stats(),
			Model:        a.model(),
			Log:          log,
			Config:       cfg,
		})
		httpServer := &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      srv,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting lumi", "port", cfg.Port, "workers", cfg.WorkerCount,
				"store", cfg.DatabaseDriver, "queue", cfg.QueueBackend, "storage", cfg.StorageBackend)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			log.Info("shutting down...")
		case err := <-errCh:
			if err != nil {
				log.Error("server error", "error", err)
				a.orch.Stop()
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		a.orch.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "port to listen on (overrides PORT)")
}
