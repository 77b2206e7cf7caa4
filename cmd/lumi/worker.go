package main

import (
	"os"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run import workers without the HTTP API",
	Long: `Run only the import worker pool. Useful next to one or more "lumi serve"
instances that share a SQL job store and a Redis queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := newLogger(os.Stdout)

		cfg, err := loadConfig()
		if err != nil {
			log.Error("invalid configuration", "error", err)
			return err
		}
		if cfg.DatabaseDriver == "memory" {
			log.Warn("worker uses an in-memory job store, it will only see jobs it submits itself")
		}

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		log.Info("starting workers", "count", cfg.WorkerCount, "store", cfg.DatabaseDriver, "queue", cfg.QueueBackend)
		a.orch.Start(ctx)
		<-ctx.Done()
		log.Info("shutting down...")
		a.orch.Stop()
		return nil
	},
}
