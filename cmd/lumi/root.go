package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lihe8811/lumi/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "lumi",
	Short: "Turn arXiv papers and PDFs into structured, annotated documents",
	Long: `Lumi imports research papers from arXiv or uploaded PDFs, reformats them
with an LLM into a structured document with sections, spans, concepts and
summaries, and serves the results over an HTTP API.

Configuration comes from defaults, an optional YAML file (--config), and
environment variables such as DATABASE_DRIVER, QUEUE_BACKEND, STORAGE_BACKEND
and LLM_PROVIDER.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(serveCmd, workerCmd, convertCmd)
}

func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads and validates the configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
