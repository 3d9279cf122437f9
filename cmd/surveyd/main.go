package main

import (
	"fmt"
	"log/slog"
	"os"

	"voice-survey-agent/internal/config"
	"voice-survey-agent/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "surveyd",
	Short: "Outbound phone survey orchestrator",
	Long: `surveyd dials campaign contacts, runs a short consent + three question
conversation on each answered call and stores the answers.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, tokenCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration and builds the process logger.
func loadConfig(dryRun bool) (config.Config, *slog.Logger, error) {
	load := config.Load
	if dryRun {
		load = config.LoadDryRun
	}
	cfg, err := load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return cfg, log, nil
}
