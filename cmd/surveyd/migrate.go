package main

import (
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/pkg/utils"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ledger schema to Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(false)
		if err != nil {
			return err
		}
		db, err := utils.OpenPostgres(cmd.Context(), cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 1})
		if err != nil {
			return err
		}
		defer db.Close()

		if err := ledger.NewPostgresStore(db).Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("schema applied", "db", cfg.DB.Name)
		return nil
	},
}
