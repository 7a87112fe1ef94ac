package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"AutoSedance-server/models"
)

func newMigrateCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			db, err := models.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			}()
			if err := models.AutoMigrate(db); err != nil {
				return err
			}
			cc.logger.Info("schema migrated", slog.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}
