package main

import (
	"fmt"

	"github.com/ej-framework/ej/internal/config"
	"github.com/ej-framework/ej/internal/storage"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run pending schema migrations against the dispatcher's store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("migrate: load config: %w", err)
			}
			db, err := connectStore(cfg.Store)
			if err != nil {
				return err
			}
			if err := storage.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ejd.yaml", "path to the dispatcher daemon's YAML config")
	return cmd
}
