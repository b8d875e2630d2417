package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tokengate/tokengate/internal/app"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/logging"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errLoad := config.Load(configPath)
			if errLoad != nil {
				return fmt.Errorf("load config: %w", errLoad)
			}
			logging.Setup(cfg.Log)
			return app.Migrate(context.Background(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tokengate.yaml", "path to config file")
	return cmd
}
