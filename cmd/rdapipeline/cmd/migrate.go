package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/rdapipeline/internal/common/app"
	"github.com/G-Research/rdapipeline/internal/rda"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the rda database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()
			return rda.Migrate(ctx, config)
		},
	}
}
