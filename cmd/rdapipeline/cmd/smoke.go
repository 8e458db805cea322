package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/rdapipeline/internal/common/app"
	"github.com/G-Research/rdapipeline/internal/rda"
)

func smokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Check connectivity of every load job and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()

			if err := rda.SmokeTest(ctx, config); err != nil {
				return err
			}
			log.Info("Smoke test passed")
			return nil
		},
	}
}
