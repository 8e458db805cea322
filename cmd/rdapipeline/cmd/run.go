package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/rdapipeline/internal/common/app"
	"github.com/G-Research/rdapipeline/internal/rda"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load fiss and mcs claims on a schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()

			if err := rda.Run(ctx, config); err != nil {
				return &exitError{code: exitJobFailed, err: err}
			}
			return nil
		},
	}
}
