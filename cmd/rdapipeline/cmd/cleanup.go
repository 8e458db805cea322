package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/rdapipeline/internal/common/app"
	"github.com/G-Research/rdapipeline/internal/rda"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

// claimTypeValue parses a claim type flag.
type claimTypeValue struct {
	claimType *model.ClaimType
}

var _ pflag.Value = claimTypeValue{}

func (v claimTypeValue) String() string {
	if v.claimType == nil {
		return ""
	}
	return v.claimType.String()
}

func (v claimTypeValue) Set(s string) error {
	return v.claimType.UnmarshalText([]byte(s))
}

func (v claimTypeValue) Type() string {
	return "claimType"
}

func cleanupCmd() *cobra.Command {
	var claimType model.ClaimType
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete claims older than the retention period in a single pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()

			if err := rda.RunCleanup(ctx, config, claimType); err != nil {
				return &exitError{code: exitJobFailed, err: err}
			}
			return nil
		},
	}
	cmd.Flags().Var(claimTypeValue{claimType: &claimType}, "claimType", "Claim type to clean up (fiss or mcs)")
	_ = cmd.MarkFlagRequired("claimType")
	return cmd
}
