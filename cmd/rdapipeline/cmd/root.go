package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/rdapipeline/internal/common"
	commonconfig "github.com/G-Research/rdapipeline/internal/common/config"
	"github.com/G-Research/rdapipeline/internal/common/logging"
	"github.com/G-Research/rdapipeline/internal/rda/configuration"
)

const (
	CustomConfigLocation = "config"
	DefaultConfigPath    = "./config/rdapipeline"

	// Exit status when a job stopped with an error
	exitJobFailed = 2
	// Exit status when the pipeline could not be started
	exitStartupFailed = 1
)

// exitError carries the exit status of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rdapipeline",
		Short:         "rdapipeline loads claims from the RDA API into postgres.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		smokeCmd(),
		cleanupCmd(),
		migrateCmd(),
	)
	return cmd
}

// Execute runs the command line and returns the process exit status.
func Execute() int {
	err := RootCmd().Execute()
	if err == nil {
		return 0
	}
	logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("rdapipeline failed")
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitStartupFailed
}

// loadConfig reads, validates and applies the configuration named by the command's flags.
func loadConfig(cmd *cobra.Command) (configuration.RdaPipelineConfiguration, error) {
	var config configuration.RdaPipelineConfiguration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, errors.WithStack(err)
	}
	if _, err := common.LoadConfig(&config, DefaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, errors.WithMessage(err, "invalid configuration")
	}
	if err := logging.Configure(config.Logging); err != nil {
		return config, err
	}
	return config, nil
}
