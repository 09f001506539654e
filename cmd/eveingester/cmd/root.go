package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/eveingester/internal/common"
	"github.com/G-Research/eveingester/internal/common/app"
	commonconfig "github.com/G-Research/eveingester/internal/common/config"
	"github.com/G-Research/eveingester/internal/eveingester"
	"github.com/G-Research/eveingester/internal/eveingester/configuration"
)

const (
	CustomConfigLocation = "config"
	Source               = "source"
	defaultConfigPath    = "./config/eveingester"
)

// RootCmd is the root Cobra command that gets called from the main func.
// Without a sub-command it behaves like run.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eveingester",
		Short: "eveingester writes Suricata EVE JSON records to a database.",
		Long: `eveingester writes Suricata EVE JSON records to a database.

Records are read from a file, from stdin ("-") or from a unix socket ("unix:///path/to/eve.sock")
that Suricata's unix_stream eve-log output connects to.`,
		SilenceUsage: true,
		RunE:         run,
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	cmd.PersistentFlags().String(Source, "", "Where to read records from; overrides the configured source")

	cmd.AddCommand(
		runCmd(),
		migrateCmd(),
	)

	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Ingest records until the source is exhausted or a shutdown signal is received.",
		RunE:  run,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()
			return eveingester.Migrate(ctx, config.Database)
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	// Run logs its own failures
	cmd.SilenceErrors = true
	return eveingester.Run(ctx, config)
}

func loadConfig(cmd *cobra.Command) (configuration.EveIngesterConfiguration, error) {
	common.BindCommandlineArguments(cmd.Flags())

	var config configuration.EveIngesterConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	if _, err := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if source := viper.GetString(Source); source != "" {
		config.Source = source
	}

	common.ConfigureLogging(config.Logging)

	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, errors.WithMessage(err, "invalid configuration")
	}
	return config, nil
}
