package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/sourcenet-core/internal/config"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	v       = viper.New()
	cfg     config.Config
	log     logging.Logger = logging.Noop()

	shutdownTracing func(context.Context) error
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "sourcenet",
	Short: "Headless driver for the SourceNet simulation core",
	Long: `sourcenet runs the game-time simulation core without a desktop:
the virtual clock and scheduler, the network registry, bandwidth-shared
operations and the event bus. It loads worlds from scenario files and
keeps save slots in SQLite.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initConfig,
	PersistentPostRunE: closeTracing,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./sourcenet.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("save-db", "sourcenet.db", "SQLite database holding save slots")
	flags.Bool("tracing", false, "export OpenTelemetry spans")

	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = v.BindPFlag("save_db", flags.Lookup("save-db"))
	_ = v.BindPFlag("tracing.enabled", flags.Lookup("tracing"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	lc := cfg.Logging()
	lc.Output = cmd.ErrOrStderr()
	log = logging.New(lc)

	tc := cfg.Tracing
	tc.Writer = cmd.ErrOrStderr()
	shutdownTracing, err = observability.InitTracing(cmd.Context(), tc, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	return nil
}

func closeTracing(cmd *cobra.Command, _ []string) error {
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sourcenet version %s\n", version)
	},
}
