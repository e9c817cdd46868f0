// Package cli provides the command-line interface for NeonDeck.
// It implements the Cobra command tree for running the daemon, executing
// a one-off discovery run and inspecting the inventory and run history.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/neondeck/internal/config"
	"github.com/anstrom/neondeck/internal/logging"
)

const envPrefix = "NEONDECK"

var (
	cfgFile string
	verbose bool
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "neondeck",
	Short: "Homelab service discovery dashboard",
	Long: `NeonDeck sweeps the configured networks for web services, probes
them for titles and favicons, and keeps a categorized inventory that the
dashboard serves over a REST API.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and runs it.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig locates the config file and enables NEONDECK_* overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/neondeck")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && viper.GetBool("verbose") {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the config file in effect, possibly empty.
func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.ConfigFileUsed()
}

// loadConfig loads the configuration and applies flag and NEONDECK_*
// overrides bound through viper.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies the viper keys set by flags or NEONDECK_*
// variables onto cfg.
func applyOverrides(cfg *config.Config) {
	if viper.IsSet("api.port") {
		cfg.API.Port = viper.GetInt("api.port")
	}
	if viper.IsSet("daemon.pid_file") {
		cfg.Daemon.PIDFile = viper.GetString("daemon.pid_file")
	}
	if viper.IsSet("database.url") {
		cfg.Database.URL = viper.GetString("database.url")
	}
	if viper.IsSet("logging.level") {
		cfg.Logging.Level = logging.LogLevel(strings.ToLower(viper.GetString("logging.level")))
	}
}

func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging installs the default logger from the loaded configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logConfig := cfg.Logging
	if viper.GetBool("verbose") {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.AddSource = logConfig.Level == logging.LevelDebug

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}
