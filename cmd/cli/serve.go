package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/neondeck/internal/daemon"
	"github.com/anstrom/neondeck/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the NeonDeck daemon",
	Long: `Run the daemon in the foreground: migrate the database, start the
daily scheduler and serve the dashboard API until SIGINT or SIGTERM.
SIGHUP reloads networks and ports from the config file.`,
	Example: `  neondeck serve
  neondeck serve --config /etc/neondeck/config.yaml --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "API listen port (overrides config)")
	serveCmd.Flags().String("pid-file", "", "write the daemon PID to this file")

	bindFlag(serveCmd.Flags(), "api.port", "port")
	bindFlag(serveCmd.Flags(), "daemon.pid_file", "pid-file")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d := daemon.New(cfg, getConfigFilePath(), version).WithLogger(logging.Default())
	if err := d.Start(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

// bindFlag binds a command flag to a viper key so that the flag and the
// matching NEONDECK_* variable both override the config file.
func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
