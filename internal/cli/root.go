package cli

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	jsonLog    bool
	configPath string
)

// RootCmd is the invoker's base command.
var RootCmd = &cobra.Command{
	Use:   "invoker",
	Short: "Apache OpenWhisk invoker container pool",
	Long: `invoker runs the container pool subsystem of an OpenWhisk invoker:
admission, warm-hit/prewarm selection, eviction under memory pressure, and
activation execution against a sandbox driver.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		}
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute runs the command tree. The caller maps a returned error to the
// spec §6 exit codes; Execute itself never calls os.Exit.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "emit logs as JSON instead of console format")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "invoker.yaml", "path to pool configuration file")
}
