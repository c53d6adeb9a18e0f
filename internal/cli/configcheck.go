package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apache/openwhisk-invoker-pool/internal/config"
)

var configCheckCmd = &cobra.Command{
	Use:   "config-check",
	Short: "Validate a pool configuration file without starting the invoker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return &ExitError{Code: 2, Err: err}
		}
		fmt.Printf("config ok: memory_limit_mb=%d prewarm_groups=%d idle_grace_ms=%d\n",
			cfg.MemoryLimitMB, len(cfg.Prewarm), cfg.IdleGraceMs)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(configCheckCmd)
}
