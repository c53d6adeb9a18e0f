package cli

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var drainAddr string

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Trigger a graceful shutdown on a running invoker",
	Long: `drain posts to a running invoker's /pool/drain operator endpoint,
triggering the same graceful shutdown path a SIGTERM would: stop accepting
new work, wait for in-flight activations to finish up to the configured
grace window, then force-destroy any remaining containers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := drainAddr
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			addr = "http://" + addr
		}
		resp, err := http.Post(addr+"/pool/drain", "application/json", nil)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("drain: invoker returned %s", resp.Status)
		}
		return nil
	},
}

func init() {
	drainCmd.Flags().StringVar(&drainAddr, "addr", "127.0.0.1:8080", "address of the invoker's operator HTTP API")
	RootCmd.AddCommand(drainCmd)
}
