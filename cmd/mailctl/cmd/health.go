package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Mail API",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+"/healthz", nil)
		if err != nil {
			return err
		}
		status, body, _, err := doRequest(req, false)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), body)
		}
		if status != http.StatusOK {
			return fmt.Errorf("service is unhealthy (HTTP %d)", status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
