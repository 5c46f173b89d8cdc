package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token [owner-id]",
	Short: "Mint a development token from the token server",
	Long: `Request a signed owner token from the development token server.

Example:
  export MAILCTL_TOKEN=$(mailctl token editor-1)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenServer, _ := cmd.Flags().GetString("token-server")
		ttl, _ := cmd.Flags().GetInt("ttl")

		body, err := json.Marshal(map[string]any{"owner_id": args[0], "ttl_seconds": ttl})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(tokenServer, "/")+"/token", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		status, respBody, _, err := doRequest(req, false)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return apiError(status, respBody)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), respBody)
		}

		var resp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("token-server", "http://localhost:8082", "token server base URL")
	tokenCmd.Flags().Int("ttl", 3600, "token lifetime in seconds")
}
