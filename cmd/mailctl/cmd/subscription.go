package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe [name] [email]",
	Short: "Subscribe an address; a confirmation email is sent to it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		form := url.Values{"name": {args[0]}, "email": {args[1]}}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, serverURL+"/subscriptions", strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		status, body, _, err := doRequest(req, false)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return apiError(status, body)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subscription pending: check %s for a confirmation link\n", args[1])
		return nil
	},
}

// confirmCmd represents the confirm command
var confirmCmd = &cobra.Command{
	Use:   "confirm [subscription-token]",
	Short: "Confirm a pending subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := serverURL + "/subscriptions/confirm?" + url.Values{"subscription_token": {args[0]}}.Encode()
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
		if err != nil {
			return err
		}

		status, body, _, err := doRequest(req, false)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return apiError(status, body)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Subscription confirmed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(confirmCmd)
}
