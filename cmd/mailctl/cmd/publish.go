package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type publishRequest struct {
	Title          string `json:"title"`
	TextContent    string `json:"text_content"`
	HTMLContent    string `json:"html_content"`
	IdempotencyKey string `json:"idempotency_key"`
}

type publishResponse struct {
	Status   string `json:"status"`
	IssueID  string `json:"issue_id"`
	Enqueued int    `json:"enqueued"`
	Skipped  int    `json:"skipped"`
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a newsletter issue to every confirmed subscriber",
	Long: `Publish a newsletter issue. Re-running with the same --idempotency-key
returns the original response instead of sending the issue again.

Example:
  mailctl publish --title "Issue #1" --text "Hello" --html "<p>Hello</p>" --idempotency-key issue-1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		text, _ := cmd.Flags().GetString("text")
		html, _ := cmd.Flags().GetString("html")
		textFile, _ := cmd.Flags().GetString("text-file")
		htmlFile, _ := cmd.Flags().GetString("html-file")
		key, _ := cmd.Flags().GetString("idempotency-key")

		var err error
		if text, err = contentFrom(text, textFile); err != nil {
			return err
		}
		if html, err = contentFrom(html, htmlFile); err != nil {
			return err
		}
		if key == "" {
			key = uuid.NewString()
			fmt.Fprintf(cmd.ErrOrStderr(), "Using idempotency key %s\n", key)
		}

		body, err := json.Marshal(publishRequest{Title: title, TextContent: text, HTMLContent: html, IdempotencyKey: key})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, serverURL+"/admin/newsletters", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		status, respBody, header, err := doRequest(req, true)
		if err != nil {
			return err
		}
		if status == http.StatusConflict {
			return fmt.Errorf("%w (retry after %ss with the same key)", apiError(status, respBody), header.Get("Retry-After"))
		}
		if status != http.StatusAccepted {
			return apiError(status, respBody)
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), respBody)
		}
		var resp publishResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Published issue: %s\n", resp.IssueID)
		fmt.Fprintf(out, "  Enqueued: %d\n", resp.Enqueued)
		fmt.Fprintf(out, "  Skipped: %d\n", resp.Skipped)
		return nil
	},
}

// contentFrom prefers an inline value and falls back to reading path
func contentFrom(inline, path string) (string, error) {
	if inline != "" || path == "" {
		return inline, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("title", "", "issue title")
	publishCmd.Flags().String("text", "", "plain text body")
	publishCmd.Flags().String("html", "", "HTML body")
	publishCmd.Flags().String("text-file", "", "read the plain text body from a file")
	publishCmd.Flags().String("html-file", "", "read the HTML body from a file")
	publishCmd.Flags().String("idempotency-key", "", "key for safe retries (default: a new UUID)")
	_ = publishCmd.MarkFlagRequired("title")
}
