package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendTo       string
	sendFrom     string
	sendFromName string
	sendSubject  string
	sendHTML     string
	sendText     string
	sendReplyTo  string
	sendMetadata string
	sendTags     []string
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Queue an email for delivery",
	Long: `Queue an email for delivery through the Postroom pipeline.

At least one of --html or --text is required. The command returns the
message id to track the delivery with "postctl email status".`,
	Example: `  postctl send --to user@example.com --from hello@myapp.com \
    --subject "Welcome!" --html "<h1>Welcome!</h1>" --text "Welcome!" \
    --tag welcome --tag transactional`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"to":         sendTo,
			"from_email": sendFrom,
			"subject":    sendSubject,
		}
		if sendFromName != "" {
			body["from_name"] = sendFromName
		}
		if sendHTML != "" {
			body["body_html"] = sendHTML
		}
		if sendText != "" {
			body["body_text"] = sendText
		}
		if sendReplyTo != "" {
			body["reply_to"] = sendReplyTo
		}
		if len(sendTags) > 0 {
			body["tags"] = sendTags
		}
		if sendMetadata != "" {
			var md map[string]interface{}
			if err := json.Unmarshal([]byte(sendMetadata), &md); err != nil {
				return fmt.Errorf("invalid --metadata JSON: %w", err)
			}
			body["metadata"] = md
		}

		resp, err := makeHTTPRequest("POST", "/v1/emails", body)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		var result struct {
			MessageID string    `json:"message_id"`
			Status    string    `json:"status"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		if outputJSON {
			printOutput(result)
			return nil
		}

		fmt.Printf("✓ Email accepted\n")
		fmt.Printf("  Message ID: %s\n", result.MessageID)
		fmt.Printf("  Status:     %s\n", result.Status)
		fmt.Printf("  Created:    %s\n", result.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient email address (required)")
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "sender email address (required)")
	sendCmd.Flags().StringVar(&sendFromName, "from-name", "", "sender display name")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "email subject (required)")
	sendCmd.Flags().StringVar(&sendHTML, "html", "", "HTML body content")
	sendCmd.Flags().StringVar(&sendText, "text", "", "plain text body content")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "reply-to address")
	sendCmd.Flags().StringVar(&sendMetadata, "metadata", "", "custom metadata as a JSON object")
	sendCmd.Flags().StringArrayVar(&sendTags, "tag", nil, "tag for categorization (repeatable)")

	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("from")
	sendCmd.MarkFlagRequired("subject")
}
