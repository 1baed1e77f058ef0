package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	listStatus string
	listLimit  int
	listOffset int
)

type eventView struct {
	EventType string                 `json:"event_type"`
	Provider  string                 `json:"provider,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type emailView struct {
	MessageID string      `json:"message_id"`
	To        string      `json:"to"`
	From      string      `json:"from_email"`
	Subject   string      `json:"subject"`
	Status    string      `json:"status"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"created_at"`
	SentAt    *time.Time  `json:"sent_at,omitempty"`
	FailedAt  *time.Time  `json:"failed_at,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	Events    []eventView `json:"events"`
}

// emailCmd represents the email command group
var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "Inspect emails and their delivery history",
}

// statusCmd represents the email status command
var statusCmd = &cobra.Command{
	Use:   "status <message_id>",
	Short: "Get the delivery status and event history of an email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/v1/emails/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("status request failed: %w", err)
		}

		var result emailView
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		if outputJSON {
			printOutput(result)
			return nil
		}

		fmt.Printf("Message ID: %s\n", result.MessageID)
		fmt.Printf("To:         %s\n", result.To)
		fmt.Printf("From:       %s\n", result.From)
		fmt.Printf("Subject:    %s\n", result.Subject)
		fmt.Printf("Status:     %s\n", result.Status)
		fmt.Printf("Attempts:   %d\n", result.Attempts)
		if result.LastError != "" {
			fmt.Printf("Last error: %s\n", result.LastError)
		}
		fmt.Println("Events:")
		for _, ev := range result.Events {
			line := fmt.Sprintf("  %s  %s", ev.CreatedAt.Format(time.RFC3339), ev.EventType)
			if ev.Provider != "" {
				line += " (" + ev.Provider + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

// listCmd represents the email list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List emails with pagination and optional status filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		q.Set("limit", strconv.Itoa(listLimit))
		q.Set("offset", strconv.Itoa(listOffset))

		resp, err := makeHTTPRequest("GET", "/v1/emails?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("list request failed: %w", err)
		}

		var result struct {
			Emails []emailView `json:"emails"`
			Total  int         `json:"total"`
			Limit  int         `json:"limit"`
			Offset int         `json:"offset"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		if outputJSON {
			printOutput(result)
			return nil
		}

		fmt.Printf("Showing %d of %d emails (offset %d)\n", len(result.Emails), result.Total, result.Offset)
		for _, e := range result.Emails {
			fmt.Printf("  %s  %-8s  attempts=%d  to=%s  %q\n",
				e.MessageID, e.Status, e.Attempts, e.To, e.Subject)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(emailCmd)
	emailCmd.AddCommand(statusCmd)
	emailCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (queued, sending, sent, failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "results per page (1-100)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "pagination offset")
}
