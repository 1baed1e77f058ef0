package api

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/postroomhq/postroom/internal/store"
)

// SendRequest is the POST /v1/emails payload.
type SendRequest struct {
	To       string         `json:"to"`
	From     string         `json:"from_email"`
	FromName string         `json:"from_name,omitempty"`
	Subject  string         `json:"subject"`
	BodyHTML string         `json:"body_html,omitempty"`
	BodyText string         `json:"body_text,omitempty"`
	ReplyTo  string         `json:"reply_to,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// Validate enforces the request contract before anything is persisted.
func (r *SendRequest) Validate() error {
	if _, err := mail.ParseAddress(r.To); err != nil {
		return fmt.Errorf("to is not a valid email address")
	}
	if _, err := mail.ParseAddress(r.From); err != nil {
		return fmt.Errorf("from_email is not a valid email address")
	}
	if r.ReplyTo != "" {
		if _, err := mail.ParseAddress(r.ReplyTo); err != nil {
			return fmt.Errorf("reply_to is not a valid email address")
		}
	}
	if len(r.Subject) < 1 || len(r.Subject) > 500 {
		return fmt.Errorf("subject must be between 1 and 500 characters")
	}
	if len(r.FromName) > 255 {
		return fmt.Errorf("from_name must be at most 255 characters")
	}
	if r.BodyHTML == "" && r.BodyText == "" {
		return fmt.Errorf("at least one of body_html or body_text is required")
	}
	return nil
}

// SendResponse acknowledges an accepted email.
type SendResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// EventView is one audit trail entry as exposed by the API.
type EventView struct {
	EventType string         `json:"event_type"`
	Provider  string         `json:"provider,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StatusResponse is the full delivery state of one email.
type StatusResponse struct {
	MessageID string       `json:"message_id"`
	To        string       `json:"to"`
	From      string       `json:"from_email"`
	Subject   string       `json:"subject"`
	Status    store.Status `json:"status"`
	Attempts  int          `json:"attempts"`
	CreatedAt time.Time    `json:"created_at"`
	QueuedAt  *time.Time   `json:"queued_at,omitempty"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
	FailedAt  *time.Time   `json:"failed_at,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Events    []EventView  `json:"events"`
}

// ListResponse is a page of emails.
type ListResponse struct {
	Emails []StatusResponse `json:"emails"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func statusResponse(e *store.Email, events []store.Event) StatusResponse {
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		views = append(views, EventView{
			EventType: ev.EventType,
			Provider:  ev.Provider,
			Details:   ev.Details,
			CreatedAt: ev.CreatedAt,
		})
	}
	return StatusResponse{
		MessageID: e.MessageID,
		To:        e.To,
		From:      e.From,
		Subject:   e.Subject,
		Status:    e.Status,
		Attempts:  e.Attempts,
		CreatedAt: e.CreatedAt,
		QueuedAt:  e.QueuedAt,
		SentAt:    e.SentAt,
		FailedAt:  e.FailedAt,
		LastError: e.LastError,
		Events:    views,
	}
}
