package store

import "time"

// Status is the lifecycle state of an email.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	// StatusDelivered is reserved for a transport-confirmed callback that this
	// pipeline does not produce. Nothing in the worker sets it.
	StatusDelivered Status = "delivered"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusDelivered
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusSending
	case StatusSending:
		return next == StatusSent || next == StatusQueued || next == StatusFailed
	default:
		return false
	}
}

// Event types recorded in the append-only audit trail.
const (
	EventCreated       = "created"
	EventQueued        = "queued"
	EventAttempt       = "attempt"
	EventAttemptFailed = "attempt_failed"
	EventSent          = "sent"
	EventFailed        = "failed"
)

// Email is one send request and its delivery state. Mutated only by the
// ingestion path at creation and by the delivery worker afterwards.
type Email struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	APIKeyID  string `json:"api_key_id,omitempty"`

	To       string `json:"to"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html,omitempty"`
	BodyText string `json:"body_text,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`

	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// Exhausted reports whether the email has no attempts left.
func (e *Email) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// Event is one entry in an email's append-only audit trail. The BIGSERIAL ID
// is the ordering tie-break: two events may share a timestamp, the sequence
// never collides.
type Event struct {
	ID        int64          `json:"-"`
	EmailID   string         `json:"-"`
	EventType string         `json:"event_type"`
	Provider  string         `json:"provider,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
