package mailq

// WorkItem is the message published to the emails topic. It carries only the
// email's identity; the worker re-reads the authoritative row from the store
// on every delivery, so redelivered or duplicate items are harmless.
type WorkItem struct {
	EmailID      string            `json:"email_id"`
	MessageID    string            `json:"message_id"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}
