// Package sender holds the outbound delivery providers. Each provider takes a
// fully built envelope and performs exactly one send attempt; retry policy
// lives with the caller.
package sender

import "context"

// Envelope is everything a provider needs for one send. Built by the worker
// from the stored email, never from the queue payload.
type Envelope struct {
	To       string
	From     string
	FromName string
	Subject  string
	BodyHTML string
	BodyText string
	ReplyTo  string
}

// Sender performs a single delivery attempt.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
	Name() string
}

// FromHeader renders the From header, with the display name when present.
func (e Envelope) FromHeader() string {
	if e.FromName != "" {
		return e.FromName + " <" + e.From + ">"
	}
	return e.From
}
