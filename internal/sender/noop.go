package sender

import "context"

// NoopSender accepts everything without touching the network. Used in local
// compose stacks and demos.
type NoopSender struct{}

func (NoopSender) Name() string { return "noop" }

func (NoopSender) Send(ctx context.Context, env Envelope) error { return nil }
