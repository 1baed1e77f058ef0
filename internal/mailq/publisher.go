package mailq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/postroomhq/postroom/internal/tracing"
)

// Producer is the subset of *nsq.Producer the publisher needs. Narrowed so
// tests can capture publishes without a running nsqd.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Publisher wraps an NSQ producer with the topics and envelopes of the email
// pipeline.
type Publisher struct {
	prod     Producer
	topic    string
	dlqTopic string
}

// NewPublisher connects a producer to nsqd over TCP.
func NewPublisher(nsqdAddr, topic, dlqTopic string) (*Publisher, error) {
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &Publisher{prod: prod, topic: topic, dlqTopic: dlqTopic}, nil
}

// NewPublisherWith builds a Publisher around an existing producer.
func NewPublisherWith(prod Producer, topic, dlqTopic string) *Publisher {
	return &Publisher{prod: prod, topic: topic, dlqTopic: dlqTopic}
}

// PublishWorkItem puts one email on the delivery topic, carrying the current
// trace context in the item itself since NSQ has no message headers.
func (p *Publisher) PublishWorkItem(ctx context.Context, emailID, messageID string) error {
	item := WorkItem{
		EmailID:      emailID,
		MessageID:    messageID,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := p.prod.Publish(p.topic, b); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}

// PublishDeadLetter routes a poison or exhausted item to the DLQ topic.
func (p *Publisher) PublishDeadLetter(dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.prod.Publish(p.dlqTopic, b); err != nil {
		return fmt.Errorf("nsq publish dlq: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the underlying producer when one was built by
// NewPublisher.
func (p *Publisher) Stop() {
	if prod, ok := p.prod.(*nsq.Producer); ok {
		prod.Stop()
	}
}
