// Package worker consumes email work items from NSQ and drives each one
// through the delivery state machine. The queue payload is only a pointer;
// the store row is authoritative, which makes redelivered and duplicate
// messages safe to process.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/postroomhq/postroom/internal/config"
	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/mailq"
	"github.com/postroomhq/postroom/internal/metrics"
	"github.com/postroomhq/postroom/internal/sender"
	"github.com/postroomhq/postroom/internal/store"
	"github.com/postroomhq/postroom/internal/tracing"
)

// Store is the slice of the email store the worker needs.
type Store interface {
	GetEmail(ctx context.Context, id string) (*store.Email, error)
	ClaimAttempt(ctx context.Context, id string, lease time.Duration) (*store.Email, error)
	MarkSent(ctx context.Context, id, provider string, details map[string]any) error
	MarkRetryable(ctx context.Context, id string, attempt int, provider, sendErr string) error
	AppendAttemptFailed(ctx context.Context, id string, attempt int, provider, sendErr string) error
	MarkFailed(ctx context.Context, id, provider, lastErr string) error
	RecordDeadLetter(ctx context.Context, emailID, reason string) error
}

// DLQ publishes dead letters to the DLQ topic.
type DLQ interface {
	PublishDeadLetter(dl mailq.DeadLetter) error
}

// Worker handles one work item per HandleMessage call. Safe for concurrent
// use; NSQ calls it from multiple goroutines.
type Worker struct {
	store  Store
	sender sender.Sender
	dlq    DLQ
	cfg    config.Worker
	logger *logging.Logger
}

func New(st Store, snd sender.Sender, dlq DLQ, cfg config.Worker, logger *logging.Logger) *Worker {
	return &Worker{store: st, sender: snd, dlq: dlq, cfg: cfg, logger: logger}
}

// ConsumerConfig builds the NSQ consumer configuration. MaxAttempts is
// unlimited: the store's attempt ceiling decides when an email is done, and
// a long store outage means many deferred redeliveries of the same item.
// With the library default (5) the client would give up and ack the message
// itself, stranding the email in queued.
func ConsumerConfig(cfg config.Worker) *nsq.Config {
	c := nsq.NewConfig()
	c.MaxInFlight = cfg.Concurrency
	c.MaxAttempts = 0
	return c
}

// HandleMessage implements nsq.Handler. Every path responds explicitly:
// Finish acks the message, Requeue schedules a server-side redelivery after
// the given delay without blocking the consumer slot.
func (w *Worker) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			w.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var item mailq.WorkItem
	if err := json.Unmarshal(m.Body, &item); err != nil {
		w.logger.Plain().WithError(err).Error("bad work item payload")
		w.deadLetter(context.Background(), mailq.DeadLetter{
			Type:    mailq.DLQType,
			Version: "v1",
			At:      time.Now().Format(time.RFC3339Nano),
			Reason:  "malformed payload",
			RawBody: string(m.Body),
		})
		metrics.RecordDLQ("malformed_payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}
	if item.EmailID == "" {
		w.logger.Plain().Error("work item without email_id")
		w.deadLetter(context.Background(), mailq.DeadLetter{
			Type:    mailq.DLQType,
			Version: "v1",
			At:      time.Now().Format(time.RFC3339Nano),
			Reason:  "missing email_id",
			RawBody: string(m.Body),
		})
		metrics.RecordDLQ("malformed_payload")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), item.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.email_delivery",
		attribute.String("email_id", item.EmailID),
		attribute.String("message_id", item.MessageID),
	)
	defer span.End()

	e, err := w.store.GetEmail(ctx, item.EmailID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The row is gone; retrying can never succeed.
			w.logger.WithContext(ctx).WithEmail(item.EmailID).Warn("email not found, dropping")
			m.Finish()
			return nil
		}
		// Store unreachable. Leave the item un-acked so no state is lost and
		// let NSQ redeliver once the outage may have passed.
		tracing.SetSpanError(ctx, err)
		w.logger.WithContext(ctx).WithEmail(item.EmailID).WithError(err).Error("store read failed, deferring")
		m.Requeue(w.cfg.StoreRetryWait)
		return nil
	}

	log := w.logger.WithContext(ctx).WithEmail(e.ID).WithMessageID(e.MessageID)

	if e.Status.Terminal() {
		// Duplicate or redelivered item for an email already settled.
		tracing.AddSpanEvent(ctx, "email.already_terminal", attribute.String("status", string(e.Status)))
		log.WithField("status", string(e.Status)).Debug("email already terminal, skipping")
		m.Finish()
		return nil
	}

	if e.Exhausted() {
		// A previous attempt consumed the budget but its terminal write was
		// lost. Settle the record now.
		w.failTerminal(ctx, m, e, e.LastError, "attempts exhausted")
		return nil
	}

	claimed, err := w.store.ClaimAttempt(ctx, e.ID, w.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, store.ErrNotClaimable) {
			// Another worker holds the lease or settled the email between our
			// read and the claim. Redeliver later; no attempt was consumed.
			tracing.AddSpanEvent(ctx, "email.claim_lost")
			log.Debug("claim lost, deferring")
			m.Requeue(w.cfg.RequeueOnBusy)
			return nil
		}
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("claim failed, deferring")
		m.Requeue(w.cfg.StoreRetryWait)
		return nil
	}
	span.SetAttributes(attribute.Int("attempt", claimed.Attempts))

	env := buildEnvelope(claimed)
	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	start := time.Now()
	sendErr := w.sender.Send(sendCtx, env)
	latency := time.Since(start)
	cancel()

	span.SetAttributes(attribute.Int64("send.latency_ms", latency.Milliseconds()))

	if sendErr == nil {
		details := map[string]any{"latency_ms": latency.Milliseconds(), "attempt": claimed.Attempts}
		if err := w.store.MarkSent(ctx, claimed.ID, w.sender.Name(), details); err != nil {
			if errors.Is(err, store.ErrStaleState) {
				log.Warn("sent but state moved underneath, finishing")
				m.Finish()
				return nil
			}
			tracing.SetSpanError(ctx, err)
			log.WithError(err).Error("mark sent failed, deferring")
			m.Requeue(w.cfg.StoreRetryWait)
			return nil
		}
		metrics.RecordDelivery("sent", w.sender.Name(), latency)
		log.WithProvider(w.sender.Name()).WithField("attempt", claimed.Attempts).Info("email sent")
		m.Finish() // explicit ack
		return nil
	}

	reason := sender.ClassifyFailure(sendErr)
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordDelivery("failed", w.sender.Name(), latency)

	if claimed.Exhausted() {
		if err := w.store.AppendAttemptFailed(ctx, claimed.ID, claimed.Attempts, w.sender.Name(), sendErr.Error()); err != nil {
			tracing.SetSpanError(ctx, err)
			log.WithError(err).Error("record attempt failure failed, deferring")
			m.Requeue(w.cfg.StoreRetryWait)
			return nil
		}
		w.failTerminal(ctx, m, claimed, sendErr.Error(),
			fmt.Sprintf("max attempts reached (%d)", claimed.Attempts))
		return nil
	}

	if err := w.store.MarkRetryable(ctx, claimed.ID, claimed.Attempts, w.sender.Name(), sendErr.Error()); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("mark retryable failed, deferring")
		m.Requeue(w.cfg.StoreRetryWait)
		return nil
	}

	delay := computeDelay(claimed.Attempts, w.cfg.BaseDelay, w.cfg.JitterPercent)
	metrics.RecordRetry(reason)
	tracing.AddSpanEvent(ctx, "email.requeue",
		attribute.Int("attempt", claimed.Attempts),
		attribute.String("delay", delay.String()),
	)
	log.WithFields(map[string]any{
		"attempt": claimed.Attempts,
		"delay":   delay.String(),
		"reason":  reason,
	}).Info("send failed, requeueing")
	m.Requeue(delay) // server-side deferred redelivery, consumer slot freed now
	return nil
}

// failTerminal settles an email as failed, records the DLQ audit row, and
// publishes the dead letter. The message is always finished: the email's fate
// is decided even if the side channels misbehave.
func (w *Worker) failTerminal(ctx context.Context, m *nsq.Message, e *store.Email, lastErr, reason string) {
	tracing.AddSpanEvent(ctx, "email.dlq", attribute.Int("attempt", e.Attempts))
	log := w.logger.WithContext(ctx).WithEmail(e.ID).WithMessageID(e.MessageID)

	if err := w.store.MarkFailed(ctx, e.ID, w.sender.Name(), lastErr); err != nil && !errors.Is(err, store.ErrStaleState) {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("mark failed failed, deferring")
		m.Requeue(w.cfg.StoreRetryWait)
		return
	}

	if err := w.store.RecordDeadLetter(ctx, e.ID, reason); err != nil {
		log.WithError(err).Error("dlq insert failed")
	}

	item := mailq.WorkItem{EmailID: e.ID, MessageID: e.MessageID}
	w.deadLetter(ctx, mailq.NewDeadLetter(item, e.Attempts, lastErr, reason))

	metrics.RecordDLQ("attempts_exhausted")
	log.WithField("attempts", e.Attempts).Warn("email failed permanently")
	m.Finish()
}

func (w *Worker) deadLetter(ctx context.Context, dl mailq.DeadLetter) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.PublishDeadLetter(dl); err != nil {
		tracing.SetSpanError(ctx, err)
		w.logger.WithContext(ctx).WithError(err).Error("dlq publish failed")
	}
}

// buildEnvelope renders the provider envelope from the stored row, never from
// the queue payload.
func buildEnvelope(e *store.Email) sender.Envelope {
	return sender.Envelope{
		To:       e.To,
		From:     e.From,
		FromName: e.FromName,
		Subject:  e.Subject,
		BodyHTML: e.BodyHTML,
		BodyText: e.BodyText,
		ReplyTo:  e.ReplyTo,
	}
}
