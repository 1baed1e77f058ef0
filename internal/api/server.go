// Package api is the ingestion surface: it validates send requests, persists
// them, and hands them to the queue. It never talks to a provider.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/postroomhq/postroom/internal/auth"
	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/metrics"
	"github.com/postroomhq/postroom/internal/store"
	"github.com/postroomhq/postroom/internal/tracing"
)

// Store is the slice of the email store the API needs.
type Store interface {
	CreateEmail(ctx context.Context, e *store.Email) error
	MarkQueued(ctx context.Context, id string) error
	GetEmailByMessageID(ctx context.Context, messageID, apiKeyID string) (*store.Email, error)
	ListEmails(ctx context.Context, apiKeyID, status string, limit, offset int) ([]*store.Email, int, error)
	ListEvents(ctx context.Context, emailID string) ([]store.Event, error)
}

// Queue publishes accepted emails to the delivery topic.
type Queue interface {
	PublishWorkItem(ctx context.Context, emailID, messageID string) error
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	store       Store
	queue       Queue
	maxAttempts int
	logger      *logging.Logger
}

func NewServer(st Store, q Queue, maxAttempts int, logger *logging.Logger) *Server {
	return &Server{store: st, queue: q, maxAttempts: maxAttempts, logger: logger}
}

// Routes mounts the authenticated v1 API. The extra middlewares run between
// auth and the handlers, so a rate limiter sees the resolved key record.
func (s *Server) Routes(authMW func(http.Handler) http.Handler, extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW)
		for _, mw := range extra {
			r.Use(mw)
		}
		r.Post("/emails", s.sendEmail)
		r.Get("/emails", s.listEmails)
		r.Get("/emails/{message_id}", s.getEmailStatus)
	})

	return r
}

// Banner serves the root service banner. Any other unrouted path falls
// through here, so it 404s everything but "/".
func Banner(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"service": service,
			"status":  "ok",
		})
	}
}

func generateMessageID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "msg_" + hex.EncodeToString(b)
}

func (s *Server) sendEmail(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.send_email")
	defer span.End()

	key, ok := auth.FromContext(ctx)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal error."})
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "Invalid JSON body."})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: err.Error()})
		return
	}

	e := &store.Email{
		ID:          uuid.NewString(),
		MessageID:   generateMessageID(),
		APIKeyID:    key.ID,
		To:          req.To,
		From:        req.From,
		FromName:    req.FromName,
		Subject:     req.Subject,
		BodyHTML:    req.BodyHTML,
		BodyText:    req.BodyText,
		ReplyTo:     req.ReplyTo,
		Status:      store.StatusQueued,
		MaxAttempts: s.maxAttempts,
		Metadata:    req.Metadata,
		Tags:        req.Tags,
		CreatedAt:   time.Now().UTC(),
	}
	span.SetAttributes(
		attribute.String("email_id", e.ID),
		attribute.String("message_id", e.MessageID),
	)

	if err := s.store.CreateEmail(ctx, e); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithMessageID(e.MessageID).WithError(err).Error("create email failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Failed to accept email."})
		return
	}

	if err := s.queue.PublishWorkItem(ctx, e.ID, e.MessageID); err != nil {
		// The row exists but never reached the queue. Surface the failure so
		// the caller retries; the duplicate row is harmless to the worker.
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEmail(e.ID).WithError(err).Error("queue publish failed")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Detail: "Queue unavailable, try again."})
		return
	}

	if err := s.store.MarkQueued(ctx, e.ID); err != nil {
		// Queued event is best-effort once the item is on the wire.
		s.logger.WithContext(ctx).WithEmail(e.ID).WithError(err).Warn("mark queued failed")
	}

	metrics.RecordEmailAccepted()
	s.logger.WithContext(ctx).WithEmail(e.ID).WithMessageID(e.MessageID).Info("email accepted")

	writeJSON(w, http.StatusAccepted, SendResponse{
		MessageID: e.MessageID,
		Status:    string(store.StatusQueued),
		CreatedAt: e.CreatedAt,
	})
}

func (s *Server) getEmailStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.get_email_status")
	defer span.End()

	key, ok := auth.FromContext(ctx)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal error."})
		return
	}

	messageID := chi.URLParam(r, "message_id")
	e, err := s.store.GetEmailByMessageID(ctx, messageID, key.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "Email not found"})
			return
		}
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithMessageID(messageID).WithError(err).Error("get email failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal error."})
		return
	}

	events, err := s.store.ListEvents(ctx, e.ID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEmail(e.ID).WithError(err).Error("list events failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal error."})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(e, events))
}

func (s *Server) listEmails(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.list_emails")
	defer span.End()

	key, ok := auth.FromContext(ctx)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal error."})
		return
	}

	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "limit must be between 1 and 100"})
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "offset must be non-negative"})
		return
	}

	emails, total, err := s.store.ListEmails(ctx, key.ID, status, limit, offset)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithError(err).Error("list emails failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal error."})
		return
	}

	resp := ListResponse{
		Emails: make([]StatusResponse, 0, len(emails)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, e := range emails {
		events, err := s.store.ListEvents(ctx, e.ID)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			s.logger.WithContext(ctx).WithEmail(e.ID).WithError(err).Error("list events failed")
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal error."})
			return
		}
		resp.Emails = append(resp.Emails, statusResponse(e, events))
	}

	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return i
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
