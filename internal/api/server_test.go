package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postroomhq/postroom/internal/auth"
	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/store"
)

type fakeStore struct {
	created    []*store.Email
	queued     []string
	emails     map[string]*store.Email // by message_id
	events     map[string][]store.Event
	createErr  error
	markErr    error
	listTotal  int
	listStatus string
}

func (f *fakeStore) CreateEmail(ctx context.Context, e *store.Email) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, e)
	if f.emails == nil {
		f.emails = map[string]*store.Email{}
	}
	f.emails[e.MessageID] = e
	return nil
}

func (f *fakeStore) MarkQueued(ctx context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.queued = append(f.queued, id)
	return nil
}

func (f *fakeStore) GetEmailByMessageID(ctx context.Context, messageID, apiKeyID string) (*store.Email, error) {
	e, ok := f.emails[messageID]
	if !ok || e.APIKeyID != apiKeyID {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListEmails(ctx context.Context, apiKeyID, status string, limit, offset int) ([]*store.Email, int, error) {
	f.listStatus = status
	var out []*store.Email
	for _, e := range f.emails {
		if e.APIKeyID == apiKeyID && (status == "" || string(e.Status) == status) {
			out = append(out, e)
		}
	}
	return out, f.listTotal, nil
}

func (f *fakeStore) ListEvents(ctx context.Context, emailID string) ([]store.Event, error) {
	return f.events[emailID], nil
}

type fakeQueue struct {
	published []string
	err       error
}

func (f *fakeQueue) PublishWorkItem(ctx context.Context, emailID, messageID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, emailID)
	return nil
}

// testAuth injects a fixed key record, standing in for the real middleware.
func testAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &store.APIKey{ID: "key-1", Active: true}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), auth.APIKeyCtxKey, rec)))
	})
}

func newTestServer(st *fakeStore, q *fakeQueue) http.Handler {
	s := NewServer(st, q, 3, logging.New("test"))
	return s.Routes(testAuth)
}

func validSendBody() []byte {
	b, _ := json.Marshal(SendRequest{
		To:       "user@example.com",
		From:     "hello@myapp.com",
		FromName: "My App",
		Subject:  "Welcome!",
		BodyHTML: "<h1>Welcome!</h1>",
		BodyText: "Welcome!",
		Metadata: map[string]any{"campaign": "onboarding"},
		Tags:     []string{"welcome"},
	})
	return b
}

func TestBanner(t *testing.T) {
	h := Banner("postroom")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["service"] != "postroom" {
		t.Errorf("service = %q, want postroom", body["service"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rr.Code)
	}
}

func TestSendEmail_Accepted(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{}
	h := newTestServer(st, q)

	req := httptest.NewRequest(http.MethodPost, "/v1/emails", bytes.NewReader(validSendBody()))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rr.Code, rr.Body.String())
	}

	var resp SendResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if !strings.HasPrefix(resp.MessageID, "msg_") {
		t.Errorf("message_id = %q, want msg_ prefix", resp.MessageID)
	}
	if len(resp.MessageID) != len("msg_")+16 {
		t.Errorf("message_id length = %d, want %d", len(resp.MessageID), len("msg_")+16)
	}
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}

	if len(st.created) != 1 {
		t.Fatalf("created rows = %d, want 1", len(st.created))
	}
	e := st.created[0]
	if e.APIKeyID != "key-1" {
		t.Errorf("api key id = %q, want key-1", e.APIKeyID)
	}
	if e.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", e.MaxAttempts)
	}
	if len(q.published) != 1 || q.published[0] != e.ID {
		t.Errorf("published = %v, want the created email id", q.published)
	}
	if len(st.queued) != 1 || st.queued[0] != e.ID {
		t.Errorf("queued marks = %v, want the created email id", st.queued)
	}
}

func TestSendEmail_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SendRequest)
	}{
		{"missing recipient", func(r *SendRequest) { r.To = "" }},
		{"bad recipient", func(r *SendRequest) { r.To = "not-an-email" }},
		{"bad sender", func(r *SendRequest) { r.From = "nope" }},
		{"bad reply_to", func(r *SendRequest) { r.ReplyTo = "nope" }},
		{"empty subject", func(r *SendRequest) { r.Subject = "" }},
		{"oversize subject", func(r *SendRequest) { r.Subject = strings.Repeat("x", 501) }},
		{"no bodies", func(r *SendRequest) { r.BodyHTML = ""; r.BodyText = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqBody := SendRequest{
				To:       "user@example.com",
				From:     "hello@myapp.com",
				Subject:  "hi",
				BodyText: "hello",
			}
			tt.mutate(&reqBody)
			b, _ := json.Marshal(reqBody)

			st := &fakeStore{}
			h := newTestServer(st, &fakeQueue{})
			req := httptest.NewRequest(http.MethodPost, "/v1/emails", bytes.NewReader(b))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
			if len(st.created) != 0 {
				t.Error("invalid request must not persist anything")
			}
		})
	}
}

func TestSendEmail_QueueDown(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{err: errors.New("nsqd unreachable")}
	h := newTestServer(st, q)

	req := httptest.NewRequest(http.MethodPost, "/v1/emails", bytes.NewReader(validSendBody()))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if len(st.queued) != 0 {
		t.Error("queued event must not be recorded when publish fails")
	}
}

func TestGetEmailStatus(t *testing.T) {
	now := time.Now().UTC()
	sentAt := now.Add(2 * time.Second)
	e := &store.Email{
		ID:        "email-1",
		MessageID: "msg_7x8k2m9p",
		APIKeyID:  "key-1",
		To:        "user@example.com",
		From:      "hello@myapp.com",
		Subject:   "Welcome!",
		Status:    store.StatusSent,
		Attempts:  1,
		CreatedAt: now,
		SentAt:    &sentAt,
	}
	st := &fakeStore{
		emails: map[string]*store.Email{e.MessageID: e},
		events: map[string][]store.Event{
			"email-1": {
				{EventType: store.EventCreated, CreatedAt: now},
				{EventType: store.EventQueued, CreatedAt: now},
				{EventType: store.EventAttempt, CreatedAt: sentAt},
				{EventType: store.EventSent, Provider: "smtp", CreatedAt: sentAt},
			},
		},
	}
	h := newTestServer(st, &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/v1/emails/msg_7x8k2m9p", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body.String())
	}

	var resp StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", resp.Status)
	}
	if len(resp.Events) != 4 {
		t.Fatalf("events = %d, want 4", len(resp.Events))
	}
	if resp.Events[0].EventType != store.EventCreated {
		t.Errorf("first event = %q, want created", resp.Events[0].EventType)
	}
	if resp.Events[3].EventType != store.EventSent || resp.Events[3].Provider != "smtp" {
		t.Errorf("last event = %+v, want sent via smtp", resp.Events[3])
	}
}

func TestGetEmailStatus_NotFound(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/v1/emails/msg_missing", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestGetEmailStatus_OtherTenantHidden(t *testing.T) {
	e := &store.Email{ID: "email-1", MessageID: "msg_other", APIKeyID: "key-2"}
	st := &fakeStore{emails: map[string]*store.Email{e.MessageID: e}}
	h := newTestServer(st, &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/v1/emails/msg_other", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for another tenant's email", rr.Code)
	}
}

func TestListEmails(t *testing.T) {
	e := &store.Email{ID: "email-1", MessageID: "msg_1", APIKeyID: "key-1", Status: store.StatusFailed}
	st := &fakeStore{emails: map[string]*store.Email{e.MessageID: e}, listTotal: 1}
	h := newTestServer(st, &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/v1/emails?status=failed&limit=10&offset=0", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body.String())
	}

	var resp ListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}
	if resp.Limit != 10 || resp.Offset != 0 {
		t.Errorf("paging echoed = %d/%d, want 10/0", resp.Limit, resp.Offset)
	}
	if st.listStatus != "failed" {
		t.Errorf("status filter passed = %q, want failed", st.listStatus)
	}
	if len(resp.Emails) != 1 {
		t.Errorf("emails = %d, want 1", len(resp.Emails))
	}
}

func TestListEmails_BadPaging(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeQueue{})

	for _, q := range []string{"limit=0", "limit=101", "offset=-1", "limit=abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/emails?"+q, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("query %q status = %d, want 400", q, rr.Code)
		}
	}
}
