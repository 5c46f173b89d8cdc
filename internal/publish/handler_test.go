package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/auth"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/mailer"
	"github.com/austindbirch/harbor_mail/internal/recipients"
)

type publisherFunc func(ctx context.Context, owner string, req Request) (Result, error)

func (f publisherFunc) Publish(ctx context.Context, owner string, req Request) (Result, error) {
	return f(ctx, owner, req)
}

func TestHandler_Publish(t *testing.T) {
	saved := idempotency.SavedResponse{
		Status:  http.StatusAccepted,
		Headers: []idempotency.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:    []byte(`{"status":"accepted"}`),
	}

	tests := []struct {
		name        string
		owner       string
		contentType string
		body        string
		header      string
		result      Result
		err         error
		wantStatus  int
		wantReq     Request
		wantRetry   bool
	}{
		{
			name:        "form body",
			owner:       "owner-1",
			contentType: "application/x-www-form-urlencoded",
			body:        url.Values{"title": {"T"}, "text_content": {"txt"}, "html_content": {"<p>h</p>"}, "idempotency_key": {"k1"}}.Encode(),
			result:      Result{Response: saved},
			wantStatus:  http.StatusAccepted,
			wantReq:     Request{Title: "T", TextContent: "txt", HTMLContent: "<p>h</p>", IdempotencyKey: "k1"},
		},
		{
			name:        "json body with header key",
			owner:       "owner-1",
			contentType: "application/json; charset=utf-8",
			body:        `{"title":"T","text_content":"txt","html_content":"<p>h</p>"}`,
			header:      "k2",
			result:      Result{Response: saved, Replayed: true},
			wantStatus:  http.StatusAccepted,
			wantReq:     Request{Title: "T", TextContent: "txt", HTMLContent: "<p>h</p>", IdempotencyKey: "k2"},
		},
		{
			name:       "missing owner",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:        "malformed json",
			owner:       "owner-1",
			contentType: "application/json",
			body:        `{"title":`,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "conflict sets retry-after",
			owner:       "owner-1",
			contentType: "application/json",
			body:        `{}`,
			err:         &Error{Kind: KindConflict, Msg: "claim", Err: idempotency.ErrInProgress},
			wantStatus:  http.StatusConflict,
			wantRetry:   true,
		},
		{
			name:        "mismatch",
			owner:       "owner-1",
			contentType: "application/json",
			body:        `{}`,
			err:         &Error{Kind: KindValidation, Msg: "claim", Err: idempotency.ErrFingerprintMismatch},
			wantStatus:  http.StatusUnprocessableEntity,
		},
		{
			name:        "unclassified error",
			owner:       "owner-1",
			contentType: "application/json",
			body:        `{}`,
			err:         errors.New("boom"),
			wantStatus:  http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq Request
			var gotOwner string
			h := NewHandler(publisherFunc(func(_ context.Context, owner string, req Request) (Result, error) {
				gotOwner, gotReq = owner, req
				return tt.result, tt.err
			}), logging.Nop())

			r := httptest.NewRequest(http.MethodPost, "/admin/newsletters", strings.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			if tt.header != "" {
				r.Header.Set(IdempotencyKeyHeader, tt.header)
			}
			if tt.owner != "" {
				r = r.WithContext(auth.WithOwner(r.Context(), tt.owner))
			}
			rec := httptest.NewRecorder()

			h.Publish(rec, r)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := rec.Header().Get("Retry-After") != ""; got != tt.wantRetry {
				t.Errorf("Retry-After present = %v, want %v", got, tt.wantRetry)
			}
			if tt.wantStatus == http.StatusAccepted {
				if gotOwner != tt.owner {
					t.Errorf("owner = %q, want %q", gotOwner, tt.owner)
				}
				if gotReq != tt.wantReq {
					t.Errorf("request = %+v, want %+v", gotReq, tt.wantReq)
				}
				if rec.Body.String() != string(saved.Body) {
					t.Errorf("body = %q, want %q", rec.Body.String(), saved.Body)
				}
				if rec.Header().Get("Content-Type") != "application/json" {
					t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
				}
			}
		})
	}
}

func TestHandler_PublishEndToEnd(t *testing.T) {
	w := newWorld("a@example.com", "b@example.com")
	h := NewHandler(w.service(), logging.Nop())

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/admin/newsletters",
			strings.NewReader(`{"title":"T","text_content":"txt","html_content":"<p>h</p>","idempotency_key":"k"}`))
		r.Header.Set("Content-Type", "application/json")
		r = r.WithContext(auth.WithOwner(r.Context(), "owner-1"))
		rec := httptest.NewRecorder()
		h.Publish(rec, r)
		return rec
	}

	first, second := send(), send()
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("status = %d, %d, want 202 twice", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body %q differs from %q", second.Body.String(), first.Body.String())
	}
	var a Accepted
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil || a.Enqueued != 2 {
		t.Errorf("body = %q, want 2 enqueued", first.Body.String())
	}
}

type fakeSubscribers struct {
	addErr     error
	confirmErr error
	added      []string
	confirmed  []string
}

func (f *fakeSubscribers) Add(_ context.Context, name, email string) (recipients.Subscriber, string, error) {
	if f.addErr != nil {
		return recipients.Subscriber{}, "", f.addErr
	}
	f.added = append(f.added, name+" <"+email+">")
	return recipients.Subscriber{ID: uuid.New(), Email: email, Name: name, Status: recipients.StatusPending}, "tok123", nil
}

func (f *fakeSubscribers) Confirm(_ context.Context, token string) (uuid.UUID, error) {
	if f.confirmErr != nil {
		return uuid.Nil, f.confirmErr
	}
	f.confirmed = append(f.confirmed, token)
	return uuid.New(), nil
}

type fakeSender struct {
	err  error
	sent []mailer.Email
}

func (f *fakeSender) Send(_ context.Context, e mailer.Email) error {
	f.sent = append(f.sent, e)
	return f.err
}

func TestSubscriptions_Subscribe(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		addErr     error
		sendErr    error
		wantStatus int
		wantSent   int
	}{
		{name: "valid", form: url.Values{"name": {"le guin"}, "email": {"ursula@example.com"}}, wantStatus: http.StatusOK, wantSent: 1},
		{name: "missing name", form: url.Values{"email": {"ursula@example.com"}}, wantStatus: http.StatusBadRequest},
		{name: "missing email", form: url.Values{"name": {"le guin"}}, wantStatus: http.StatusBadRequest},
		{name: "invalid email", form: url.Values{"name": {"le guin"}, "email": {"definitely-not-an-email"}}, wantStatus: http.StatusBadRequest},
		{name: "already confirmed", form: url.Values{"name": {"le guin"}, "email": {"ursula@example.com"}}, addErr: recipients.ErrAlreadyConfirmed, wantStatus: http.StatusOK},
		{name: "store failure", form: url.Values{"name": {"le guin"}, "email": {"ursula@example.com"}}, addErr: errors.New("db down"), wantStatus: http.StatusInternalServerError},
		{name: "send failure", form: url.Values{"name": {"le guin"}, "email": {"ursula@example.com"}}, sendErr: errors.New("smtp down"), wantStatus: http.StatusInternalServerError, wantSent: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeSubscribers{addErr: tt.addErr}
			sender := &fakeSender{err: tt.sendErr}
			s := NewSubscriptions(store, sender, "https://news.example.com", logging.Nop())

			r := httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(tt.form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()

			s.Subscribe(rec, r)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if len(sender.sent) != tt.wantSent {
				t.Fatalf("sent %d emails, want %d", len(sender.sent), tt.wantSent)
			}
			if tt.wantSent == 1 {
				e := sender.sent[0]
				link := "https://news.example.com/subscriptions/confirm?subscription_token=tok123"
				if e.To != "ursula@example.com" {
					t.Errorf("To = %q", e.To)
				}
				if !strings.Contains(e.HTMLBody, link) || !strings.Contains(e.TextBody, link) {
					t.Errorf("confirmation link missing from %q / %q", e.HTMLBody, e.TextBody)
				}
			}
		})
	}
}

func TestSubscriptions_Confirm(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		confirmErr error
		wantStatus int
	}{
		{name: "valid token", query: "?subscription_token=tok123", wantStatus: http.StatusOK},
		{name: "missing token", query: "", wantStatus: http.StatusBadRequest},
		{name: "unknown token", query: "?subscription_token=nope", confirmErr: recipients.ErrUnknownToken, wantStatus: http.StatusUnauthorized},
		{name: "store failure", query: "?subscription_token=tok123", confirmErr: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeSubscribers{confirmErr: tt.confirmErr}
			s := NewSubscriptions(store, &fakeSender{}, "https://news.example.com", logging.Nop())

			rec := httptest.NewRecorder()
			s.Confirm(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm"+tt.query, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
