package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/mailer"
)

func emailBody(to string) string {
	b, _ := json.Marshal(message{From: "news@example.com", To: to, Subject: "Hi", TextBody: "t", HtmlBody: "<p>h</p>", MessageStream: "outbound"})
	return string(b)
}

func TestHandleEmail(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.FakeMailer
		token      string
		body       string
		wantStatus []int
	}{
		{
			name:       "accepts",
			body:       emailBody("a@example.com"),
			wantStatus: []int{http.StatusOK},
		},
		{
			name:       "fails first n",
			cfg:        config.FakeMailer{FailFirstN: 2},
			body:       emailBody("a@example.com"),
			wantStatus: []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK},
		},
		{
			name:       "rejects domain",
			cfg:        config.FakeMailer{RejectDomains: []string{"bounce.test"}},
			body:       emailBody("someone@Bounce.Test"),
			wantStatus: []int{http.StatusUnprocessableEntity, http.StatusUnprocessableEntity},
		},
		{
			name:       "wrong token",
			cfg:        config.FakeMailer{ServerToken: "secret"},
			token:      "guess",
			body:       emailBody("a@example.com"),
			wantStatus: []int{http.StatusUnauthorized},
		},
		{
			name:       "right token",
			cfg:        config.FakeMailer{ServerToken: "secret"},
			token:      "secret",
			body:       emailBody("a@example.com"),
			wantStatus: []int{http.StatusOK},
		},
		{
			name:       "bad json",
			body:       `{"To":`,
			wantStatus: []int{http.StatusBadRequest},
		},
		{
			name:       "missing recipient",
			body:       emailBody(""),
			wantStatus: []int{http.StatusUnprocessableEntity},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := newFakeMailer(tt.cfg, logging.Nop())
			mux := fm.routes()

			for i, want := range tt.wantStatus {
				r := httptest.NewRequest(http.MethodPost, "/email", strings.NewReader(tt.body))
				if tt.token != "" {
					r.Header.Set(mailer.TokenHeader, tt.token)
				}
				rec := httptest.NewRecorder()
				mux.ServeHTTP(rec, r)

				if rec.Code != want {
					t.Errorf("request %d status = %d, want %d", i+1, rec.Code, want)
				}
			}
		})
	}
}

func TestFakeMailer_WithClient(t *testing.T) {
	fm := newFakeMailer(config.FakeMailer{FailFirstN: 1, RejectDomains: []string{"bounce.test"}, ServerToken: "tok"}, logging.Nop())
	srv := httptest.NewServer(fm.routes())
	defer srv.Close()

	client := mailer.New(config.Mailer{BaseURL: srv.URL, Sender: "news@example.com", Token: "tok"}, srv.Client())
	ctx := context.Background()

	err := client.Send(ctx, mailer.Email{To: "a@example.com", Subject: "s", TextBody: "t", HTMLBody: "h"})
	if err == nil || mailer.IsPermanent(err) {
		t.Fatalf("first Send() = %v, want transient failure", err)
	}
	if err := client.Send(ctx, mailer.Email{To: "a@example.com", Subject: "s", TextBody: "t", HTMLBody: "h"}); err != nil {
		t.Fatalf("second Send() unexpected error: %v", err)
	}
	err = client.Send(ctx, mailer.Email{To: "x@bounce.test", Subject: "s", TextBody: "t", HTMLBody: "h"})
	if !mailer.IsPermanent(err) {
		t.Errorf("Send() to rejected domain = %v, want permanent failure", err)
	}

	wrongToken := mailer.New(config.Mailer{BaseURL: srv.URL, Sender: "news@example.com", Token: "stale"}, srv.Client())
	err = wrongToken.Send(ctx, mailer.Email{To: "a@example.com", Subject: "s", TextBody: "t", HTMLBody: "h"})
	if err == nil || mailer.IsPermanent(err) || mailer.StatusOf(err) != http.StatusUnauthorized {
		t.Errorf("Send() with stale token = %v, want transient 401", err)
	}

	resp, err := http.Get(srv.URL + "/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []message
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].To != "a@example.com" || got[0].MessageStream != "outbound" {
		t.Errorf("delivered = %+v, want one message to a@example.com", got)
	}
}

func TestHandleEmail_Delay(t *testing.T) {
	fm := newFakeMailer(config.FakeMailer{ResponseDelay: 30 * time.Millisecond}, logging.Nop())

	start := time.Now()
	rec := httptest.NewRecorder()
	fm.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/email", strings.NewReader(emailBody("a@example.com"))))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("responded after %v, want at least 30ms", elapsed)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "exactly", n: 7, want: "exactly"},
		{in: "a longer subject", n: 8, want: "a longer..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
