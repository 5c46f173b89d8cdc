package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/mailer"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// message is the subset of the Postmark send request the fake inspects
type message struct {
	From          string
	To            string
	Subject       string
	HtmlBody      string
	TextBody      string
	MessageStream string
}

type sendResponse struct {
	To          string
	SubmittedAt string
	MessageID   string
	ErrorCode   int
	Message     string
}

// fakeMailer imitates a Postmark-style email API with configurable failures
type fakeMailer struct {
	cfg config.FakeMailer
	log *logging.Logger

	mu        sync.Mutex
	requests  int
	delivered []message
}

func newFakeMailer(cfg config.FakeMailer, log *logging.Logger) *fakeMailer {
	return &fakeMailer{cfg: cfg, log: log}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-mailer", os.Stdout, cfg.LogLevel)
	fm := newFakeMailer(cfg.FakeMailer, logger)

	srv := &http.Server{
		Addr:         cfg.FakeMailer.Port,
		Handler:      tracing.HTTPMiddleware(fm.routes()),
		ReadTimeout:  cfg.FakeMailer.ReadTimeout,
		WriteTimeout: cfg.FakeMailer.WriteTimeout,
		IdleTimeout:  cfg.FakeMailer.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":           srv.Addr,
		"fail_first_n":   cfg.FakeMailer.FailFirstN,
		"reject_domains": cfg.FakeMailer.RejectDomains,
	}).Info("fake-mailer listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-mailer failed")
	}
}

func (f *fakeMailer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /email", f.handleEmail)
	mux.HandleFunc("GET /messages", f.handleMessages)
	return mux
}

func (f *fakeMailer) handleEmail(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests++
	n := f.requests
	f.mu.Unlock()

	if f.cfg.ResponseDelay > 0 {
		select {
		case <-time.After(f.cfg.ResponseDelay):
		case <-r.Context().Done():
			return
		}
	}

	if f.cfg.ServerToken != "" && r.Header.Get(mailer.TokenHeader) != f.cfg.ServerToken {
		writeJSON(w, http.StatusUnauthorized, sendResponse{ErrorCode: 10, Message: "invalid server token"})
		return
	}

	var m message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{ErrorCode: 402, Message: "invalid JSON"})
		return
	}
	entry := f.log.WithContext(r.Context()).WithRecipient(m.To)

	if m.To == "" || m.From == "" {
		writeJSON(w, http.StatusUnprocessableEntity, sendResponse{To: m.To, ErrorCode: 300, Message: "invalid email request"})
		return
	}
	if f.rejected(m.To) {
		entry.Warn("rejecting recipient domain")
		writeJSON(w, http.StatusUnprocessableEntity, sendResponse{To: m.To, ErrorCode: 406, Message: "inactive recipient"})
		return
	}

	// Simulate flakiness: first N requests -> 500
	if n <= f.cfg.FailFirstN {
		entry.WithFields(map[string]any{"request": n, "fail_first_n": f.cfg.FailFirstN}).Warn("failing request")
		writeJSON(w, http.StatusInternalServerError, sendResponse{To: m.To, ErrorCode: 500, Message: "temporary failure"})
		return
	}

	f.mu.Lock()
	f.delivered = append(f.delivered, m)
	f.mu.Unlock()

	entry.WithField("subject", truncate(m.Subject, 80)).Info("accepted email")
	writeJSON(w, http.StatusOK, sendResponse{
		To:          m.To,
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
		MessageID:   uuid.NewString(),
		Message:     "OK",
	})
}

func (f *fakeMailer) handleMessages(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	out := append([]message(nil), f.delivered...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeMailer) rejected(to string) bool {
	at := strings.LastIndexByte(to, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(to[at+1:])
	for _, d := range f.cfg.RejectDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// truncate truncates a string to n bytes and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
