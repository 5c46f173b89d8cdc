// Package mailer sends single messages through a Postmark style email API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// TokenHeader authenticates requests to the email API
const TokenHeader = "X-Postmark-Server-Token"

// Email is one message to a single recipient
type Email struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

type sendRequest struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream"`
}

// SendError describes a failed send. Permanent errors will fail the same way
// on every retry, e.g. the API rejected the recipient address.
type SendError struct {
	Status    int // 0 when no response was received
	Permanent bool
	Body      string
	Err       error
}

func (e *SendError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("send email: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("send email: status %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("send email: status %d", e.Status)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a SendError that retrying cannot fix
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// StatusOf returns the HTTP status carried by err, or 0
func StatusOf(err error) int {
	var se *SendError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Client is safe for concurrent use. All sends share one rate limiter.
type Client struct {
	baseURL string
	sender  string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a client from cfg. A nil httpClient gets one with cfg.Timeout.
func New(cfg config.Mailer, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: cfg.BaseURL,
		sender:  cfg.Sender,
		token:   cfg.Token,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Send delivers one message. It returns nil on a 2xx response and a *SendError otherwise.
func (c *Client) Send(ctx context.Context, e Email) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &SendError{Err: fmt.Errorf("rate limit: %w", err)}
	}

	body, err := json.Marshal(sendRequest{
		From:          c.sender,
		To:            e.To,
		Subject:       e.Subject,
		HtmlBody:      e.HTMLBody,
		TextBody:      e.TextBody,
		MessageStream: "outbound",
	})
	if err != nil {
		return &SendError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return &SendError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(TokenHeader, c.token)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return &SendError{Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	// let the transport reuse the connection
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &SendError{
		Status:    resp.StatusCode,
		Permanent: rejectsRecipient(resp.StatusCode, snippet),
		Body:      string(bytes.TrimSpace(snippet)),
	}
}

// API error codes that reject the recipient address itself
const (
	codeInvalidRequest    = 300
	codeInactiveRecipient = 406
)

// rejectsRecipient reports whether a failed response says the recipient can
// never be delivered to. Everything else, including auth and routing errors,
// is left to the retry cap.
func rejectsRecipient(status int, body []byte) bool {
	switch status {
	case http.StatusUnprocessableEntity:
		return true
	case http.StatusBadRequest:
		var apiErr struct {
			ErrorCode int `json:"ErrorCode"`
		}
		if json.Unmarshal(body, &apiErr) != nil {
			return false
		}
		return apiErr.ErrorCode == codeInvalidRequest || apiErr.ErrorCode == codeInactiveRecipient
	default:
		return false
	}
}
