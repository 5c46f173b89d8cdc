package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/austindbirch/harbor_mail/internal/auth"
	"github.com/austindbirch/harbor_mail/internal/logging"
)

const (
	// IdempotencyKeyHeader may carry the key when the body does not
	IdempotencyKeyHeader = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
	retryAfterSeconds    = "1"
)

// Publisher is implemented by *Service
type Publisher interface {
	Publish(ctx context.Context, owner string, req Request) (Result, error)
}

// Handler serves the publish endpoint. It expects auth.HTTPMiddleware in
// front of it.
type Handler struct {
	svc Publisher
	log *logging.Logger
}

// NewHandler serves publish requests through svc
func NewHandler(svc Publisher, log *logging.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Publish handles POST /admin/newsletters with a form or JSON body
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing owner")
		return
	}

	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Publish(r.Context(), owner, req)
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) {
			perr = &Error{Kind: KindInternal, Msg: "publish failed", Err: err}
		}
		if perr.Kind == KindConflict {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		msg := perr.Error()
		if perr.Kind == KindInternal {
			// do not leak store errors
			msg = "internal error"
		}
		writeError(w, perr.Status(), msg)
		return
	}

	if err := res.Response.Replay(w); err != nil {
		h.log.WithContext(r.Context()).WithOwner(owner).WithError(err).Warn("failed to write publish response")
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req Request
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return Request{}, fmt.Errorf("invalid JSON body: %w", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return Request{}, fmt.Errorf("invalid form body: %w", err)
		}
		req = Request{
			Title:          r.PostForm.Get("title"),
			TextContent:    r.PostForm.Get("text_content"),
			HTMLContent:    r.PostForm.Get("html_content"),
			IdempotencyKey: r.PostForm.Get("idempotency_key"),
		}
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)
	}
	return req, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
