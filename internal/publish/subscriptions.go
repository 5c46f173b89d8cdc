package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/mailer"
	"github.com/austindbirch/harbor_mail/internal/recipients"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// SubscriberStore records pending subscribers and confirms them by token
type SubscriberStore interface {
	Add(ctx context.Context, name, email string) (recipients.Subscriber, string, error)
	Confirm(ctx context.Context, token string) (uuid.UUID, error)
}

// Sender delivers the confirmation email
type Sender interface {
	Send(ctx context.Context, e mailer.Email) error
}

// Subscriptions serves the public signup and confirmation endpoints
type Subscriptions struct {
	store   SubscriberStore
	sender  Sender
	baseURL string
	log     *logging.Logger
}

// NewSubscriptions builds confirmation links under baseURL
func NewSubscriptions(store SubscriberStore, sender Sender, baseURL string, log *logging.Logger) *Subscriptions {
	return &Subscriptions{store: store, sender: sender, baseURL: baseURL, log: log}
}

// Subscribe handles POST /subscriptions with form fields name and email
func (s *Subscriptions) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "subscriptions.Subscribe")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	name, err := recipients.ParseName(r.PostForm.Get("name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	email, err := recipients.ParseEmail(r.PostForm.Get("email"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, token, err := s.store.Add(ctx, name, email)
	switch {
	case errors.Is(err, recipients.ErrAlreadyConfirmed):
		// answered like a new signup so the endpoint does not reveal who is subscribed
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithRecipient(email).WithError(err).Error("failed to store subscriber")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.sender.Send(ctx, confirmationEmail(s.baseURL, sub, token)); err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithRecipient(email).WithError(err).Error("failed to send confirmation email")
		writeError(w, http.StatusInternalServerError, "failed to send confirmation email")
		return
	}

	s.log.WithContext(ctx).WithRecipient(email).WithField("subscriber_id", sub.ID.String()).Info("subscription pending confirmation")
	w.WriteHeader(http.StatusOK)
}

// Confirm handles GET /subscriptions/confirm?subscription_token=...
func (s *Subscriptions) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "subscriptions.Confirm")
	defer span.End()

	token := r.URL.Query().Get("subscription_token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing subscription_token")
		return
	}

	id, err := s.store.Confirm(ctx, token)
	switch {
	case errors.Is(err, recipients.ErrUnknownToken):
		writeError(w, http.StatusUnauthorized, "unknown subscription token")
		return
	case err != nil:
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithError(err).Error("failed to confirm subscriber")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.log.WithContext(ctx).WithField("subscriber_id", id.String()).Info("subscription confirmed")
	w.WriteHeader(http.StatusOK)
}

func confirmationEmail(baseURL string, sub recipients.Subscriber, token string) mailer.Email {
	link := fmt.Sprintf("%s/subscriptions/confirm?subscription_token=%s", baseURL, url.QueryEscape(token))
	return mailer.Email{
		To:      sub.Email,
		Subject: "Welcome!",
		HTMLBody: fmt.Sprintf(
			"Welcome to our newsletter!<br />Click <a href=\"%s\">here</a> to confirm your subscription.", link),
		TextBody: fmt.Sprintf("Welcome to our newsletter!\nVisit %s to confirm your subscription.", link),
	}
}
