// Package delivery drains the delivery queue: it claims one task at a time,
// sends the email and then completes, reschedules or drops the task.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/mailer"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/queue"
	"github.com/austindbirch/harbor_mail/internal/recipients"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// Outcome is what one RunOnce did
type Outcome int

const (
	// OutcomeEmpty means no task was due
	OutcomeEmpty Outcome = iota
	OutcomeDelivered
	OutcomeRetried
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetried:
		return "retried"
	case OutcomeDropped:
		return "dropped"
	default:
		return "empty"
	}
}

const (
	reasonInvalidRecipient = "invalid_recipient"
	reasonMaxAttempts      = "max_attempts"
)

// Claimer hands out leases on due delivery tasks
type Claimer interface {
	ClaimOne(ctx context.Context) (queue.Lease, bool, error)
}

// Sender delivers one email through the delivery channel
type Sender interface {
	Send(ctx context.Context, e mailer.Email) error
}

// Options tunes retry and polling behaviour of a Worker
type Options struct {
	MaxAttempts  int           // attempts before a transient failure is dropped
	Backoff      queue.Backoff // delay before the next attempt
	SendTimeout  time.Duration // bound on one send, zero disables
	IdleInterval time.Duration // sleep when the queue has nothing due
	// DeadLetters receives dropped tasks. Nil disables publishing.
	DeadLetters DeadLetterPublisher
}

// Worker resolves one claimed task at a time. Several workers may share a Claimer.
type Worker struct {
	claimer Claimer
	sender  Sender
	opts    Options
	log     *logging.Logger
}

// NewWorker applies defaults to opts: one attempt and a one second idle interval
func NewWorker(c Claimer, s Sender, opts Options, log *logging.Logger) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = time.Second
	}
	return &Worker{claimer: c, sender: s, opts: opts, log: log}
}

// Run processes tasks until ctx is cancelled. A task already claimed when ctx
// is cancelled is finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return nil
		}
		out, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.log.WithContext(ctx).WithError(err).Error("delivery iteration failed")
		}
		if err == nil && out != OutcomeEmpty {
			continue
		}

		timer.Reset(w.opts.IdleInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce claims at most one due task and resolves it. Cancelling ctx can
// abort the claim but does not interrupt a task once it is claimed.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	lease, ok, err := w.claimer.ClaimOne(ctx)
	if err != nil {
		return OutcomeEmpty, fmt.Errorf("claim delivery task: %w", err)
	}
	if !ok {
		return OutcomeEmpty, nil
	}
	ctx = context.WithoutCancel(ctx)
	t := lease.Task()

	ctx, span := tracing.StartSpan(ctx, "delivery.Deliver",
		attribute.String("issue_id", t.IssueID.String()),
		attribute.Int("attempt", t.Attempt+1),
	)
	defer span.End()
	entry := func() *logging.LogEntry {
		return w.log.WithContext(ctx).WithIssue(t.IssueID.String()).WithRecipient(t.Recipient)
	}
	attempt := t.Attempt + 1

	if _, err := recipients.ParseEmail(t.Recipient); err != nil {
		return w.drop(ctx, lease, attempt, reasonInvalidRecipient, err)
	}

	sendCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.opts.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, w.opts.SendTimeout)
	}
	tracing.AddSpanEvent(ctx, "mailer.send")
	start := time.Now()
	sendErr := w.sender.Send(sendCtx, mailer.Email{
		To:       t.Recipient,
		Subject:  t.Title,
		HTMLBody: t.HTMLContent,
		TextBody: t.TextContent,
	})
	latency := time.Since(start)
	cancel()

	if status := mailer.StatusOf(sendErr); status > 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}

	if sendErr == nil {
		if err := lease.Complete(ctx); err != nil {
			// the email went out; the task becomes due again once the row unlocks
			tracing.SetSpanError(ctx, err)
			return OutcomeDelivered, fmt.Errorf("complete delivery task: %w", err)
		}
		metrics.RecordDelivery("delivered", latency)
		span.SetAttributes(attribute.String("delivery.final_status", "delivered"))
		entry().WithField("latency_ms", latency.Milliseconds()).Info("delivered")
		return OutcomeDelivered, nil
	}

	reason := classifyReason(sendErr, mailer.StatusOf(sendErr))
	span.SetAttributes(attribute.String("failure_reason", reason))
	tracing.SetSpanError(ctx, sendErr)

	if mailer.IsPermanent(sendErr) {
		return w.drop(ctx, lease, attempt, reason, sendErr)
	}
	if attempt >= w.opts.MaxAttempts {
		return w.drop(ctx, lease, attempt, reasonMaxAttempts, sendErr)
	}

	delay := w.opts.Backoff.Delay(attempt)
	if err := lease.Reschedule(ctx, delay); err != nil {
		return OutcomeRetried, fmt.Errorf("reschedule delivery task: %w", err)
	}
	metrics.RecordRetry(reason)
	metrics.RecordDelivery("retried", latency)
	tracing.AddSpanEvent(ctx, "delivery.reschedule",
		attribute.Int("attempt", attempt),
		attribute.String("delay", delay.String()),
	)
	span.SetAttributes(attribute.String("delivery.final_status", "retried"))
	entry().WithError(sendErr).WithFields(map[string]any{
		"attempt": attempt,
		"reason":  reason,
		"delay":   delay.String(),
	}).Warn("delivery failed, rescheduled")
	return OutcomeRetried, nil
}

func (w *Worker) drop(ctx context.Context, lease queue.Lease, attempt int, reason string, cause error) (Outcome, error) {
	t := lease.Task()
	if err := lease.Drop(ctx); err != nil {
		return OutcomeDropped, fmt.Errorf("drop delivery task: %w", err)
	}
	metrics.RecordDrop(reason)
	metrics.RecordDelivery("dropped", 0)
	tracing.AddSpanEvent(ctx, "delivery.drop", attribute.String("reason", reason))

	status := mailer.StatusOf(cause)
	w.log.WithContext(ctx).WithIssue(t.IssueID.String()).WithRecipient(t.Recipient).WithError(cause).WithFields(map[string]any{
		"attempt":     attempt,
		"reason":      reason,
		"http_status": status,
	}).Error("delivery dropped")

	if w.opts.DeadLetters != nil {
		dl := NewDeadLetter(t, attempt, status, errString(cause), reason)
		if err := w.opts.DeadLetters.PublishDeadLetter(ctx, dl); err != nil {
			// the task is already gone; losing the dead letter only loses the report
			w.log.WithContext(ctx).WithIssue(t.IssueID.String()).WithError(err).Error("dead letter publish failed")
		}
	}
	return OutcomeDropped, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func classifyReason(err error, status int) string {
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	if err == nil {
		return "other"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "rate limit"):
		return "rate_limited"
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
		return "dns_error"
	}
	return "network"
}
