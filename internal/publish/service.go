// Package publish accepts newsletter issues. A publish runs in one transaction
// that claims the idempotency key, stores the issue, enqueues one delivery
// per confirmed recipient and saves the response, so a retry either replays
// that response or finds nothing and starts over.
package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/issue"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/queue"
	"github.com/austindbirch/harbor_mail/internal/recipients"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// IdempotencyStore claims and finalizes idempotency keys; see idempotency.Store
type IdempotencyStore interface {
	Begin(ctx context.Context, owner string, key idempotency.Key, fingerprint string) (idempotency.Outcome, error)
	Finalize(ctx context.Context, tx pgx.Tx, owner string, key idempotency.Key, resp idempotency.SavedResponse) error
}

// IssueWriter stores a newsletter issue inside the publish transaction
type IssueWriter interface {
	Insert(ctx context.Context, q db.Querier, is issue.Issue) error
}

// IssueWriterFunc adapts a function such as issue.Insert to IssueWriter
type IssueWriterFunc func(ctx context.Context, q db.Querier, is issue.Issue) error

// Insert calls f
func (f IssueWriterFunc) Insert(ctx context.Context, q db.Querier, is issue.Issue) error {
	return f(ctx, q, is)
}

// RecipientSource lists the addresses of confirmed subscribers
type RecipientSource interface {
	ListConfirmed(ctx context.Context, q db.Querier) ([]string, error)
}

// Enqueuer writes delivery tasks inside the publish transaction
type Enqueuer interface {
	Enqueue(ctx context.Context, tx queue.Batcher, issueID uuid.UUID, recipients []string) (int, error)
}

// Request is one publish submission
type Request struct {
	Title          string `json:"title"`
	TextContent    string `json:"text_content"`
	HTMLContent    string `json:"html_content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Accepted is the body of a successful publish response
type Accepted struct {
	Status   string    `json:"status"`
	IssueID  uuid.UUID `json:"issue_id"`
	Enqueued int       `json:"enqueued"`
	Skipped  int       `json:"skipped"`
}

// Result is the response to send and whether it came from an earlier request
type Result struct {
	Response idempotency.SavedResponse
	Replayed bool
}

// Service coordinates a publish. It is safe for concurrent use.
type Service struct {
	idem       IdempotencyStore
	issues     IssueWriter
	recipients RecipientSource
	queue      Enqueuer
	log        *logging.Logger
	now        func() time.Time
}

// NewService wires the publish coordinator to its stores
func NewService(idem IdempotencyStore, issues IssueWriter, rs RecipientSource, q Enqueuer, log *logging.Logger) *Service {
	return &Service{
		idem:       idem,
		issues:     issues,
		recipients: rs,
		queue:      q,
		log:        log,
		now:        time.Now,
	}
}

// Publish executes req for owner at most once per idempotency key. Errors are
// always *Error. Any failure before commit leaves no trace, including the key.
func (s *Service) Publish(ctx context.Context, owner string, req Request) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "publish.Publish", attribute.String("owner_id", owner))
	defer span.End()

	key, err := idempotency.ParseKey(req.IdempotencyKey)
	if err != nil {
		return Result{}, &Error{Kind: KindValidation, Msg: "invalid idempotency key", Err: err}
	}
	is, err := issue.New(req.Title, req.TextContent, req.HTMLContent, s.now())
	if err != nil {
		return Result{}, &Error{Kind: KindValidation, Msg: "invalid newsletter", Err: err}
	}
	entry := func() *logging.LogEntry {
		return s.log.WithContext(ctx).WithOwner(owner).WithField("idempotency_key", key.String())
	}

	tracing.AddSpanEvent(ctx, "idempotency.begin")
	fingerprint := idempotency.Fingerprint(req.Title, req.TextContent, req.HTMLContent)
	out, err := s.idem.Begin(ctx, owner, key, fingerprint)
	if err != nil {
		perr := classify("claim idempotency key", err)
		switch perr.Kind {
		case KindConflict:
			metrics.RecordReplay("in_progress")
		case KindValidation:
			metrics.RecordReplay("mismatch")
		}
		tracing.SetSpanError(ctx, err)
		entry().WithError(err).Warn("publish rejected")
		return Result{}, perr
	}
	if !out.Fresh() {
		metrics.RecordReplay("cached")
		span.SetAttributes(attribute.Bool("publish.replayed", true))
		entry().Info("publish replayed from idempotency record")
		return Result{Response: *out.Cached, Replayed: true}, nil
	}

	tx := out.Tx
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	fail := func(msg string, err error) (Result, error) {
		tracing.SetSpanError(ctx, err)
		entry().WithIssue(is.ID.String()).WithError(err).Error(msg)
		return Result{}, classify(msg, err)
	}

	tracing.AddSpanEvent(ctx, "db.insert_issue")
	if err := s.issues.Insert(ctx, tx, is); err != nil {
		return fail("store newsletter issue", err)
	}

	tracing.AddSpanEvent(ctx, "db.list_recipients")
	emails, err := s.recipients.ListConfirmed(ctx, tx)
	if err != nil {
		return fail("list confirmed recipients", err)
	}
	valid := make([]string, 0, len(emails))
	skipped := 0
	for _, e := range emails {
		addr, err := recipients.ParseEmail(e)
		if err != nil {
			skipped++
			entry().WithIssue(is.ID.String()).WithRecipient(e).WithError(err).Warn("skipping confirmed subscriber with invalid email")
			continue
		}
		valid = append(valid, addr)
	}

	tracing.AddSpanEvent(ctx, "db.enqueue", attribute.Int("recipients", len(valid)))
	enqueued, err := s.queue.Enqueue(ctx, tx, is.ID, valid)
	if err != nil {
		return fail("enqueue deliveries", err)
	}

	resp, err := acceptedResponse(Accepted{Status: "accepted", IssueID: is.ID, Enqueued: enqueued, Skipped: skipped})
	if err != nil {
		return fail("build response", err)
	}
	if err := s.idem.Finalize(ctx, tx, owner, key, resp); err != nil {
		return fail("save idempotent response", err)
	}

	tracing.AddSpanEvent(ctx, "db.commit")
	if err := tx.Commit(ctx); err != nil {
		return fail("commit publish", err)
	}
	committed = true

	metrics.RecordIssuePublished(enqueued, skipped)
	span.SetAttributes(
		attribute.String("issue.id", is.ID.String()),
		attribute.Int("issue.enqueued", enqueued),
		attribute.Int("issue.skipped", skipped),
	)
	entry().WithIssue(is.ID.String()).WithFields(map[string]any{
		"enqueued": enqueued,
		"skipped":  skipped,
	}).Info("newsletter issue published")

	return Result{Response: resp}, nil
}

func acceptedResponse(a Accepted) (idempotency.SavedResponse, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return idempotency.SavedResponse{}, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return idempotency.Capture(http.StatusAccepted, h, body), nil
}
