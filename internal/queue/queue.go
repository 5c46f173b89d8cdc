// Package queue is the delivery outbox: one row per (issue, recipient) written
// in the publish transaction and drained by delivery workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_mail/internal/db"
)

// ErrLeaseClosed is returned when a lease is used after it was resolved
var ErrLeaseClosed = errors.New("lease already resolved")

// Batcher is satisfied by pgx.Tx
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Lease is exclusive ownership of one claimed task. The row stays locked until
// exactly one of Complete, Reschedule, Drop or Release is called.
type Lease interface {
	Task() Task
	// Complete removes the task after a successful delivery
	Complete(ctx context.Context) error
	// Reschedule counts a failed attempt and hides the task for delay
	Reschedule(ctx context.Context, delay time.Duration) error
	// Drop removes the task without delivering it
	Drop(ctx context.Context) error
	// Release gives the task back untouched
	Release(ctx context.Context) error
}

// Queue is the Postgres backed delivery queue
type Queue struct {
	pool db.Pool
}

// New returns a Queue that claims tasks through pool
func New(pool db.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue adds one task per distinct recipient for issueID using tx, normally
// the publish transaction. It returns the number of rows inserted.
func (q *Queue) Enqueue(ctx context.Context, tx Batcher, issueID uuid.UUID, recipients []string) (int, error) {
	b := &pgx.Batch{}
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		b.Queue(`
			INSERT INTO harbormail.issue_delivery_queue (issue_id, recipient, attempt_count, next_attempt_at)
			VALUES ($1, $2, 0, now())
			ON CONFLICT DO NOTHING`, issueID, r)
	}
	if b.Len() == 0 {
		return 0, nil
	}

	br := tx.SendBatch(ctx, b)
	inserted := 0
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("enqueue delivery task: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("enqueue delivery tasks: %w", err)
	}
	return inserted, nil
}

// ClaimOne locks the oldest due task that no other worker holds. It returns
// false when nothing is due.
func (q *Queue) ClaimOne(ctx context.Context) (Lease, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin claim: %w", err)
	}

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT q.issue_id, q.recipient, q.attempt_count, q.next_attempt_at,
		       i.title, i.text_content, i.html_content
		FROM harbormail.issue_delivery_queue AS q
		JOIN harbormail.newsletter_issues AS i ON i.id = q.issue_id
		WHERE q.next_attempt_at <= now()
		ORDER BY q.next_attempt_at
		FOR UPDATE OF q SKIP LOCKED
		LIMIT 1`).
		Scan(&t.IssueID, &t.Recipient, &t.Attempt, &t.NextAttemptAt, &t.Title, &t.TextContent, &t.HTMLContent)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return nil, false, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, fmt.Errorf("claim delivery task: %w", err)
	}
	return &pgLease{tx: tx, task: t}, true, nil
}

// Depth returns the number of queued tasks, due or not
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM harbormail.issue_delivery_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

type pgLease struct {
	tx   pgx.Tx
	task Task
	done bool
}

func (l *pgLease) Task() Task { return l.task }

func (l *pgLease) Complete(ctx context.Context) error {
	return l.remove(ctx)
}

func (l *pgLease) Drop(ctx context.Context) error {
	return l.remove(ctx)
}

func (l *pgLease) remove(ctx context.Context) error {
	return l.finish(ctx, `
		DELETE FROM harbormail.issue_delivery_queue
		WHERE issue_id = $1 AND recipient = $2`,
		l.task.IssueID, l.task.Recipient)
}

func (l *pgLease) Reschedule(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return l.finish(ctx, `
		UPDATE harbormail.issue_delivery_queue
		SET attempt_count = attempt_count + 1,
		    next_attempt_at = now() + ($3::bigint * interval '1 millisecond')
		WHERE issue_id = $1 AND recipient = $2`,
		l.task.IssueID, l.task.Recipient, delay.Milliseconds())
}

func (l *pgLease) Release(ctx context.Context) error {
	if l.done {
		return ErrLeaseClosed
	}
	l.done = true
	return l.tx.Rollback(ctx)
}

// finish runs one statement and commits. On failure the transaction is rolled
// back, which leaves the row as it was and unlocks it.
func (l *pgLease) finish(ctx context.Context, sql string, args ...any) error {
	if l.done {
		return ErrLeaseClosed
	}
	l.done = true

	tag, err := l.tx.Exec(ctx, sql, args...)
	if err != nil {
		_ = l.tx.Rollback(ctx)
		return fmt.Errorf("resolve delivery task: %w", err)
	}
	if tag.RowsAffected() != 1 {
		_ = l.tx.Rollback(ctx)
		return fmt.Errorf("resolve delivery task: row for %s/%s missing", l.task.IssueID, l.task.Recipient)
	}
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delivery task: %w", err)
	}
	return nil
}
