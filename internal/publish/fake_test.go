package publish

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/issue"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/queue"
)

type record struct {
	fingerprint string
	resp        idempotency.SavedResponse
}

// world is an in-memory stand-in for the database. Writes made through a
// fakeTx become visible only when it commits, and a key claimed by an open
// fakeTx blocks other claimants until it commits or rolls back.
type world struct {
	mu          sync.Mutex
	lockTimeout time.Duration
	confirmed   []string
	issues      map[uuid.UUID]issue.Issue
	tasks       map[string]bool
	records     map[string]record
	held        map[string]chan struct{}

	failEnqueue  error
	failFinalize error
}

func newWorld(confirmed ...string) *world {
	return &world{
		lockTimeout: 5 * time.Second,
		confirmed:   confirmed,
		issues:      make(map[uuid.UUID]issue.Issue),
		tasks:       make(map[string]bool),
		records:     make(map[string]record),
		held:        make(map[string]chan struct{}),
	}
}

func (w *world) service() *Service {
	return NewService(w, w, w, w, logging.Nop())
}

func (w *world) counts() (issues, tasks, records, held int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.issues), len(w.tasks), len(w.records), len(w.held)
}

type fakeTx struct {
	pgx.Tx
	w           *world
	slot        string
	fingerprint string
	ops         []func()
	done        bool
}

func (t *fakeTx) stage(op func()) { t.ops = append(t.ops, op) }

func (t *fakeTx) Commit(context.Context) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	for _, op := range t.ops {
		op()
	}
	t.release()
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.release()
	return nil
}

// release must be called with w.mu held
func (t *fakeTx) release() {
	t.done = true
	close(t.w.held[t.slot])
	delete(t.w.held, t.slot)
}

func (w *world) Begin(ctx context.Context, owner string, key idempotency.Key, fingerprint string) (idempotency.Outcome, error) {
	slot := owner + "|" + key.String()
	deadline := time.After(w.lockTimeout)
	for {
		w.mu.Lock()
		if rec, ok := w.records[slot]; ok {
			w.mu.Unlock()
			if rec.fingerprint != fingerprint {
				return idempotency.Outcome{}, idempotency.ErrFingerprintMismatch
			}
			resp := rec.resp
			return idempotency.Outcome{Cached: &resp}, nil
		}
		ch, busy := w.held[slot]
		if !busy {
			w.held[slot] = make(chan struct{})
			w.mu.Unlock()
			return idempotency.Outcome{Tx: &fakeTx{w: w, slot: slot, fingerprint: fingerprint}}, nil
		}
		w.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return idempotency.Outcome{}, idempotency.ErrInProgress
		case <-ctx.Done():
			return idempotency.Outcome{}, ctx.Err()
		}
	}
}

func (w *world) Finalize(_ context.Context, tx pgx.Tx, owner string, key idempotency.Key, resp idempotency.SavedResponse) error {
	if w.failFinalize != nil {
		return w.failFinalize
	}
	ft := tx.(*fakeTx)
	slot := owner + "|" + key.String()
	ft.stage(func() {
		w.records[slot] = record{fingerprint: ft.fingerprint, resp: resp}
	})
	return nil
}

func (w *world) Insert(_ context.Context, q db.Querier, is issue.Issue) error {
	q.(*fakeTx).stage(func() { w.issues[is.ID] = is })
	return nil
}

func (w *world) ListConfirmed(context.Context, db.Querier) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.confirmed...), nil
}

func (w *world) Enqueue(_ context.Context, tx queue.Batcher, issueID uuid.UUID, rs []string) (int, error) {
	if w.failEnqueue != nil {
		return 0, w.failEnqueue
	}
	seen := make(map[string]bool)
	for _, r := range rs {
		seen[r] = true
	}
	tx.(*fakeTx).stage(func() {
		for r := range seen {
			w.tasks[issueID.String()+"|"+r] = true
		}
	})
	return len(seen), nil
}
