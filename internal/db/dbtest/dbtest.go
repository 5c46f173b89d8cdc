// Package dbtest opens the Postgres database used by integration tests.
// Tests are skipped unless HARBOR_MAIL_TEST_DSN is set. Every package truncates
// the same tables, so run them with `go test -p 1`.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_mail/internal/db"
)

const EnvDSN = "HARBOR_MAIL_TEST_DSN"

// Open connects, migrates and empties every harbormail table. The pool is
// closed when the test finishes.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skipf("%s not set, skipping Postgres integration test", EnvDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, dsn, 16)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		TRUNCATE harbormail.issue_delivery_queue,
		         harbormail.newsletter_issues,
		         harbormail.idempotency,
		         harbormail.subscription_tokens,
		         harbormail.subscriptions`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}
