package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_mail/internal/db"
)

// Outcome is the result of Begin. Exactly one of Tx and Cached is set.
type Outcome struct {
	// Tx holds the sentinel row. The caller does its work in Tx, calls
	// Finalize and commits, or rolls back to release the key.
	Tx pgx.Tx
	// Cached is the response saved by an earlier request with the same key
	Cached *SavedResponse
}

// Fresh reports whether the caller owns the key and must execute the request
func (o Outcome) Fresh() bool { return o.Tx != nil }

// Store keeps idempotency records in Postgres
type Store struct {
	pool        db.Pool
	lockTimeout time.Duration
}

// NewStore returns a Store. lockTimeout bounds how long Begin waits on a
// concurrent request that holds the same key; zero waits indefinitely.
func NewStore(pool db.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// Begin claims (owner, key) by inserting a sentinel row in a new transaction.
//
// If the row did not exist the transaction is returned in Outcome.Tx. If a
// completed record exists its response is returned in Outcome.Cached. A record
// for a different fingerprint yields ErrFingerprintMismatch. A record still
// being written, or one whose writer holds the row lock past lockTimeout,
// yields ErrInProgress.
func (s *Store) Begin(ctx context.Context, owner string, key Key, fingerprint string) (Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin transaction: %w", err)
	}

	if s.lockTimeout > 0 {
		// SET does not take bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return Outcome{}, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	// Blocks while another uncommitted transaction holds the same key
	tag, err := tx.Exec(ctx, `
		INSERT INTO harbormail.idempotency (owner_id, idempotency_key, request_fingerprint, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT DO NOTHING`,
		owner, string(key), fingerprint)
	if err != nil {
		_ = tx.Rollback(ctx)
		if db.IsLockTimeout(err) {
			return Outcome{}, ErrInProgress
		}
		return Outcome{}, fmt.Errorf("insert idempotency sentinel: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Outcome{Tx: tx}, nil
	}

	// The conflicting row is committed and therefore visible to this statement
	saved, storedFingerprint, err := load(ctx, tx, owner, key)
	_ = tx.Rollback(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if storedFingerprint != fingerprint {
		return Outcome{}, ErrFingerprintMismatch
	}
	if saved == nil {
		return Outcome{}, ErrInProgress
	}
	return Outcome{Cached: saved}, nil
}

func load(ctx context.Context, q db.Querier, owner string, key Key) (*SavedResponse, string, error) {
	var (
		fingerprint string
		status      *int16
		headersJSON []byte
		body        []byte
	)
	err := q.QueryRow(ctx, `
		SELECT request_fingerprint, response_status_code, response_headers, response_body
		FROM harbormail.idempotency
		WHERE owner_id = $1 AND idempotency_key = $2`,
		owner, string(key)).Scan(&fingerprint, &status, &headersJSON, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		// deleted between the conflict and the read; the caller may retry
		return nil, "", ErrInProgress
	}
	if err != nil {
		return nil, "", fmt.Errorf("load idempotency record: %w", err)
	}
	if status == nil {
		return nil, fingerprint, nil
	}

	saved := &SavedResponse{Status: int(*status), Body: body}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &saved.Headers); err != nil {
			return nil, "", fmt.Errorf("decode saved headers: %w", err)
		}
	}
	if saved.Body == nil {
		saved.Body = []byte{}
	}
	return saved, fingerprint, nil
}

// Finalize writes resp into the sentinel row held by tx. It does not commit.
// Only a row without a response is updated, so the first writer wins.
func (s *Store) Finalize(ctx context.Context, tx pgx.Tx, owner string, key Key, resp SavedResponse) error {
	headers := resp.Headers
	if headers == nil {
		headers = []Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE harbormail.idempotency
		SET response_status_code = $3,
		    response_headers = $4,
		    response_body = $5
		WHERE owner_id = $1
		  AND idempotency_key = $2
		  AND response_status_code IS NULL`,
		owner, string(key), int16(resp.Status), string(headersJSON), body)
	if err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("save idempotent response: no pending record for key %q", key)
	}
	return nil
}

// PurgeExpired deletes completed records created more than ttl ago and
// returns how many were removed. Pending sentinels are never touched.
func (s *Store) PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM harbormail.idempotency
		WHERE response_status_code IS NOT NULL
		  AND created_at < now() - ($1::bigint * interval '1 millisecond')`,
		ttl.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
