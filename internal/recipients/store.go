package recipients

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_mail/internal/db"
)

const (
	StatusPending   = "pending_confirmation"
	StatusConfirmed = "confirmed"

	tokenLength   = 25
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrAlreadyConfirmed = errors.New("email address is already subscribed")
	ErrUnknownToken     = errors.New("unknown subscription token")
)

// Subscriber is one row of the subscriptions table
type Subscriber struct {
	ID           uuid.UUID
	Email        string
	Name         string
	Status       string
	SubscribedAt time.Time
}

// Store persists subscribers and their confirmation tokens
type Store struct {
	pool db.Pool
}

// NewStore returns a Store backed by pool
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Add records a pending subscriber and returns a new confirmation token.
// Subscribing again while still pending issues another token for the same
// subscriber; subscribing a confirmed address returns ErrAlreadyConfirmed.
func (s *Store) Add(ctx context.Context, name, email string) (Subscriber, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Subscriber{}, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sub := Subscriber{ID: uuid.New(), Email: email, Name: name, Status: StatusPending}
	err = tx.QueryRow(ctx, `
		INSERT INTO harbormail.subscriptions (id, email, name, status, subscribed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (email) DO NOTHING
		RETURNING subscribed_at`,
		sub.ID, sub.Email, sub.Name, sub.Status).Scan(&sub.SubscribedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			SELECT id, name, status, subscribed_at
			FROM harbormail.subscriptions
			WHERE email = $1`, email).
			Scan(&sub.ID, &sub.Name, &sub.Status, &sub.SubscribedAt)
		if err != nil {
			return Subscriber{}, "", fmt.Errorf("load existing subscriber: %w", err)
		}
		if sub.Status == StatusConfirmed {
			return Subscriber{}, "", ErrAlreadyConfirmed
		}
	} else if err != nil {
		return Subscriber{}, "", fmt.Errorf("insert subscriber: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return Subscriber{}, "", err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO harbormail.subscription_tokens (subscription_token, subscriber_id)
		VALUES ($1, $2)`, token, sub.ID); err != nil {
		return Subscriber{}, "", fmt.Errorf("store subscription token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Subscriber{}, "", fmt.Errorf("commit subscriber: %w", err)
	}
	sub.SubscribedAt = sub.SubscribedAt.UTC()
	return sub, token, nil
}

// Confirm marks the subscriber owning token as confirmed. Confirming twice is not an error.
func (s *Store) Confirm(ctx context.Context, token string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		UPDATE harbormail.subscriptions AS s
		SET status = $2
		FROM harbormail.subscription_tokens AS t
		WHERE t.subscription_token = $1 AND t.subscriber_id = s.id
		RETURNING s.id`, token, StatusConfirmed).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrUnknownToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("confirm subscriber: %w", err)
	}
	return id, nil
}

// ListConfirmed returns the stored address of every confirmed subscriber,
// read through q so a publish sees the recipient set of its own transaction.
// Addresses are returned as stored; callers validate them.
func (s *Store) ListConfirmed(ctx context.Context, q db.Querier) ([]string, error) {
	if q == nil {
		q = s.pool
	}
	rows, err := q.Query(ctx, `
		SELECT email
		FROM harbormail.subscriptions
		WHERE status = $1
		ORDER BY email`, StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list confirmed subscribers: %w", err)
	}
	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list confirmed subscribers: %w", err)
	}
	return emails, nil
}

func newToken() (string, error) {
	b := make([]byte, tokenLength)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate subscription token: %w", err)
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b), nil
}
