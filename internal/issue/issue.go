// Package issue holds newsletter issues, the immutable payload of a publish request.
package issue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_mail/internal/db"
)

const MaxTitleLength = 256

var (
	ErrInvalid  = errors.New("invalid issue")
	ErrNotFound = errors.New("issue not found")
)

// Issue is created once per accepted publish and never modified
type Issue struct {
	ID          uuid.UUID
	Title       string
	TextContent string
	HTMLContent string
	PublishedAt time.Time
}

// New validates the content and assigns a fresh id and timestamp
func New(title, textContent, htmlContent string, now time.Time) (Issue, error) {
	switch {
	case strings.TrimSpace(title) == "":
		return Issue{}, fmt.Errorf("%w: title is required", ErrInvalid)
	case utf8.RuneCountInString(title) > MaxTitleLength:
		return Issue{}, fmt.Errorf("%w: title must be at most %d characters", ErrInvalid, MaxTitleLength)
	case strings.TrimSpace(textContent) == "":
		return Issue{}, fmt.Errorf("%w: text_content is required", ErrInvalid)
	case strings.TrimSpace(htmlContent) == "":
		return Issue{}, fmt.Errorf("%w: html_content is required", ErrInvalid)
	}
	return Issue{
		ID:          uuid.New(),
		Title:       title,
		TextContent: textContent,
		HTMLContent: htmlContent,
		// Postgres keeps microseconds
		PublishedAt: now.UTC().Truncate(time.Microsecond),
	}, nil
}

// Insert writes the issue using q, normally the publish transaction
func Insert(ctx context.Context, q db.Querier, is Issue) error {
	_, err := q.Exec(ctx, `
		INSERT INTO harbormail.newsletter_issues (id, title, text_content, html_content, published_at)
		VALUES ($1, $2, $3, $4, $5)`,
		is.ID, is.Title, is.TextContent, is.HTMLContent, is.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert newsletter issue: %w", err)
	}
	return nil
}

// Get loads an issue by id
func Get(ctx context.Context, q db.Querier, id uuid.UUID) (Issue, error) {
	var is Issue
	err := q.QueryRow(ctx, `
		SELECT id, title, text_content, html_content, published_at
		FROM harbormail.newsletter_issues
		WHERE id = $1`, id).
		Scan(&is.ID, &is.Title, &is.TextContent, &is.HTMLContent, &is.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Issue{}, ErrNotFound
	}
	if err != nil {
		return Issue{}, fmt.Errorf("get newsletter issue: %w", err)
	}
	is.PublishedAt = is.PublishedAt.UTC()
	return is, nil
}

// Count returns the number of stored issues
func Count(ctx context.Context, q db.Querier) (int64, error) {
	var n int64
	if err := q.QueryRow(ctx, `SELECT count(*) FROM harbormail.newsletter_issues`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count newsletter issues: %w", err)
	}
	return n, nil
}
