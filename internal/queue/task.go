package queue

import (
	"time"

	"github.com/google/uuid"
)

// Task is one pending (issue, recipient) delivery with the issue content it
// needs to send.
type Task struct {
	IssueID       uuid.UUID `json:"issue_id"`
	Recipient     string    `json:"recipient"`
	Attempt       int       `json:"attempt"` // attempts already made
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Title         string    `json:"title"`
	TextContent   string    `json:"-"`
	HTMLContent   string    `json:"-"`
}
