package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_mail/internal/queue"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// DLQType tags dead-letter messages
const DLQType = "delivery.dlq"

// DeadLetter describes a task the worker gave up on
type DeadLetter struct {
	Type         string            `json:"type"`    // "delivery.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the task was dropped
	Reason       string            `json:"reason"`  // classified failure reason
	Attempt      int               `json:"attempt"` // attempts made, including the last one
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Task         queue.Task        `json:"task"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewDeadLetter captures t and the failure that ended it
func NewDeadLetter(t queue.Task, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Task:       t,
	}
}

// DeadLetterPublisher reports dropped tasks
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Producer is the part of *nsq.Producer used for dead letters
type Producer interface {
	Publish(topic string, body []byte) error
}

var _ Producer = (*nsq.Producer)(nil)

// NSQPublisher emits dead letters to an NSQ topic for out-of-band inspection
type NSQPublisher struct {
	producer Producer
	topic    string
}

// NewNSQPublisher publishes dead letters to topic through p
func NewNSQPublisher(p Producer, topic string) *NSQPublisher {
	return &NSQPublisher{producer: p, topic: topic}
}

// PublishDeadLetter encodes dl with the caller's trace headers and publishes it
func (p *NSQPublisher) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	dl.TraceHeaders = tracing.InjectHeaders(ctx)
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", p.topic, err)
	}
	return nil
}
