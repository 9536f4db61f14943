package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_oracle/internal/tracing"
)

const DeadLetterType = "webhook.dead_letter"

// DeadLetter is published when a webhook exhausts its attempts
type DeadLetter struct {
	Type         string            `json:"type"`    // "webhook.dead_letter"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason       string            `json:"reason"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	Webhook      Webhook           `json:"webhook"` // full row snapshot
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(w Webhook, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DeadLetterType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempts:  w.Attempts,
		LastError: lastErr,
		Webhook:   w,
	}
}

// DeadLetterPublisher hands failed webhooks to out-of-band remediation
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// NSQDeadLetters publishes dead letters to an NSQ topic
type NSQDeadLetters struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQDeadLetters connects a producer to nsqd
func NewNSQDeadLetters(nsqdAddr, topic string) (*NSQDeadLetters, error) {
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &NSQDeadLetters{producer: prod, topic: topic}, nil
}

func (p *NSQDeadLetters) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	dl.TraceHeaders = tracing.PropagateTrace(ctx)
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", p.topic, err)
	}
	return nil
}

func (p *NSQDeadLetters) Stop() {
	p.producer.Stop()
}
