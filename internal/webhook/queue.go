package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/metrics"
)

// Queue is the shared inbox/outbox implementation. Every operation takes the
// repository of the caller's unit of work, so enqueues made by a handler
// commit or roll back together with the row being processed.
type Queue struct {
	direction Direction
	emitter   events.Role
	registry  *events.Registry

	// Now is the clock used for due times; tests may replace it
	Now func() time.Time
}

// NewInbox returns the queue of webhooks received from peers
func NewInbox(registry *events.Registry) *Queue {
	return &Queue{direction: Incoming, registry: registry, Now: time.Now}
}

// NewOutbox returns the queue of webhooks this oracle (emitter) sends to peers
func NewOutbox(emitter events.Role, registry *events.Registry) *Queue {
	return &Queue{direction: Outgoing, emitter: emitter, registry: registry, Now: time.Now}
}

// Direction reports which side of the exchange the queue serves
func (q *Queue) Direction() Direction { return q.direction }

// SenderOf returns the role that emitted w: the peer for received rows and
// this oracle for rows it sends
func (q *Queue) SenderOf(w Webhook) events.Role {
	if q.direction == Incoming {
		return w.Role
	}
	return q.emitter
}

// Request describes a webhook to enqueue. Role is the sender for the inbox
// and the recipient for the outbox.
type Request struct {
	TaskKey   events.TaskKey
	Role      events.Role
	Signature string
	EventType events.Type
	EventData json.RawMessage
}

// Enqueue validates and stores a new pending webhook. Duplicate incoming
// webhooks (same signature) return the id of the existing row.
func (q *Queue) Enqueue(ctx context.Context, repo Repository, req Request) (string, error) {
	if err := req.TaskKey.Validate(); err != nil {
		return "", apperr.Validation("webhook.enqueue", err)
	}
	if !req.Role.Valid() {
		return "", apperr.Validationf("webhook.enqueue", "unknown role %q", req.Role)
	}

	sender := q.emitter
	if q.direction == Incoming {
		if req.Signature == "" {
			return "", apperr.Validation("webhook.enqueue", ErrMissingSignature)
		}
		sender = req.Role
	}

	data := events.Normalize(req.EventData)
	if err := q.registry.Validate(sender, req.EventType, data); err != nil {
		return "", err
	}

	now := q.Now().UTC()
	w := &Webhook{
		ID:        uuid.NewString(),
		Direction: q.direction,
		Role:      req.Role,
		TaskKey:   req.TaskKey,
		EventType: req.EventType,
		EventData: data,
		Signature: req.Signature,
		Status:    StatusPending,
		DueAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if q.direction == Incoming {
		id, created, err := repo.InsertIncoming(ctx, w)
		if err != nil {
			return "", fmt.Errorf("insert incoming webhook: %w", err)
		}
		if created {
			metrics.RecordEnqueued(string(q.direction), string(w.Role), string(w.EventType))
		}
		return id, nil
	}

	if err := repo.Insert(ctx, w); err != nil {
		return "", fmt.Errorf("insert outgoing webhook: %w", err)
	}
	metrics.RecordEnqueued(string(q.direction), string(w.Role), string(w.EventType))
	return w.ID, nil
}

// EnqueueEvent puts ev in the outbox for recipient. An identical notification
// that is still pending is reused instead of queued twice.
func (q *Queue) EnqueueEvent(ctx context.Context, repo Repository, key events.TaskKey, recipient events.Role, ev events.Event) (string, error) {
	if q.direction != Outgoing {
		return "", apperr.FatalConfigf("webhook.enqueue_event", "EnqueueEvent called on the %s queue", q.direction)
	}
	data, err := events.Encode(ev)
	if err != nil {
		return "", err
	}

	existing, err := repo.FindPendingOutgoing(ctx, key, recipient, ev.EventType(), data)
	switch {
	case err == nil:
		return existing.ID, nil
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("find pending outgoing webhook: %w", err)
	}

	return q.Enqueue(ctx, repo, Request{
		TaskKey:   key,
		Role:      recipient,
		EventType: ev.EventType(),
		EventData: data,
	})
}

// DequeuePending returns up to limit pending rows for role whose due time has
// passed, oldest due first. Rows stay pending until marked.
func (q *Queue) DequeuePending(ctx context.Context, repo Repository, role events.Role, limit int) ([]Webhook, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := repo.ListPending(ctx, PendingQuery{
		Direction: q.direction,
		Role:      role,
		Now:       q.Now().UTC(),
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending %s webhooks: %w", q.direction, err)
	}
	return rows, nil
}

// MarkSuccess records a successful attempt. Terminal rows are left untouched.
func (q *Queue) MarkSuccess(ctx context.Context, repo Repository, id string) error {
	w, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !w.succeed(q.Now().UTC()) {
		return nil
	}
	if err := repo.Update(ctx, w); err != nil {
		return fmt.Errorf("mark webhook %s completed: %w", id, err)
	}
	metrics.RecordProcessed(string(q.direction), string(w.Role), "completed")
	return nil
}

// MarkFail records a failed attempt and returns the updated row. The row
// becomes failed once attempts reach the policy maximum, otherwise its due
// time moves forward by the policy delay.
func (q *Queue) MarkFail(ctx context.Context, repo Repository, id string, policy RetryPolicy) (Webhook, error) {
	w, err := repo.Get(ctx, id)
	if err != nil {
		return Webhook{}, err
	}
	if !w.fail(policy, q.Now().UTC()) {
		return *w, nil
	}
	if err := repo.Update(ctx, w); err != nil {
		return Webhook{}, fmt.Errorf("mark webhook %s failed attempt: %w", id, err)
	}

	outcome := "retry"
	if w.Status == StatusFailed {
		outcome = "failed"
	}
	metrics.RecordProcessed(string(q.direction), string(w.Role), outcome)
	return *w, nil
}

// Replay re-sends a failed outgoing row as a new pending row. The failed row
// itself stays failed.
func (q *Queue) Replay(ctx context.Context, repo Repository, id string) (string, error) {
	if q.direction != Outgoing {
		return "", apperr.Validationf("webhook.replay", "only outgoing webhooks can be replayed")
	}
	orig, err := repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.Direction != Outgoing || orig.Status != StatusFailed {
		return "", apperr.Validationf("webhook.replay", "webhook %s is %s/%s, want outgoing/failed", id, orig.Direction, orig.Status)
	}

	now := q.Now().UTC()
	w := &Webhook{
		ID:        uuid.NewString(),
		Direction: Outgoing,
		Role:      orig.Role,
		TaskKey:   orig.TaskKey,
		EventType: orig.EventType,
		EventData: orig.EventData,
		Status:    StatusPending,
		DueAt:     now,
		ReplayOf:  orig.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Insert(ctx, w); err != nil {
		return "", fmt.Errorf("insert replay of %s: %w", id, err)
	}
	metrics.RecordEnqueued(string(Outgoing), string(w.Role), string(w.EventType))
	return w.ID, nil
}
