// Package dispatch drains the webhook queues: incoming rows are handed to the
// oracle's domain handler and outgoing rows are delivered to peers.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/metrics"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/tracing"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// Handler processes one webhook whose payload was already checked against
// the event registry. Writes made through uow commit with the row's outcome.
type Handler interface {
	Handle(ctx context.Context, uow store.UnitOfWork, w webhook.Webhook, ev events.Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, uow store.UnitOfWork, w webhook.Webhook, ev events.Event) error

func (f HandlerFunc) Handle(ctx context.Context, uow store.UnitOfWork, w webhook.Webhook, ev events.Event) error {
	return f(ctx, uow, w, ev)
}

// Processor runs batches of one queue through a Handler
type Processor struct {
	store    store.Store
	queue    *webhook.Queue
	registry *events.Registry
	handler  Handler

	Policy    webhook.RetryPolicy
	BatchSize int
	// DeadLetters, when set, receives every row that becomes failed
	DeadLetters webhook.DeadLetterPublisher
}

func NewProcessor(s store.Store, q *webhook.Queue, reg *events.Registry, h Handler) *Processor {
	return &Processor{
		store:     s,
		queue:     q,
		registry:  reg,
		handler:   h,
		Policy:    webhook.DefaultRetryPolicy(),
		BatchSize: 10,
	}
}

// BatchResult summarises one ProcessBatch call
type BatchResult struct {
	Succeeded int
	Failed    int
	Dead      int
}

// ProcessBatch handles up to BatchSize due rows of role in one unit of work.
// Item errors are recorded on the row; a fatal configuration error rolls the
// whole batch back and is returned.
func (p *Processor) ProcessBatch(ctx context.Context, role events.Role) (BatchResult, error) {
	var (
		res  BatchResult
		dead []webhook.DeadLetter
	)
	direction := string(p.queue.Direction())

	err := store.RunInTx(ctx, p.store, func(ctx context.Context, uow store.UnitOfWork) error {
		rows, err := p.queue.DequeuePending(ctx, uow.Webhooks(), role, p.BatchSize)
		if err != nil {
			return err
		}

		for _, w := range rows {
			herr := p.processOne(ctx, uow, w)
			if herr == nil {
				if err := p.queue.MarkSuccess(ctx, uow.Webhooks(), w.ID); err != nil {
					return err
				}
				res.Succeeded++
				continue
			}
			if apperr.IsKind(herr, apperr.KindFatalConfig) {
				return herr
			}

			updated, err := p.queue.MarkFail(ctx, uow.Webhooks(), w.ID, p.Policy)
			if err != nil {
				return err
			}
			reason := failureReason(herr)
			metrics.RecordRetry(reason)
			res.Failed++

			log := logging.WithContext(ctx).WithWebhook(w.ID).WithRole(w.Role).WithEventType(w.EventType).
				WithTask(w.TaskKey).WithError(herr).WithFields(map[string]any{
				"direction": direction,
				"attempts":  updated.Attempts,
				"reason":    reason,
			})
			if updated.Status != webhook.StatusFailed {
				log.Warn("webhook attempt failed")
				continue
			}
			log.Error("webhook failed permanently")
			metrics.RecordDeadLetter(direction)
			res.Dead++
			dead = append(dead, webhook.NewDeadLetter(updated, herr.Error(),
				fmt.Sprintf("max attempts reached (%d)", updated.Attempts)))
		}
		return nil
	})
	if err != nil {
		logging.WithContext(ctx).WithRole(role).WithError(err).
			WithField("direction", direction).Error("batch rolled back")
		return BatchResult{}, err
	}

	// published after commit so a rolled back batch never reports dead rows
	if p.DeadLetters != nil {
		for _, dl := range dead {
			if err := p.DeadLetters.PublishDeadLetter(ctx, dl); err != nil {
				logging.WithContext(ctx).WithWebhook(dl.Webhook.ID).WithError(err).Error("dead letter publish failed")
			}
		}
	}
	return res, nil
}

// processOne runs the handler for w in a savepoint so that a failing item
// leaves no writes behind. Panics are converted to processing errors.
func (p *Processor) processOne(ctx context.Context, uow store.UnitOfWork, w webhook.Webhook) (err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.process",
		tracing.AttrWebhookID.String(w.ID),
		tracing.AttrDirection.String(string(w.Direction)),
		tracing.AttrRole.String(string(w.Role)),
		tracing.AttrEventType.String(string(w.EventType)),
		tracing.AttrEscrowAddress.String(w.TaskKey.EscrowAddress),
		tracing.AttrChainID.Int64(w.TaskKey.ChainID),
		attribute.Int("attempts", w.Attempts),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = apperr.Processing("dispatch.process", &panicError{value: r})
		}
		if err != nil {
			tracing.SetSpanError(ctx, err)
		}
	}()

	return store.InSavepoint(ctx, uow, func(ctx context.Context, sp store.UnitOfWork) error {
		ev, err := p.registry.Parse(p.queue.SenderOf(w), w.EventType, w.EventData)
		if err != nil {
			return err
		}
		return p.handler.Handle(ctx, sp, w, ev)
	})
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

// failureReason labels a handler error for the retries metric
func failureReason(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return "panic"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "invalid_payload"
	case apperr.KindProcessing:
		return "processing"
	default:
		return "other"
	}
}
