// Package exchange implements the exchange oracle: it turns launched escrows
// into annotation tasks and applies the recording oracle's verdicts to them.
package exchange

import (
	"context"
	"errors"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/escrow"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/tracing"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// AnnotationTool hosts the tasks annotators work on
type AnnotationTool interface {
	CreateTask(ctx context.Context, key events.TaskKey, m *escrow.Manifest) error
	CancelTask(ctx context.Context, key events.TaskKey) error
	CompleteTask(ctx context.Context, key events.TaskKey) error
	ReopenJobs(ctx context.Context, key events.TaskKey, jobIDs []int64) error
}

type Service struct {
	escrow escrow.Client
	tool   AnnotationTool
	outbox *webhook.Queue
}

func New(esc escrow.Client, tool AnnotationTool, outbox *webhook.Queue) *Service {
	return &Service{escrow: esc, tool: tool, outbox: outbox}
}

// Handle processes one incoming webhook inside uow
func (s *Service) Handle(ctx context.Context, uow store.UnitOfWork, w webhook.Webhook, ev events.Event) error {
	ctx, span := tracing.StartSpan(ctx, "exchange.handle",
		tracing.AttrWebhookID.String(w.ID),
		tracing.AttrEventType.String(string(ev.EventType())),
		tracing.AttrEscrowAddress.String(w.TaskKey.EscrowAddress),
		tracing.AttrChainID.Int64(w.TaskKey.ChainID),
	)
	defer span.End()

	switch w.Role {
	case events.JobLauncher:
		switch ev.(type) {
		case events.EscrowCreated:
			return s.escrowCreated(ctx, uow, w)
		case events.EscrowCanceled:
			if err := s.tool.CancelTask(ctx, w.TaskKey); err != nil {
				return apperr.Processing("exchange.cancel_task", err)
			}
			return nil
		}
	case events.RecordingOracle:
		switch e := ev.(type) {
		case events.TaskCompleted:
			if err := s.tool.CompleteTask(ctx, w.TaskKey); err != nil {
				return apperr.Processing("exchange.complete_task", err)
			}
			return nil
		case events.TaskRejected:
			logging.WithContext(ctx).WithTask(w.TaskKey).
				WithField("job_ids", e.RejectedJobIDs).Info("reopening rejected jobs")
			if err := s.tool.ReopenJobs(ctx, w.TaskKey, e.RejectedJobIDs); err != nil {
				return apperr.Processing("exchange.reopen_jobs", err)
			}
			return nil
		}
	default:
		return apperr.FatalConfigf("exchange.handle", "no handler for webhooks from %s", w.Role)
	}
	return apperr.FatalConfigf("exchange.handle", "unhandled %s event %s", w.Role, ev.EventType())
}

// permanent reports whether creating the task can never succeed for this escrow
func permanent(err error) bool {
	return errors.Is(err, escrow.ErrNoFunds) ||
		errors.Is(err, escrow.ErrNotPending) ||
		errors.Is(err, escrow.ErrManifestFormat)
}

func (s *Service) escrowCreated(ctx context.Context, uow store.UnitOfWork, w webhook.Webhook) error {
	err := s.createTask(ctx, w.TaskKey)
	if err == nil {
		return nil
	}
	if !permanent(err) {
		return apperr.Processing("exchange.create_task", err)
	}

	logging.WithContext(ctx).WithWebhook(w.ID).WithTask(w.TaskKey).WithError(err).
		Warn("task creation failed permanently")
	if cerr := s.tool.CancelTask(ctx, w.TaskKey); cerr != nil {
		logging.WithContext(ctx).WithTask(w.TaskKey).WithError(cerr).Warn("cleanup of partial task failed")
	}
	_, err = s.outbox.EnqueueEvent(ctx, uow.Webhooks(), w.TaskKey, events.RecordingOracle,
		events.TaskCreationFailed{Reason: err.Error()})
	return err
}

func (s *Service) createTask(ctx context.Context, key events.TaskKey) error {
	if err := s.escrow.Validate(ctx, key); err != nil {
		return err
	}
	m, err := s.escrow.Manifest(ctx, key)
	if err != nil {
		return err
	}
	return s.tool.CreateTask(ctx, key, m)
}

// TaskFinished notifies the recording oracle that every job of the task is annotated
func (s *Service) TaskFinished(ctx context.Context, uow store.UnitOfWork, key events.TaskKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", apperr.Validation("exchange.task_finished", err)
	}
	if err := s.escrow.Validate(ctx, key); err != nil {
		if permanent(err) {
			return "", apperr.Validation("exchange.task_finished", err)
		}
		return "", apperr.Processing("exchange.task_finished", err)
	}
	return s.outbox.EnqueueEvent(ctx, uow.Webhooks(), key, events.RecordingOracle, events.TaskFinished{})
}
