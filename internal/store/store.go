package store

import (
	"context"
	"fmt"

	"github.com/austindbirch/harbor_oracle/internal/validation"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// UnitOfWork groups reads and writes that commit or roll back together.
// Repositories returned by a unit are only valid until it is finished.
type UnitOfWork interface {
	Webhooks() webhook.Repository
	Results() validation.ResultRepository

	// Savepoint opens a nested unit whose rollback only discards its own writes
	Savepoint(ctx context.Context) (UnitOfWork, error)
	Commit(ctx context.Context) error
	// Rollback is a no-op on a unit that was already committed or rolled back
	Rollback(ctx context.Context) error
}

// Store opens units of work
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// RunInTx runs fn in a new unit of work. The unit is committed when fn
// returns nil and rolled back on error or panic.
func RunInTx(ctx context.Context, s Store, fn func(ctx context.Context, uow UnitOfWork) error) error {
	uow, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	return finish(ctx, uow, fn)
}

// InSavepoint runs fn in a savepoint of uow with the same commit/rollback rules as RunInTx
func InSavepoint(ctx context.Context, uow UnitOfWork, fn func(ctx context.Context, uow UnitOfWork) error) error {
	sp, err := uow.Savepoint(ctx)
	if err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}
	return finish(ctx, sp, fn)
}

func finish(ctx context.Context, uow UnitOfWork, fn func(ctx context.Context, uow UnitOfWork) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, uow); err != nil {
		if rbErr := uow.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		_ = uow.Rollback(ctx)
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}
