package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/validation"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

func newWebhook(id string) *webhook.Webhook {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &webhook.Webhook{
		ID:        id,
		Direction: webhook.Outgoing,
		Role:      events.ExchangeOracle,
		TaskKey:   events.TaskKey{ChainID: 1, EscrowAddress: "0x1234567890123456789012345678901234567890"},
		EventType: events.TypeTaskCompleted,
		EventData: []byte(`{}`),
		Status:    webhook.StatusPending,
		DueAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSavepointRollbackKeepsOuterWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.RunInTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Webhooks().Insert(ctx, newWebhook("outer")); err != nil {
			return err
		}
		spErr := store.InSavepoint(ctx, uow, func(ctx context.Context, sp store.UnitOfWork) error {
			if err := sp.Webhooks().Insert(ctx, newWebhook("inner")); err != nil {
				return err
			}
			return errors.New("item failed")
		})
		if spErr == nil {
			t.Error("InSavepoint() expected error")
		}
		return store.InSavepoint(ctx, uow, func(ctx context.Context, sp store.UnitOfWork) error {
			return sp.Webhooks().Insert(ctx, newWebhook("kept"))
		})
	})
	if err != nil {
		t.Fatalf("RunInTx() error = %v", err)
	}

	got := map[string]bool{}
	for _, w := range s.Webhooks() {
		got[w.ID] = true
	}
	if !got["outer"] || !got["kept"] || got["inner"] || len(got) != 2 {
		t.Errorf("committed rows = %v, want outer and kept", got)
	}
}

func TestRunInTxRollsBackOnPanic(t *testing.T) {
	s := New()
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = store.RunInTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
			_ = uow.Webhooks().Insert(ctx, newWebhook("lost"))
			panic("handler bug")
		})
	}()

	// the store must be usable again, so the lock was released
	if n := len(s.Webhooks()); n != 0 {
		t.Errorf("rows after panic = %d, want 0", n)
	}
}

func TestFinishedUnitRejectsUse(t *testing.T) {
	s := New()
	ctx := context.Background()

	uow, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := uow.Commit(ctx); !errors.Is(err, ErrTxClosed) {
		t.Errorf("second Commit() error = %v, want ErrTxClosed", err)
	}
	if err := uow.Rollback(ctx); err != nil {
		t.Errorf("Rollback() after commit error = %v, want nil", err)
	}
	if err := uow.Webhooks().Insert(ctx, newWebhook("x")); !errors.Is(err, ErrTxClosed) {
		t.Errorf("Insert() after commit error = %v, want ErrTxClosed", err)
	}
}

func TestResultsKeepFirstInsert(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.RunInTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		repo := uow.Results()
		if _, err := repo.GetByAssignment(ctx, "a-1"); !errors.Is(err, validation.ErrNotFound) {
			t.Errorf("GetByAssignment() error = %v, want ErrNotFound", err)
		}
		if err := repo.Insert(ctx, &validation.Result{ID: "r1", JobID: 1, AssignmentID: "a-1", QualityScore: 0.9, NeedsReview: true}); err != nil {
			return err
		}
		if err := repo.Insert(ctx, &validation.Result{ID: "r2", JobID: 1, AssignmentID: "a-1", QualityScore: 0.1}); err != nil {
			return err
		}
		got, err := repo.GetByAssignment(ctx, "a-1")
		if err != nil {
			return err
		}
		if got.ID != "r1" || got.QualityScore != 0.9 || !got.NeedsReview {
			t.Errorf("GetByAssignment() = %+v, want first insert", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCountByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.RunInTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		repo := uow.Webhooks()
		for _, id := range []string{"a", "b", "c"} {
			if err := repo.Insert(ctx, newWebhook(id)); err != nil {
				return err
			}
		}
		failed := newWebhook("c")
		failed.Status = webhook.StatusFailed
		if err := repo.Update(ctx, failed); err != nil {
			return err
		}

		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			return err
		}
		want := []webhook.StatusCount{
			{Direction: webhook.Outgoing, Status: webhook.StatusFailed, Count: 1},
			{Direction: webhook.Outgoing, Status: webhook.StatusPending, Count: 2},
		}
		if len(counts) != len(want) {
			t.Fatalf("CountByStatus() = %v, want %v", counts, want)
		}
		for i := range want {
			if counts[i] != want[i] {
				t.Errorf("CountByStatus()[%d] = %v, want %v", i, counts[i], want[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
