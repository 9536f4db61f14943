package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/harbor_oracle/internal/events"
)

// Direction tells whether a row was received from or is addressed to a peer
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Status of a webhook row; completed and failed are terminal
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound is returned when no webhook row matches
	ErrNotFound = errors.New("webhook not found")
	// ErrMissingSignature is returned when an incoming webhook has no signature
	ErrMissingSignature = errors.New("incoming webhook requires a signature")
)

// Webhook is one persisted message, either received (incoming) or to be sent (outgoing).
// Role is the sender for incoming rows and the recipient for outgoing rows.
type Webhook struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	Role      events.Role     `json:"role"`
	TaskKey   events.TaskKey  `json:"task_key"`
	EventType events.Type     `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	Signature string          `json:"signature,omitempty"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	DueAt     time.Time       `json:"due_at"`
	ReplayOf  string          `json:"replay_of,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Terminal reports whether the row can no longer change
func (w Webhook) Terminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusFailed
}

// RetryPolicy bounds how often and how late a failing row is retried
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is used when no policy is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: 5 * time.Minute, MaxAttempts: 5}
}

func (w *Webhook) succeed(now time.Time) bool {
	if w.Terminal() {
		return false
	}
	w.Attempts++
	w.Status = StatusCompleted
	w.UpdatedAt = now
	return true
}

// fail applies a failed attempt. The due time moves forward from the previous
// due time, not from now, so a row that was due long ago stays eligible.
func (w *Webhook) fail(p RetryPolicy, now time.Time) bool {
	if w.Terminal() {
		return false
	}
	w.Attempts++
	if w.Attempts >= p.MaxAttempts {
		w.Status = StatusFailed
	} else {
		w.DueAt = w.DueAt.Add(p.Delay)
	}
	w.UpdatedAt = now
	return true
}

// PendingQuery selects rows eligible for processing
type PendingQuery struct {
	Direction Direction
	Role      events.Role
	Now       time.Time
	Limit     int
}

// ListQuery selects rows for inspection; zero values match everything
type ListQuery struct {
	Direction Direction
	Status    Status
	Limit     int
}

// StatusCount is one bucket of the backlog report
type StatusCount struct {
	Direction Direction
	Status    Status
	Count     int
}

// Repository is the webhook storage bound to a single unit of work
type Repository interface {
	// InsertIncoming inserts w unless a row with the same signature exists,
	// in which case the existing id is returned with created=false.
	InsertIncoming(ctx context.Context, w *Webhook) (id string, created bool, err error)
	Insert(ctx context.Context, w *Webhook) error
	// FindPendingOutgoing returns a pending outgoing row with identical content, or ErrNotFound
	FindPendingOutgoing(ctx context.Context, key events.TaskKey, role events.Role, typ events.Type, data json.RawMessage) (*Webhook, error)
	// Get loads a row for update, or returns ErrNotFound
	Get(ctx context.Context, id string) (*Webhook, error)
	ListPending(ctx context.Context, q PendingQuery) ([]Webhook, error)
	List(ctx context.Context, q ListQuery) ([]Webhook, error)
	Update(ctx context.Context, w *Webhook) error
	CountByStatus(ctx context.Context) ([]StatusCount, error)
}
