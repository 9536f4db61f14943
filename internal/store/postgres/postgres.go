package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/validation"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// Store opens units of work as postgres transactions
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &unit{tx: tx}, nil
}

type unit struct {
	tx pgx.Tx
}

func (u *unit) Webhooks() webhook.Repository         { return &webhookRepo{tx: u.tx} }
func (u *unit) Results() validation.ResultRepository { return &resultRepo{tx: u.tx} }

// Savepoint uses a pgx nested transaction, which is a SAVEPOINT
func (u *unit) Savepoint(ctx context.Context) (store.UnitOfWork, error) {
	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &unit{tx: sp}, nil
}

func (u *unit) Commit(ctx context.Context) error {
	return u.tx.Commit(ctx)
}

func (u *unit) Rollback(ctx context.Context) error {
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

const webhookColumns = `id, direction, role, chain_id, escrow_address, event_type, event_data,
	COALESCE(signature, ''), status, attempts, due_at, COALESCE(replay_of::text, ''), created_at, updated_at`

func scanWebhook(row pgx.Row) (webhook.Webhook, error) {
	var w webhook.Webhook
	var direction, role, eventType, status string
	var data []byte
	err := row.Scan(&w.ID, &direction, &role, &w.TaskKey.ChainID, &w.TaskKey.EscrowAddress, &eventType, &data,
		&w.Signature, &status, &w.Attempts, &w.DueAt, &w.ReplayOf, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return webhook.Webhook{}, err
	}
	w.Direction = webhook.Direction(direction)
	w.Role = events.Role(role)
	w.EventType = events.Type(eventType)
	w.Status = webhook.Status(status)
	w.EventData = json.RawMessage(data)
	return w, nil
}

func collectWebhooks(rows pgx.Rows) ([]webhook.Webhook, error) {
	defer rows.Close()
	var out []webhook.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type webhookRepo struct {
	tx pgx.Tx
}

func (r *webhookRepo) InsertIncoming(ctx context.Context, w *webhook.Webhook) (string, bool, error) {
	// Insert-or-ignore on the partial unique index, then fetch the id either way
	ct, err := r.tx.Exec(ctx, `
		INSERT INTO oracle.webhooks(id, direction, role, chain_id, escrow_address, event_type, event_data,
			signature, status, attempts, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (signature) WHERE direction = 'incoming' DO NOTHING`,
		w.ID, string(w.Direction), string(w.Role), w.TaskKey.ChainID, w.TaskKey.EscrowAddress, string(w.EventType),
		string(w.EventData), w.Signature, string(w.Status), w.Attempts, w.DueAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return "", false, err
	}
	if ct.RowsAffected() == 1 {
		return w.ID, true, nil
	}

	var id string
	if err := r.tx.QueryRow(ctx, `
		SELECT id FROM oracle.webhooks
		WHERE direction = 'incoming' AND signature = $1`,
		w.Signature,
	).Scan(&id); err != nil {
		return "", false, fmt.Errorf("select existing incoming webhook: %w", err)
	}
	return id, false, nil
}

func (r *webhookRepo) Insert(ctx context.Context, w *webhook.Webhook) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO oracle.webhooks(id, direction, role, chain_id, escrow_address, event_type, event_data,
			signature, status, attempts, due_at, replay_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12::uuid, $13, $14)`,
		w.ID, string(w.Direction), string(w.Role), w.TaskKey.ChainID, w.TaskKey.EscrowAddress, string(w.EventType),
		string(w.EventData), nullable(w.Signature), string(w.Status), w.Attempts, w.DueAt, nullable(w.ReplayOf),
		w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (r *webhookRepo) FindPendingOutgoing(ctx context.Context, key events.TaskKey, role events.Role, typ events.Type, data json.RawMessage) (*webhook.Webhook, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT `+webhookColumns+`
		FROM oracle.webhooks
		WHERE direction = 'outgoing' AND status = 'pending'
		  AND chain_id = $1 AND escrow_address = $2 AND role = $3 AND event_type = $4
		  AND event_data = $5::jsonb
		ORDER BY created_at
		LIMIT 1`,
		key.ChainID, key.EscrowAddress, string(role), string(typ), string(data),
	)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *webhookRepo) Get(ctx context.Context, id string) (*webhook.Webhook, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT `+webhookColumns+`
		FROM oracle.webhooks
		WHERE id = $1
		FOR UPDATE`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListPending locks the returned rows; rows locked by a concurrent tick are skipped
func (r *webhookRepo) ListPending(ctx context.Context, q webhook.PendingQuery) ([]webhook.Webhook, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM oracle.webhooks
		WHERE direction = $1 AND role = $2 AND status = 'pending' AND due_at <= $3
		ORDER BY due_at, created_at, id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		string(q.Direction), string(q.Role), q.Now, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	return collectWebhooks(rows)
}

func (r *webhookRepo) List(ctx context.Context, q webhook.ListQuery) ([]webhook.Webhook, error) {
	var (
		conds []string
		args  []any
	)
	if q.Direction != "" {
		args = append(args, string(q.Direction))
		conds = append(conds, fmt.Sprintf("direction = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	sql := `SELECT ` + webhookColumns + ` FROM oracle.webhooks`
	if len(conds) > 0 {
		sql += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sql += ` ORDER BY created_at DESC, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectWebhooks(rows)
}

func (r *webhookRepo) Update(ctx context.Context, w *webhook.Webhook) error {
	ct, err := r.tx.Exec(ctx, `
		UPDATE oracle.webhooks
		SET status = $2, attempts = $3, due_at = $4, updated_at = $5
		WHERE id = $1`,
		w.ID, string(w.Status), w.Attempts, w.DueAt, w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (r *webhookRepo) CountByStatus(ctx context.Context) ([]webhook.StatusCount, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT direction, status, count(*)
		FROM oracle.webhooks
		GROUP BY direction, status
		ORDER BY direction, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.StatusCount
	for rows.Next() {
		var (
			direction, status string
			n                 int
		)
		if err := rows.Scan(&direction, &status, &n); err != nil {
			return nil, err
		}
		out = append(out, webhook.StatusCount{Direction: webhook.Direction(direction), Status: webhook.Status(status), Count: n})
	}
	return out, rows.Err()
}

type resultRepo struct {
	tx pgx.Tx
}

func (r *resultRepo) GetByAssignment(ctx context.Context, assignmentID string) (*validation.Result, error) {
	var res validation.Result
	err := r.tx.QueryRow(ctx, `
		SELECT id, job_id, assignment_id, annotator_address, quality_score, needs_review, created_at
		FROM oracle.validation_results
		WHERE assignment_id = $1`, assignmentID,
	).Scan(&res.ID, &res.JobID, &res.AssignmentID, &res.AnnotatorAddress, &res.QualityScore, &res.NeedsReview, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, validation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *resultRepo) Insert(ctx context.Context, res *validation.Result) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO oracle.validation_results(id, job_id, assignment_id, annotator_address, quality_score, needs_review, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (assignment_id) DO NOTHING`,
		res.ID, res.JobID, res.AssignmentID, res.AnnotatorAddress, res.QualityScore, res.NeedsReview, res.CreatedAt,
	)
	return err
}
