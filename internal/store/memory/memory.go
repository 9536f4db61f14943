// Package memory is an in-process store with the same transactional
// semantics as the postgres store. Units of work are serialized.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/validation"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// ErrTxClosed is returned when committing a finished unit of work
var ErrTxClosed = errors.New("unit of work already finished")

type state struct {
	webhooks map[string]webhook.Webhook
	seq      map[string]int64
	results  map[string]validation.Result // by assignment id
}

func newState() state {
	return state{
		webhooks: make(map[string]webhook.Webhook),
		seq:      make(map[string]int64),
		results:  make(map[string]validation.Result),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	for k, v := range s.results {
		c.results[k] = v
	}
	return c
}

// Store keeps committed state in memory
type Store struct {
	mu      sync.Mutex
	state   state
	nextSeq int64
	seqMu   sync.Mutex
}

func New() *Store {
	return &Store{state: newState()}
}

// Begin blocks until no other unit of work is open
func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &unit{store: s, state: s.state.clone()}, nil
}

// Webhooks returns a snapshot of every committed webhook, for assertions
func (s *Store) Webhooks() []webhook.Webhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webhook.Webhook, 0, len(s.state.webhooks))
	for _, w := range s.state.webhooks {
		out = append(out, w)
	}
	st := s.state
	sort.Slice(out, func(i, j int) bool { return st.seq[out[i].ID] < st.seq[out[j].ID] })
	return out
}

func (s *Store) seq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

type unit struct {
	store  *Store
	parent *unit
	state  state
	done   bool
}

func (u *unit) Webhooks() webhook.Repository         { return webhookRepo{u} }
func (u *unit) Results() validation.ResultRepository { return resultRepo{u} }

func (u *unit) Savepoint(ctx context.Context) (store.UnitOfWork, error) {
	if u.done {
		return nil, ErrTxClosed
	}
	return &unit{store: u.store, parent: u, state: u.state.clone()}, nil
}

func (u *unit) Commit(ctx context.Context) error {
	if u.done {
		return ErrTxClosed
	}
	u.done = true
	if u.parent != nil {
		u.parent.state = u.state
		return nil
	}
	u.store.state = u.state
	u.store.mu.Unlock()
	return nil
}

func (u *unit) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if u.parent == nil {
		u.store.mu.Unlock()
	}
	return nil
}

func (u *unit) check() error {
	if u.done {
		return ErrTxClosed
	}
	return nil
}

type webhookRepo struct{ u *unit }

func (r webhookRepo) InsertIncoming(ctx context.Context, w *webhook.Webhook) (string, bool, error) {
	if err := r.u.check(); err != nil {
		return "", false, err
	}
	for _, existing := range r.u.state.webhooks {
		if existing.Direction == webhook.Incoming && existing.Signature == w.Signature {
			return existing.ID, false, nil
		}
	}
	if err := r.Insert(ctx, w); err != nil {
		return "", false, err
	}
	return w.ID, true, nil
}

func (r webhookRepo) Insert(ctx context.Context, w *webhook.Webhook) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.state.webhooks[w.ID]; ok {
		return fmt.Errorf("duplicate webhook id %s", w.ID)
	}
	r.u.state.webhooks[w.ID] = *w
	r.u.state.seq[w.ID] = r.u.store.seq()
	return nil
}

func (r webhookRepo) FindPendingOutgoing(ctx context.Context, key events.TaskKey, role events.Role, typ events.Type, data json.RawMessage) (*webhook.Webhook, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var found *webhook.Webhook
	for _, w := range r.u.state.webhooks {
		if w.Direction != webhook.Outgoing || w.Status != webhook.StatusPending {
			continue
		}
		if w.TaskKey != key || w.Role != role || w.EventType != typ || !sameJSON(w.EventData, data) {
			continue
		}
		if found == nil || r.u.state.seq[w.ID] < r.u.state.seq[found.ID] {
			c := w
			found = &c
		}
	}
	if found == nil {
		return nil, webhook.ErrNotFound
	}
	return found, nil
}

func (r webhookRepo) Get(ctx context.Context, id string) (*webhook.Webhook, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	w, ok := r.u.state.webhooks[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	return &w, nil
}

func (r webhookRepo) ListPending(ctx context.Context, q webhook.PendingQuery) ([]webhook.Webhook, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []webhook.Webhook
	for _, w := range r.u.state.webhooks {
		if w.Direction == q.Direction && w.Role == q.Role && w.Status == webhook.StatusPending && !w.DueAt.After(q.Now) {
			out = append(out, w)
		}
	}
	seq := r.u.state.seq
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return seq[a.ID] < seq[b.ID]
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r webhookRepo) List(ctx context.Context, q webhook.ListQuery) ([]webhook.Webhook, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []webhook.Webhook
	for _, w := range r.u.state.webhooks {
		if q.Direction != "" && w.Direction != q.Direction {
			continue
		}
		if q.Status != "" && w.Status != q.Status {
			continue
		}
		out = append(out, w)
	}
	seq := r.u.state.seq
	sort.Slice(out, func(i, j int) bool { return seq[out[i].ID] > seq[out[j].ID] })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r webhookRepo) Update(ctx context.Context, w *webhook.Webhook) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.state.webhooks[w.ID]; !ok {
		return webhook.ErrNotFound
	}
	r.u.state.webhooks[w.ID] = *w
	return nil
}

func (r webhookRepo) CountByStatus(ctx context.Context) ([]webhook.StatusCount, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	counts := make(map[[2]string]int)
	for _, w := range r.u.state.webhooks {
		counts[[2]string{string(w.Direction), string(w.Status)}]++
	}
	out := make([]webhook.StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, webhook.StatusCount{Direction: webhook.Direction(k[0]), Status: webhook.Status(k[1]), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

type resultRepo struct{ u *unit }

func (r resultRepo) GetByAssignment(ctx context.Context, assignmentID string) (*validation.Result, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	res, ok := r.u.state.results[assignmentID]
	if !ok {
		return nil, validation.ErrNotFound
	}
	return &res, nil
}

func (r resultRepo) Insert(ctx context.Context, res *validation.Result) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.state.results[res.AssignmentID]; ok {
		return nil
	}
	r.u.state.results[res.AssignmentID] = *res
	return nil
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
