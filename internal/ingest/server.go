// Package ingest is the HTTP surface of an oracle: it receives signed
// webhooks from peers into the inbox and serves the admin API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/auth"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/signing"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/tracing"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

const maxBodyBytes = 1 << 20

// TaskFinisher is implemented by the exchange oracle
type TaskFinisher interface {
	TaskFinished(ctx context.Context, uow store.UnitOfWork, key events.TaskKey) (string, error)
}

type Config struct {
	// Accepted lists the peer roles allowed to send webhooks to this oracle
	Accepted        []events.Role
	Trusted         map[events.Role]common.Address
	SignatureHeader string
	// VerifySignatures can be disabled for local development only
	VerifySignatures bool
}

type Server struct {
	cfg    Config
	store  store.Store
	inbox  *webhook.Queue
	outbox *webhook.Queue

	// Admin protects /admin routes; they are not served when nil
	Admin *auth.JWTValidator
	// Finisher enables POST /admin/tasks/finished
	Finisher TaskFinisher
}

func NewServer(cfg Config, st store.Store, inbox, outbox *webhook.Queue) *Server {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "Human-Signature"
	}
	return &Server{cfg: cfg, store: st, inbox: inbox, outbox: outbox}
}

// Register mounts the webhook and admin routes on mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{role}", s.receive)

	if s.Admin == nil {
		return
	}
	mux.Handle("GET /admin/webhooks", s.Admin.HTTPMiddleware(http.HandlerFunc(s.listWebhooks)))
	mux.Handle("POST /admin/webhooks/{id}/replay", s.Admin.HTTPMiddleware(http.HandlerFunc(s.replay)))
	if s.Finisher != nil {
		mux.Handle("POST /admin/tasks/finished", s.Admin.HTTPMiddleware(http.HandlerFunc(s.taskFinished)))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type idResponse struct {
	ID string `json:"id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusOf maps queue and handler errors onto HTTP statuses
func statusOf(err error) int {
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		return http.StatusNotFound
	case apperr.IsKind(err, apperr.KindValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	ctx, span := tracing.StartSpan(ctx, "ingest.receive")
	defer span.End()

	role, err := events.ParseRole(r.PathValue("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(tracing.AttrRole.String(string(role)))
	if !slices.Contains(s.cfg.Accepted, role) {
		writeError(w, http.StatusForbidden, fmt.Errorf("webhooks from %s are not accepted", role))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	var msg webhook.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	sig := r.Header.Get(s.cfg.SignatureHeader)
	if sig == "" {
		sig = msg.Signature
	}
	if sig == "" {
		writeError(w, http.StatusBadRequest, webhook.ErrMissingSignature)
		return
	}

	log := logging.WithContext(ctx).WithRole(role).WithEventType(msg.EventType).WithTask(msg.TaskKey)
	// the inbox dedupes on the signature, so every encoding of it must map to one key
	sig, err = signing.Normalize(sig)
	if err != nil {
		log.WithError(err).Warn("rejected webhook with malformed signature")
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if s.cfg.VerifySignatures {
		if err := s.verify(msg, sig, role); err != nil {
			log.WithError(err).Warn("rejected webhook with bad signature")
			tracing.SetSpanError(ctx, err)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
	}

	var id string
	err = store.RunInTx(ctx, s.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		id, err = s.inbox.Enqueue(ctx, uow.Webhooks(), webhook.Request{
			TaskKey:   msg.TaskKey,
			Role:      role,
			Signature: sig,
			EventType: msg.EventType,
			EventData: msg.EventData,
		})
		return err
	})
	if err != nil {
		log.WithError(err).Warn("webhook not accepted")
		tracing.SetSpanError(ctx, err)
		writeError(w, statusOf(err), err)
		return
	}

	tracing.AddSpanEvent(ctx, "webhook.enqueued", attribute.String("webhook_id", id))
	log.WithWebhook(id).Info("webhook received")
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

func (s *Server) verify(msg webhook.Message, sig string, role events.Role) error {
	trusted, ok := s.cfg.Trusted[role]
	if !ok {
		return fmt.Errorf("no trusted address configured for %s", role)
	}
	canonical, err := msg.Canonical()
	if err != nil {
		return err
	}
	_, err = signing.Verify(canonical, sig, trusted)
	return err
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	q := webhook.ListQuery{
		Direction: webhook.Direction(r.URL.Query().Get("direction")),
		Status:    webhook.Status(r.URL.Query().Get("status")),
		Limit:     100,
	}
	switch q.Direction {
	case "", webhook.Incoming, webhook.Outgoing:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown direction %q", q.Direction))
		return
	}
	switch q.Status {
	case "", webhook.StatusPending, webhook.StatusCompleted, webhook.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", q.Status))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and 1000"))
			return
		}
		q.Limit = n
	}

	var rows []webhook.Webhook
	err := store.RunInTx(r.Context(), s.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		rows, err = uow.Webhooks().List(ctx, q)
		return err
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if rows == nil {
		rows = []webhook.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": rows})
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid webhook id: %w", err))
		return
	}

	var newID string
	err = store.RunInTx(r.Context(), s.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		newID, err = s.outbox.Replay(ctx, uow.Webhooks(), id.String())
		return err
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	subject, _ := auth.SubjectFromContext(r.Context())
	logging.WithContext(r.Context()).WithWebhook(newID).
		WithFields(map[string]any{"replay_of": id.String(), "subject": subject}).Info("webhook replayed")
	writeJSON(w, http.StatusOK, idResponse{ID: newID})
}

type taskFinishedRequest struct {
	TaskKey events.TaskKey `json:"task_key"`
}

func (s *Server) taskFinished(w http.ResponseWriter, r *http.Request) {
	var req taskFinishedRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	var id string
	err := store.RunInTx(r.Context(), s.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		id, err = s.Finisher.TaskFinished(ctx, uow, req.TaskKey)
		return err
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}
