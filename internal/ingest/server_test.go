package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/auth"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/signing"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/store/memory"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

const (
	exchangeKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	strangerKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var testKey = events.TaskKey{ChainID: 80002, EscrowAddress: "0x1234567890123456789012345678901234567890"}

type harness struct {
	t        *testing.T
	store    *memory.Store
	outbox   *webhook.Queue
	server   *Server
	handler  http.Handler
	exchange *signing.Signer
	token    string
}

type fakeFinisher struct {
	err error
}

func (f *fakeFinisher) TaskFinished(ctx context.Context, uow store.UnitOfWork, key events.TaskKey) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "finished-" + key.String(), nil
}

func newHarness(t *testing.T, verify bool) *harness {
	t.Helper()
	reg, err := events.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	exchange, err := signing.NewSigner(exchangeKey)
	if err != nil {
		t.Fatal(err)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	validator, err := auth.NewJWTValidator(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), "iss", "aud")
	if err != nil {
		t.Fatal(err)
	}
	token, err := auth.IssueToken(rsaKey, "iss", "aud", "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{t: t, store: memory.New(), outbox: webhook.NewOutbox(events.RecordingOracle, reg), exchange: exchange, token: token}
	h.server = NewServer(Config{
		Accepted:         []events.Role{events.ExchangeOracle},
		Trusted:          map[events.Role]common.Address{events.ExchangeOracle: exchange.Address()},
		VerifySignatures: verify,
	}, h.store, webhook.NewInbox(reg), h.outbox)
	h.server.Admin = validator
	h.server.Finisher = &fakeFinisher{}

	mux := http.NewServeMux()
	h.server.Register(mux)
	h.handler = mux
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

// signedRequest builds a webhook request from the exchange oracle signed by key
func (h *harness) signedRequest(role string, msg webhook.Message, key string) *http.Request {
	h.t.Helper()
	body, err := msg.Canonical()
	if err != nil {
		h.t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+role, bytes.NewReader(body))
	if key != "" {
		s, err := signing.NewSigner(key)
		if err != nil {
			h.t.Fatal(err)
		}
		sig, err := s.Sign(body)
		if err != nil {
			h.t.Fatal(err)
		}
		req.Header.Set("Human-Signature", sig)
	}
	return req
}

func (h *harness) admin(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+h.token)
	return req
}

func decodeID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp idResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp.ID
}

func taskFinished() webhook.Message {
	return webhook.Message{TaskKey: testKey, EventType: events.TypeTaskFinished, EventData: json.RawMessage(`{}`)}
}

func TestReceiveAcceptsSignedWebhook(t *testing.T) {
	h := newHarness(t, true)

	w := h.do(h.signedRequest("exchange_oracle", taskFinished(), exchangeKey))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	id := decodeID(t, w)

	// the same delivery again is acknowledged with the same id
	w = h.do(h.signedRequest("exchange_oracle", taskFinished(), exchangeKey))
	if w.Code != http.StatusOK || decodeID(t, w) != id {
		t.Errorf("duplicate = %d %s, want 200 with id %s", w.Code, w.Body.String(), id)
	}

	rows := h.store.Webhooks()
	if len(rows) != 1 {
		t.Fatalf("stored %d rows, want 1", len(rows))
	}
	if rows[0].Direction != webhook.Incoming || rows[0].Role != events.ExchangeOracle || rows[0].Status != webhook.StatusPending {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestReceiveDedupesSignatureEncodings(t *testing.T) {
	h := newHarness(t, true)

	req := h.signedRequest("exchange_oracle", taskFinished(), exchangeKey)
	sig := req.Header.Get("Human-Signature")
	body, _ := taskFinished().Canonical()

	rawV := sig[:130] + "00"
	if sig[130:] == "1c" {
		rawV = sig[:130] + "01"
	}
	encodings := []string{
		sig,
		strings.TrimPrefix(sig, "0x"),
		"0X" + strings.ToUpper(sig[2:]),
		rawV,
	}

	var ids []string
	for _, enc := range encodings {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/exchange_oracle", bytes.NewReader(body))
		r.Header.Set("Human-Signature", enc)
		w := h.do(r)
		if w.Code != http.StatusOK {
			t.Fatalf("signature %s: status = %d, body = %s", enc, w.Code, w.Body.String())
		}
		ids = append(ids, decodeID(t, w))
	}
	for i, id := range ids[1:] {
		if id != ids[0] {
			t.Errorf("encoding %d got id %s, want %s", i+1, id, ids[0])
		}
	}

	rows := h.store.Webhooks()
	if len(rows) != 1 {
		t.Fatalf("stored %d rows, want 1", len(rows))
	}
	if rows[0].Signature != sig {
		t.Errorf("stored signature = %s, want %s", rows[0].Signature, sig)
	}
}

func TestReceiveSignatureInBody(t *testing.T) {
	h := newHarness(t, true)

	msg := taskFinished()
	canonical, _ := msg.Canonical()
	sig, err := h.exchange.Sign(canonical)
	if err != nil {
		t.Fatal(err)
	}
	msg.Signature = sig
	body, _ := json.Marshal(msg)

	w := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/exchange_oracle", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestReceiveRejects(t *testing.T) {
	tampered := func(h *harness) *http.Request {
		req := h.signedRequest("exchange_oracle", taskFinished(), exchangeKey)
		other := taskFinished()
		other.TaskKey.ChainID = 1
		body, _ := other.Canonical()
		forged := httptest.NewRequest(http.MethodPost, "/webhooks/exchange_oracle", bytes.NewReader(body))
		forged.Header.Set("Human-Signature", req.Header.Get("Human-Signature"))
		return forged
	}

	tests := []struct {
		name       string
		request    func(h *harness) *http.Request
		wantStatus int
	}{
		{"unknown role", func(h *harness) *http.Request {
			return h.signedRequest("nobody", taskFinished(), exchangeKey)
		}, http.StatusBadRequest},
		{"sender not accepted", func(h *harness) *http.Request {
			return h.signedRequest("job_launcher", taskFinished(), exchangeKey)
		}, http.StatusForbidden},
		{"missing signature", func(h *harness) *http.Request {
			return h.signedRequest("exchange_oracle", taskFinished(), "")
		}, http.StatusBadRequest},
		{"untrusted signer", func(h *harness) *http.Request {
			return h.signedRequest("exchange_oracle", taskFinished(), strangerKey)
		}, http.StatusUnauthorized},
		{"tampered body", tampered, http.StatusUnauthorized},
		{"malformed signature", func(h *harness) *http.Request {
			req := h.signedRequest("exchange_oracle", taskFinished(), "")
			req.Header.Set("Human-Signature", "0xnothex")
			return req
		}, http.StatusUnauthorized},
		{"malformed json", func(h *harness) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/webhooks/exchange_oracle", bytes.NewReader([]byte("{")))
		}, http.StatusBadRequest},
		{"event not emitted by role", func(h *harness) *http.Request {
			msg := taskFinished()
			msg.EventType = events.TypeTaskCompleted
			return h.signedRequest("exchange_oracle", msg, exchangeKey)
		}, http.StatusBadRequest},
		{"invalid payload", func(h *harness) *http.Request {
			msg := taskFinished()
			msg.EventType = events.TypeTaskCreationFailed
			return h.signedRequest("exchange_oracle", msg, exchangeKey)
		}, http.StatusBadRequest},
		{"invalid task key", func(h *harness) *http.Request {
			msg := taskFinished()
			msg.TaskKey.EscrowAddress = "not-an-address"
			return h.signedRequest("exchange_oracle", msg, exchangeKey)
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			w := h.do(tt.request(h))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if n := len(h.store.Webhooks()); n != 0 {
				t.Errorf("stored %d rows, want 0", n)
			}
		})
	}
}

func TestReceiveWithoutVerification(t *testing.T) {
	h := newHarness(t, false)
	w := h.do(h.signedRequest("exchange_oracle", taskFinished(), strangerKey))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func (h *harness) failedOutgoing() string {
	h.t.Helper()
	var id string
	err := store.RunInTx(context.Background(), h.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		id, err = h.outbox.EnqueueEvent(ctx, uow.Webhooks(), testKey, events.ExchangeOracle, events.TaskCompleted{})
		if err != nil {
			return err
		}
		_, err = h.outbox.MarkFail(ctx, uow.Webhooks(), id, webhook.RetryPolicy{MaxAttempts: 1})
		return err
	})
	if err != nil {
		h.t.Fatal(err)
	}
	return id
}

func TestAdminListWebhooks(t *testing.T) {
	h := newHarness(t, true)
	h.do(h.signedRequest("exchange_oracle", taskFinished(), exchangeKey))
	h.failedOutgoing()

	unauth := httptest.NewRequest(http.MethodGet, "/admin/webhooks", nil)
	if w := h.do(unauth); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}

	tests := []struct {
		query      string
		wantStatus int
		wantRows   int
	}{
		{"", http.StatusOK, 2},
		{"?direction=outgoing&status=failed", http.StatusOK, 1},
		{"?status=completed", http.StatusOK, 0},
		{"?limit=1", http.StatusOK, 1},
		{"?direction=sideways", http.StatusBadRequest, 0},
		{"?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := h.do(h.admin(http.MethodGet, "/admin/webhooks"+tt.query, nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Webhooks []webhook.Webhook `json:"webhooks"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if len(resp.Webhooks) != tt.wantRows {
				t.Errorf("got %d rows, want %d", len(resp.Webhooks), tt.wantRows)
			}
		})
	}
}

func TestAdminReplay(t *testing.T) {
	h := newHarness(t, true)
	failed := h.failedOutgoing()

	w := h.do(h.admin(http.MethodPost, "/admin/webhooks/"+failed+"/replay", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	newID := decodeID(t, w)

	for _, row := range h.store.Webhooks() {
		switch row.ID {
		case failed:
			if row.Status != webhook.StatusFailed {
				t.Errorf("original row = %s, want failed", row.Status)
			}
		case newID:
			if row.Status != webhook.StatusPending || row.ReplayOf != failed {
				t.Errorf("replay row = %+v", row)
			}
		}
	}

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"not a uuid", "abc", http.StatusBadRequest},
		{"unknown", "6f1c1a52-3f0e-4a55-9a38-1d2d1e6f0b11", http.StatusNotFound},
		{"pending row", newID, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(h.admin(http.MethodPost, "/admin/webhooks/"+tt.id+"/replay", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestAdminTaskFinished(t *testing.T) {
	h := newHarness(t, true)
	body, _ := json.Marshal(taskFinishedRequest{TaskKey: testKey})

	w := h.do(h.admin(http.MethodPost, "/admin/tasks/finished", body))
	if w.Code != http.StatusOK || decodeID(t, w) != "finished-"+testKey.String() {
		t.Errorf("response = %d %s", w.Code, w.Body.String())
	}

	h.server.Finisher = &fakeFinisher{err: apperr.Validationf("exchange.task_finished", "escrow is not pending")}
	if w := h.do(h.admin(http.MethodPost, "/admin/tasks/finished", body)); w.Code != http.StatusBadRequest {
		t.Errorf("validation failure status = %d, want 400", w.Code)
	}
	if w := h.do(h.admin(http.MethodPost, "/admin/tasks/finished", []byte("{"))); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

func TestAdminRoutesNeedValidator(t *testing.T) {
	reg, _ := events.NewRegistry()
	s := NewServer(Config{Accepted: []events.Role{events.ExchangeOracle}}, memory.New(), webhook.NewInbox(reg), webhook.NewOutbox(events.RecordingOracle, reg))
	mux := http.NewServeMux()
	s.Register(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/webhooks", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when admin is disabled", w.Code)
	}
}
