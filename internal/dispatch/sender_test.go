package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/signing"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func mustSigner(t *testing.T) *signing.Signer {
	t.Helper()
	s, err := signing.NewSigner(devKey)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type received struct {
	body      []byte
	signature string
}

func newPeer(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	got := make(chan received, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get("Human-Signature")}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"try later"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func outgoing() webhook.Webhook {
	return webhook.Webhook{
		ID:        "wh-out",
		Direction: webhook.Outgoing,
		Role:      events.ExchangeOracle,
		TaskKey:   testKey,
		EventType: events.TypeTaskRejected,
		EventData: []byte(`{"rejected_job_ids":[3]}`),
	}
}

func TestSenderSignsCanonicalBody(t *testing.T) {
	srv, got := newPeer(t, http.StatusOK)
	signer := mustSigner(t)
	s := NewSender(signer, SenderConfig{URLs: map[events.Role]string{events.ExchangeOracle: srv.URL}})

	w := outgoing()
	if err := s.Handle(context.Background(), nil, w, events.TaskRejected{RejectedJobIDs: []int64{3}}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	r := <-got
	want, _ := webhook.MessageOf(w).Canonical()
	if string(r.body) != string(want) {
		t.Errorf("body = %s, want %s", r.body, want)
	}
	if _, err := signing.Verify(r.body, r.signature, signer.Address()); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSenderErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantReason string
	}{
		{"server error", http.StatusBadGateway, "http_5xx"},
		{"throttled", http.StatusTooManyRequests, "http_429"},
		{"rejected", http.StatusUnauthorized, "http_4xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newPeer(t, tt.status)
			s := NewSender(mustSigner(t), SenderConfig{URLs: map[events.Role]string{events.ExchangeOracle: srv.URL}})

			err := s.Handle(context.Background(), nil, outgoing(), nil)
			if !apperr.IsKind(err, apperr.KindDelivery) {
				t.Fatalf("Handle() error = %v, want delivery", err)
			}
			var de *DeliveryError
			if !errors.As(err, &de) || de.Status != tt.status || de.Reason != tt.wantReason {
				t.Errorf("delivery error = %+v", de)
			}
		})
	}
}

func TestSenderUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewSender(mustSigner(t), SenderConfig{
		URLs:    map[events.Role]string{events.ExchangeOracle: url},
		Timeout: time.Second,
	})
	err := s.Handle(context.Background(), nil, outgoing(), nil)
	var de *DeliveryError
	if !errors.As(err, &de) || de.Status != 0 {
		t.Fatalf("Handle() error = %v, want transport delivery error", err)
	}
}

func TestSenderMissingURLIsFatal(t *testing.T) {
	s := NewSender(mustSigner(t), SenderConfig{})
	if err := s.Handle(context.Background(), nil, outgoing(), nil); !apperr.IsKind(err, apperr.KindFatalConfig) {
		t.Errorf("Handle() error = %v, want fatal config", err)
	}
}

func TestOutboxDelivery(t *testing.T) {
	srv, got := newPeer(t, http.StatusOK)
	f := newFixture(t)

	var id string
	err := store.RunInTx(context.Background(), f.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		id, err = f.outbox.EnqueueEvent(ctx, uow.Webhooks(), testKey, events.ExchangeOracle, events.TaskCompleted{})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	sender := NewSender(mustSigner(t), SenderConfig{URLs: map[events.Role]string{events.ExchangeOracle: srv.URL}, RPS: 100, Burst: 1})
	p := NewProcessor(f.store, f.outbox, f.registry, sender)

	res, err := p.ProcessBatch(context.Background(), events.ExchangeOracle)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Succeeded != 1 {
		t.Errorf("result = %+v", res)
	}
	if w := f.row(t, id); w.Status != webhook.StatusCompleted {
		t.Errorf("row = %s, want completed", w.Status)
	}
	select {
	case r := <-got:
		if r.signature == "" {
			t.Error("delivery carried no signature")
		}
	default:
		t.Error("peer received nothing")
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		err    error
		status int
		want   string
	}{
		{errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{errors.New("Client.Timeout exceeded"), 0, "timeout"},
		{errors.New("lookup peer: no such host"), 0, "dns_error"},
		{errors.New("EOF"), 0, "network"},
		{errors.New("bad gateway"), 502, "http_5xx"},
		{errors.New("slow down"), 429, "http_429"},
		{errors.New("forbidden"), 403, "http_4xx"},
	}
	for _, tt := range tests {
		if got := classifyReason(tt.err, tt.status); got != tt.want {
			t.Errorf("classifyReason(%v, %d) = %q, want %q", tt.err, tt.status, got, tt.want)
		}
	}
}
