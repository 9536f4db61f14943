package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/metrics"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/tracing"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// MessageSigner signs canonical message bytes
type MessageSigner interface {
	Sign(message []byte) (string, error)
}

// DeliveryError is a failed send to a peer
type DeliveryError struct {
	Role   events.Role
	Status int // 0 when no response was received
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("deliver to %s: status %d", e.Role, e.Status)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Role, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type SenderConfig struct {
	URLs            map[events.Role]string
	SignatureHeader string
	Timeout         time.Duration
	RPS             float64
	Burst           int
}

// Sender delivers outgoing webhooks to peers. It is the Handler of the outbox.
type Sender struct {
	cfg    SenderConfig
	signer MessageSigner
	http   *resty.Client

	mu       sync.Mutex
	limiters map[events.Role]*rate.Limiter
}

func NewSender(signer MessageSigner, cfg SenderConfig) *Sender {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "Human-Signature"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Sender{
		cfg:      cfg,
		signer:   signer,
		http:     resty.New().SetTimeout(cfg.Timeout).SetHeader("Content-Type", "application/json"),
		limiters: make(map[events.Role]*rate.Limiter),
	}
}

func (s *Sender) limiter(role events.Role) *rate.Limiter {
	if s.cfg.RPS <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[role]
	if !ok {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.cfg.RPS), burst)
		s.limiters[role] = l
	}
	return l
}

// Handle signs and POSTs w to its recipient. Any non-2xx answer is a delivery error.
func (s *Sender) Handle(ctx context.Context, _ store.UnitOfWork, w webhook.Webhook, _ events.Event) error {
	url, ok := s.cfg.URLs[w.Role]
	if !ok || url == "" {
		return apperr.FatalConfigf("dispatch.send", "no webhook url configured for %s", w.Role)
	}

	msg := webhook.MessageOf(w)
	body, err := msg.Canonical()
	if err != nil {
		return apperr.Processing("dispatch.send", err)
	}
	sig, err := s.signer.Sign(body)
	if err != nil {
		return apperr.FatalConfig("dispatch.sign", err)
	}

	if l := s.limiter(w.Role); l != nil {
		if err := l.Wait(ctx); err != nil {
			return apperr.Delivery("dispatch.send", &DeliveryError{Role: w.Role, Reason: "rate_limited", Err: err})
		}
	}

	headers := http.Header{}
	tracing.InjectHTTP(ctx, headers)
	req := s.http.R().
		SetContext(ctx).
		SetHeader(s.cfg.SignatureHeader, sig).
		SetBody(body)
	for k := range headers {
		req.SetHeader(k, headers.Get(k))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.SetHeader("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook", attribute.String("url", url))
	start := time.Now()
	resp, err := req.Post(url)
	latency := time.Since(start)

	status := 0
	if err == nil {
		status = resp.StatusCode()
	}
	metrics.RecordDelivery(string(w.Role), status, latency)

	if err == nil && resp.IsSuccess() {
		logging.WithContext(ctx).WithWebhook(w.ID).WithRole(w.Role).WithEventType(w.EventType).
			WithFields(map[string]any{"status": status, "latency_ms": latency.Milliseconds()}).Debug("webhook delivered")
		return nil
	}
	if err == nil {
		err = errors.New(strings.TrimSpace(resp.String()))
	}
	return apperr.Delivery("dispatch.send", &DeliveryError{
		Role:   w.Role,
		Status: status,
		Reason: classifyReason(err, status),
		Err:    err,
	})
}

func classifyReason(err error, status int) string {
	if status == 0 && err != nil {
		errLower := strings.ToLower(err.Error())
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
