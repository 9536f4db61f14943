package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakePinger struct {
	err   error
	calls int
}

func (f *fakePinger) Ping(context.Context) error {
	f.calls++
	return f.err
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		pinger             Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy without database",
			pinger:             nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Role: "recording_oracle", Database: true},
		},
		{
			name:               "healthy with working database",
			pinger:             &fakePinger{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Role: "recording_oracle", Database: true},
		},
		{
			name:               "unhealthy with database ping failure",
			pinger:             &fakePinger{err: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Role: "recording_oracle"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler("recording_oracle", tt.pinger)
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status != tt.expectedStatus {
				t.Errorf("HTTPHandler() Status = %+v, want %+v", status, tt.expectedStatus)
			}
		})
	}
}

func TestHTTPHandler_CancelledRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/healthz", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	HTTPHandler("exchange_oracle", nil)(w, req)

	// without a database there is nothing to time out
	if w.Code != http.StatusOK {
		t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, http.StatusOK)
	}
}

func servingStatus(t *testing.T, hs *grpc_health.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	return resp.GetStatus()
}

func TestCheck(t *testing.T) {
	hs := grpc_health.NewServer()
	p := &fakePinger{}

	if got := Check(context.Background(), p, hs, "oracle"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Check() = %v, want SERVING", got)
	}
	if got := servingStatus(t, hs, "oracle"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health server status = %v, want SERVING", got)
	}

	p.err = errors.New("connection reset")
	Check(context.Background(), p, hs, "oracle")
	if got := servingStatus(t, hs, "oracle"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health server status = %v, want NOT_SERVING", got)
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	hs := grpc_health.NewServer()
	p := &fakePinger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Watch(ctx, p, hs, "", 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
	if p.calls < 2 {
		t.Errorf("pinger called %d times, want periodic checks", p.calls)
	}
}
