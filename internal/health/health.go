package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_oracle/internal/logging"
)

// Pinger is anything whose reachability the oracle depends on, usually the database pool
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Role     string `json:"role,omitempty"`
	Database bool   `json:"database,omitempty"`
}

const pingTimeout = time.Second

// HTTPHandler returns an HTTP handler that reports the health status of the oracle.
// A nil pinger is reported healthy.
func HTTPHandler(role string, pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Role: role, Database: true}

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(st)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Check pings once and sets the serving status of service on hs
func Check(ctx context.Context, pinger Pinger, hs *grpc_health.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := pinger.Ping(pctx); err != nil {
			logging.WithContext(ctx).WithError(err).Warn("health check failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	hs.SetServingStatus(service, status)
	return status
}

// Watch runs Check every interval until ctx is done
func Watch(ctx context.Context, pinger Pinger, hs *grpc_health.Server, service string, interval time.Duration) {
	Check(ctx, pinger, hs, service)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Check(ctx, pinger, hs, service)
		}
	}
}
