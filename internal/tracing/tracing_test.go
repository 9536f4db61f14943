package tracing

import (
	"context"
	"net/http"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(trace.NewTracerProvider(trace.WithSyncer(exporter)))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{
			name:     "with SERVICE_VERSION set",
			envValue: "v1.2.3",
			expected: "v1.2.3",
		},
		{
			name:     "with SERVICE_VERSION not set",
			envValue: "",
			expected: "dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("SERVICE_VERSION", tt.envValue)
				defer os.Unsetenv("SERVICE_VERSION")
			} else {
				os.Unsetenv("SERVICE_VERSION")
			}

			if result := getVersion(); result != tt.expected {
				t.Errorf("getVersion() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{
			name:        "with HOSTNAME set",
			hostnameEnv: "recording-01",
			expected:    "recording-01",
		},
		{
			name:       "with POD_NAME set (no HOSTNAME)",
			podNameEnv: "oracle-recording-abc123",
			expected:   "oracle-recording-abc123",
		},
		{
			name:        "HOSTNAME takes precedence",
			hostnameEnv: "recording-01",
			podNameEnv:  "oracle-recording-abc123",
			expected:    "recording-01",
		},
		{
			name:     "with neither set",
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("HOSTNAME")
			os.Unsetenv("POD_NAME")
			if tt.hostnameEnv != "" {
				os.Setenv("HOSTNAME", tt.hostnameEnv)
				defer os.Unsetenv("HOSTNAME")
			}
			if tt.podNameEnv != "" {
				os.Setenv("POD_NAME", tt.podNameEnv)
				defer os.Unsetenv("POD_NAME")
			}

			if result := getInstanceID(); result != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{"with http:// prefix", "http://tempo:4318", "tempo:4318"},
		{"with https:// prefix", "https://tempo:4318", "tempo:4318"},
		{"without protocol prefix", "collector:4318", "collector:4318"},
		{"empty environment variable", "", "tempo:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
				defer os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			} else {
				os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			}

			if result := getOTLPEndpoint(); result != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		name   string
		ratio  float64
		always bool
	}{
		{"zero samples everything", 0, true},
		{"one samples everything", 1, true},
		{"fraction is ratio based", 0.25, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sampler(tt.ratio).Description() == trace.AlwaysSample().Description()
			if got != tt.always {
				t.Errorf("sampler(%v) = %s", tt.ratio, sampler(tt.ratio).Description())
			}
		})
	}
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "webhook.process",
		AttrWebhookID.String("wh-1"),
		AttrRole.String("job_launcher"),
		AttrChainID.Int64(80002),
	)
	if oteltrace.SpanFromContext(ctx) != span {
		t.Error("StartSpan() span not found in returned context")
	}
	AddSpanEvent(ctx, "processing-started", attribute.String("event_type", "task_finished"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "webhook.process" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if len(spans[0].Attributes) != 3 {
		t.Errorf("span attributes = %v, want 3", spans[0].Attributes)
	}
	if len(spans[0].Events) != 1 {
		t.Errorf("span events = %v, want 1", spans[0].Events)
	}
}

func TestSetSpanError(t *testing.T) {
	setupTestTracer(t)

	tests := []struct {
		name    string
		err     error
		hasSpan bool
	}{
		{"error with span in context", context.DeadlineExceeded, true},
		{"error without span in context", context.Canceled, false},
		{"nil error with span", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.hasSpan {
				var span oteltrace.Span
				ctx, span = StartSpan(ctx, "test-span")
				defer span.End()
			}
			// must not panic
			SetSpanError(ctx, tt.err)
		})
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", id)
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex characters", id)
	}
}

func TestPropagateTraceRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dead-letter.publish")
	defer span.End()
	original := GetTraceID(ctx)

	headers := PropagateTrace(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("PropagateTrace() = %v, want traceparent", headers)
	}

	newCtx, child := StartSpan(ExtractTrace(context.Background(), headers), "consumer")
	defer child.End()
	if got := GetTraceID(newCtx); got != original {
		t.Errorf("trace id after round trip = %s, want %s", got, original)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "webhook.send")
	defer span.End()
	original := GetTraceID(ctx)

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Fatalf("InjectHTTP() headers = %v, want traceparent", h)
	}

	newCtx, child := StartSpan(ExtractHTTP(context.Background(), h), "webhook.receive")
	defer child.End()
	if got := GetTraceID(newCtx); got != original {
		t.Errorf("trace id after http round trip = %s, want %s", got, original)
	}
}

func TestExtractTraceInvalidHeaders(t *testing.T) {
	setupTestTracer(t)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"empty headers", map[string]string{}},
		{"invalid trace context", map[string]string{"traceparent": "invalid-trace-context"}},
		{"nil headers", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ExtractTrace(context.Background(), tt.headers)
			if GetTraceID(ctx) != "" {
				t.Errorf("ExtractTrace() produced a trace from %v", tt.headers)
			}
		})
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/harbor_oracle" {
		t.Errorf("TracerName constant = %q", TracerName)
	}
}
