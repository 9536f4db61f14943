package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

func TestUpdateMetrics(t *testing.T) {
	testCases := []struct {
		name         string
		payload      string
		status       int
		wantErr      bool
		wantTopic    float64
		wantDepth    map[string]float64
		wantInflight map[string]float64
	}{
		{
			name: "dead-letter topic updates metrics",
			payload: `{
				"topics": [
					{
						"topic_name": "webhooks_dlq",
						"channels": [
							{"channel_name": "monitor", "depth": 7, "in_flight_count": 2},
							{"channel_name": "archive", "depth": 3, "in_flight_count": 0}
						],
						"depth": 10
					}
				]
			}`,
			wantTopic:    10,
			wantDepth:    map[string]float64{"monitor": 7, "archive": 3},
			wantInflight: map[string]float64{"monitor": 2, "archive": 0},
		},
		{
			name: "other topics are ignored",
			payload: `{
				"topics": [
					{
						"topic_name": "deliveries",
						"channels": [{"channel_name": "workers", "depth": 99, "in_flight_count": 9}],
						"depth": 99
					}
				]
			}`,
			wantTopic: 0,
		},
		{
			name:    "invalid payload returns error",
			payload: `invalid-json`,
			wantErr: true,
		},
		{
			name:    "server error returns error",
			payload: `{}`,
			status:  http.StatusInternalServerError,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
					t.Errorf("unexpected request %s", r.URL.String())
				}
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer srv.Close()

			m := newMonitor("webhooks_dlq", prometheus.NewRegistry())
			err := m.updateMetrics(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("updateMetrics() error = %v", err)
			}

			if got := testutil.ToFloat64(m.topicDepth); got != tc.wantTopic {
				t.Errorf("topic depth = %v, want %v", got, tc.wantTopic)
			}
			for ch, want := range tc.wantDepth {
				if got := testutil.ToFloat64(m.channelDepth.WithLabelValues(ch)); got != want {
					t.Errorf("depth[%s] = %v, want %v", ch, got, want)
				}
			}
			for ch, want := range tc.wantInflight {
				if got := testutil.ToFloat64(m.channelInflight.WithLabelValues(ch)); got != want {
					t.Errorf("inflight[%s] = %v, want %v", ch, got, want)
				}
			}
		})
	}
}

func nsqMessage(body []byte) *nsq.Message {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	return nsq.NewMessage(id, body)
}

func TestHandleMessage(t *testing.T) {
	m := newMonitor("webhooks_dlq", prometheus.NewRegistry())

	dl := webhook.NewDeadLetter(webhook.Webhook{
		ID:        "wh-1",
		Direction: webhook.Outgoing,
		Role:      events.ReputationOracle,
		TaskKey:   events.TaskKey{ChainID: 80002, EscrowAddress: "0x1234567890123456789012345678901234567890"},
		EventType: events.TypeTaskCompleted,
		Status:    webhook.StatusFailed,
		Attempts:  5,
	}, "unexpected status 503", "max_attempts")
	dl.TraceHeaders = map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	body, err := json.Marshal(dl)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.handleMessage(nsqMessage(body)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}
	if got := testutil.ToFloat64(m.received.WithLabelValues(string(events.ReputationOracle), "max_attempts")); got != 1 {
		t.Errorf("received = %v, want 1", got)
	}

	for _, bad := range []string{`not json`, `{"type":"something.else"}`} {
		if err := m.handleMessage(nsqMessage([]byte(bad))); err != nil {
			t.Errorf("handleMessage(%q) error = %v, want nil so the message is finished", bad, err)
		}
	}
	if got := testutil.ToFloat64(m.malformed); got != 2 {
		t.Errorf("malformed = %v, want 2", got)
	}
}
