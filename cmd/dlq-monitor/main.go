package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_oracle/internal/config"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/tracing"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor watches the dead-letter topic: it polls nsqd for backlog and
// consumes dead letters to log and count them
type monitor struct {
	topic string
	http  *resty.Client

	topicDepth      prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	received        *prometheus.CounterVec
	malformed       prometheus.Counter
}

func newMonitor(topic string, reg prometheus.Registerer) *monitor {
	m := &monitor{
		topic: topic,
		http:  resty.New().SetTimeout(5 * time.Second),
		topicDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_dlq_topic_depth",
			Help: "Messages waiting in the dead-letter topic",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_dlq_channel_depth",
			Help: "Depth of dead-letter channels",
		}, []string{"channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_dlq_channel_inflight",
			Help: "In-flight dead letters by channel",
		}, []string{"channel"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_dlq_received_total",
			Help: "Dead letters consumed, by recipient role and reason",
		}, []string{"role", "reason"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_dlq_malformed_total",
			Help: "Messages on the dead-letter topic that could not be decoded",
		}),
	}
	reg.MustRegister(m.topicDepth, m.channelDepth, m.channelInflight, m.received, m.malformed)
	return m
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("dlq-monitor")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ.DLQTopic, reg)

	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, nsq.NewConfig())
	if err != nil {
		logging.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(nsq.HandlerFunc(m.handleMessage))
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logging.Plain().WithError(err).Fatal("nsq connect failed")
	}

	go m.collect(ctx, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.PollInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.NSQ.MonitorPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logging.Plain().WithFields(map[string]any{"addr": srv.Addr, "topic": cfg.NSQ.DLQTopic}).Info("dlq-monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Plain().WithError(err).Fatal("dlq-monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	_ = srv.Shutdown(context.Background())
}

// handleMessage logs one dead letter. Undecodable messages are counted and
// finished, since requeueing them cannot help.
func (m *monitor) handleMessage(msg *nsq.Message) error {
	var dl webhook.DeadLetter
	if err := json.Unmarshal(msg.Body, &dl); err != nil || dl.Type != webhook.DeadLetterType {
		m.malformed.Inc()
		logging.Plain().WithField("body", string(msg.Body)).Warn("malformed dead letter")
		return nil
	}

	ctx := tracing.ExtractTrace(context.Background(), dl.TraceHeaders)
	m.received.WithLabelValues(string(dl.Webhook.Role), dl.Reason).Inc()
	logging.WithContext(ctx).
		WithWebhook(dl.Webhook.ID).
		WithRole(dl.Webhook.Role).
		WithEventType(dl.Webhook.EventType).
		WithTask(dl.Webhook.TaskKey).
		WithFields(map[string]any{
			"direction":  dl.Webhook.Direction,
			"reason":     dl.Reason,
			"attempts":   dl.Attempts,
			"last_error": dl.LastError,
			"failed_at":  dl.At,
		}).Error("webhook dead-lettered")
	return nil
}

func (m *monitor) collect(ctx context.Context, nsqdHTTP string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateMetrics(ctx, nsqdHTTP); err != nil {
				logging.Plain().WithError(err).Warn("error updating dlq metrics")
			}
		}
	}
}

func (m *monitor) updateMetrics(ctx context.Context, nsqdHTTP string) error {
	var stats NSQStats
	resp, err := m.http.R().
		SetContext(ctx).
		SetQueryParam("format", "json").
		SetResult(&stats).
		ForceContentType("application/json").
		Get(fmt.Sprintf("http://%s/stats", nsqdHTTP))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("NSQ stats returned %s", resp.Status())
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		m.topicDepth.Set(float64(topic.Depth))
		for _, channel := range topic.Channels {
			m.channelDepth.WithLabelValues(channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}
