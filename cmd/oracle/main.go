package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_oracle/internal/annotool"
	"github.com/austindbirch/harbor_oracle/internal/auth"
	"github.com/austindbirch/harbor_oracle/internal/config"
	"github.com/austindbirch/harbor_oracle/internal/db"
	"github.com/austindbirch/harbor_oracle/internal/dispatch"
	"github.com/austindbirch/harbor_oracle/internal/escrow"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/exchange"
	"github.com/austindbirch/harbor_oracle/internal/health"
	"github.com/austindbirch/harbor_oracle/internal/ingest"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/metrics"
	"github.com/austindbirch/harbor_oracle/internal/recording"
	"github.com/austindbirch/harbor_oracle/internal/signing"
	"github.com/austindbirch/harbor_oracle/internal/storage"
	"github.com/austindbirch/harbor_oracle/internal/store/postgres"
	"github.com/austindbirch/harbor_oracle/internal/tracing"
	"github.com/austindbirch/harbor_oracle/internal/validation"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

const healthInterval = 10 * time.Second

// topology is the static part of an oracle role: who may send to it and who
// it sends to
type topology struct {
	senders    []events.Role
	recipients []events.Role
}

func topologyFor(role events.Role) (topology, error) {
	switch role {
	case events.RecordingOracle:
		return topology{
			senders:    []events.Role{events.ExchangeOracle},
			recipients: []events.Role{events.ExchangeOracle, events.ReputationOracle},
		}, nil
	case events.ExchangeOracle:
		return topology{
			senders:    []events.Role{events.JobLauncher, events.RecordingOracle},
			recipients: []events.Role{events.RecordingOracle},
		}, nil
	default:
		return topology{}, fmt.Errorf("%s cannot run as an oracle process", role)
	}
}

// peers resolves the configured peer URLs and signer addresses by role
type peers struct {
	urls      map[events.Role]string
	addresses map[events.Role]common.Address
}

func parsePeers(p config.Peers, t topology) (peers, error) {
	out := peers{urls: make(map[events.Role]string), addresses: make(map[events.Role]common.Address)}
	for name, url := range p.URLs {
		role, err := events.ParseRole(name)
		if err != nil {
			return peers{}, fmt.Errorf("PEER_WEBHOOK_URLS: %w", err)
		}
		out.urls[role] = url
	}
	for name, addr := range p.Addresses {
		role, err := events.ParseRole(name)
		if err != nil {
			return peers{}, fmt.Errorf("PEER_ADDRESSES: %w", err)
		}
		if !common.IsHexAddress(addr) {
			return peers{}, fmt.Errorf("PEER_ADDRESSES: invalid address %q for %s", addr, role)
		}
		out.addresses[role] = common.HexToAddress(addr)
	}

	for _, r := range t.recipients {
		if out.urls[r] == "" {
			return peers{}, fmt.Errorf("PEER_WEBHOOK_URLS has no entry for %s", r)
		}
	}
	return out, nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(cfg.AppName)
	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	role, err := events.ParseRole(cfg.Role)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid role")
	}
	topo, err := topologyFor(role)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid role")
	}
	peerCfg, err := parsePeers(cfg.Peers, topo)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid peer configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, cfg.TraceSampleRatio)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}
	st := postgres.New(pool)

	registry, err := events.NewRegistry()
	if err != nil {
		logger.Plain().WithError(err).Fatal("event registry")
	}
	inbox := webhook.NewInbox(registry)
	outbox := webhook.NewOutbox(role, registry)

	signer, err := signing.NewSigner(cfg.Chain.PrivateKey)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid WEB3_PRIVATE_KEY")
	}

	esc, closeEscrow := newEscrow(cfg, signer)
	defer closeEscrow()

	var (
		handler  dispatch.Handler
		finisher ingest.TaskFinisher
	)
	switch role {
	case events.RecordingOracle:
		objects, err := storage.New(ctx, cfg.Storage.Provider, storage.S3Config{
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			logger.Plain().WithError(err).Fatal("object storage")
		}
		validator := validation.NewValidator(cfg.Validation.MinSimilarity)
		handler = recording.New(recording.Config{
			DataBucket:    cfg.Storage.DataBucket,
			ResultsBucket: cfg.Storage.ResultsBucket,
			ResultsURL:    cfg.Storage.PublicURL,
		}, esc, objects, validator, outbox)
	case events.ExchangeOracle:
		tool := annotool.New(cfg.AnnotationTool.URL, cfg.AnnotationTool.Token, cfg.AnnotationTool.Timeout)
		svc := exchange.New(esc, tool, outbox)
		handler, finisher = svc, svc
	}

	policy := webhook.RetryPolicy{Delay: cfg.Webhook.RetryDelay, MaxAttempts: cfg.Webhook.MaxAttempts}
	var deadLetters webhook.DeadLetterPublisher
	if cfg.NSQ.PublishDLQ {
		nsqDLQ, err := webhook.NewNSQDeadLetters(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq dead-letter producer")
		}
		defer nsqDLQ.Stop()
		deadLetters = nsqDLQ
	}
	newProcessor := func(q *webhook.Queue, h dispatch.Handler) *dispatch.Processor {
		p := dispatch.NewProcessor(st, q, registry, h)
		p.Policy = policy
		p.BatchSize = cfg.Webhook.BatchSize
		p.DeadLetters = deadLetters
		return p
	}

	sender := dispatch.NewSender(signer, dispatch.SenderConfig{
		URLs:            peerCfg.urls,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		Timeout:         cfg.Webhook.DeliveryTimeout,
		RPS:             cfg.Webhook.DeliveryRPS,
		Burst:           cfg.Webhook.DeliveryBurst,
	})

	sched := dispatch.NewScheduler()
	inboxProcessor := newProcessor(inbox, handler)
	for _, r := range topo.senders {
		sched.Process(inboxProcessor, r, cfg.Webhook.ProcessInterval)
	}
	outboxProcessor := newProcessor(outbox, sender)
	for _, r := range topo.recipients {
		sched.Process(outboxProcessor, r, cfg.Webhook.ProcessInterval)
	}
	sched.Every("backlog", cfg.Webhook.BacklogInterval, dispatch.Backlog(st))

	var admin *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		admin, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("invalid JWT_PUBLIC_KEY")
		}
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, admin API disabled")
	}

	srv := ingest.NewServer(ingest.Config{
		Accepted:         topo.senders,
		Trusted:          peerCfg.addresses,
		SignatureHeader:  cfg.Webhook.SignatureHeader,
		VerifySignatures: cfg.Webhook.VerifySignatures,
	}, st, inbox, outbox)
	srv.Admin = admin
	srv.Finisher = finisher

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("/healthz", health.HTTPHandler(string(role), pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	grpcSrv, hs := newGRPCServer(admin)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}

	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve failed")
		}
	}()
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).WithRole(role).Info("oracle HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()
	go health.Watch(ctx, pool, hs, "", healthInterval)
	sched.Start(ctx)

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	sched.Wait()
	logger.Plain().Info("oracle stopped")
}

// newEscrow builds the chain client with a manifest cache in front of it:
// Redis when configured, process memory otherwise
func newEscrow(cfg config.Config, signer *signing.Signer) (escrow.Client, func()) {
	chain := escrow.NewChainClient(cfg.Chain.RPCURLs, signer.PrivateKey(), escrow.NewManifestFetcher(30*time.Second))
	if cfg.Redis.Addr == "" {
		return escrow.NewCachedClient(chain, escrow.NewMemoryCache(), cfg.Redis.ManifestTTL), chain.Close
	}
	cache := escrow.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	return escrow.NewCachedClient(chain, cache, cfg.Redis.ManifestTTL), func() {
		_ = cache.Close()
		chain.Close()
	}
}

func newGRPCServer(admin *auth.JWTValidator) (*grpc.Server, *grpc_health.Server) {
	opts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if admin != nil {
		opts = append(opts, grpc.UnaryInterceptor(admin.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(opts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	return grpcSrv, hs
}

var _ health.Pinger = (*pgxpool.Pool)(nil)
