package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr  string // e.g. nsqd:4150
	NsqdHTTPAddr string // e.g. nsqd:4151, polled by dlq-monitor
	DLQTopic     string // dead-letter topic for webhooks that exhausted their attempts
	DLQChannel   string
	PublishDLQ   bool
	MonitorPort  string
	PollInterval time.Duration
}

type Webhook struct {
	MaxAttempts      int           // attempts before a row is marked failed
	RetryDelay       time.Duration // fixed delay added to due_at on each failure
	BatchSize        int           // rows processed per tick and direction
	ProcessInterval  time.Duration // tick period of the inbox and outbox processors
	BacklogInterval  time.Duration // backlog gauge refresh period
	SignatureHeader  string        // HTTP header carrying the EIP-191 signature
	VerifySignatures bool          // reject inbound webhooks whose signer is not the trusted peer
	DeliveryTimeout  time.Duration // outbound HTTP timeout
	DeliveryRPS      float64       // outbound rate per recipient
	DeliveryBurst    int
}

// Peers maps role names to the webhook URL and signer address of that peer
type Peers struct {
	URLs      map[string]string
	Addresses map[string]string
}

type Chain struct {
	PrivateKey string           // hex, signs outbound webhooks and escrow transactions
	RPCURLs    map[int64]string // chain id -> JSON-RPC endpoint
}

type Storage struct {
	Provider      string // s3 or gcs
	Endpoint      string // S3-compatible endpoint, empty for AWS
	Region        string
	AccessKey     string
	SecretKey     string
	DataBucket    string // bucket the exchange oracle writes annotations to
	ResultsBucket string // bucket validated results are published to
	PublicURL     string // base URL results are served from
}

type Redis struct {
	Addr        string
	Password    string
	DB          int
	ManifestTTL time.Duration
}

type Validation struct {
	MinSimilarity float64 // IoU below which a box pair is not assigned
}

type AnnotationTool struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type Auth struct {
	PublicKeyPEM string // RSA public key verifying admin tokens; empty disables the admin API
	Issuer       string
	Audience     string
}

type FakeOracle struct {
	FailFirstN      int    // Number of requests to fail initially
	TrustedAddress  string // expected signer, empty accepts any valid signature
	ResponseDelayMS int
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName          string
	Role             string // exchange_oracle or recording_oracle
	HTTPPort         string // :8080
	GRPCPort         string // :50051
	LogLevel         string
	TraceSampleRatio float64
	DB               DB
	NSQ              NSQ
	Webhook          Webhook
	Peers            Peers
	Chain            Chain
	Storage          Storage
	Redis            Redis
	Validation       Validation
	AnnotationTool   AnnotationTool
	Auth             Auth
	FakeOracle       FakeOracle
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvMap reads "k1=v1,k2=v2"; malformed pairs are skipped
func getenvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func parseRPCURLs(raw map[string]string) map[int64]string {
	out := make(map[int64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:          getenv("APP_NAME", "oracle"),
		Role:             getenv("ORACLE_ROLE", "recording_oracle"),
		HTTPPort:         getenv("HTTP_PORT", ":8080"),
		GRPCPort:         getenv("GRPC_PORT", ":50051"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		TraceSampleRatio: getenvFloat("TRACE_SAMPLE_RATIO", 1),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "oracle"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:  getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			DLQTopic:     getenv("NSQ_DLQ_TOPIC", "webhooks_dlq"),
			DLQChannel:   getenv("NSQ_DLQ_CHANNEL", "monitor"),
			PublishDLQ:   getenvBool("PUBLISH_DLQ_TOPIC", false),
			MonitorPort:  getenv("DLQ_MONITOR_PORT", ":8084"),
			PollInterval: getenvDuration("DLQ_POLL_INTERVAL", 15*time.Second),
		},
		Webhook: Webhook{
			MaxAttempts:      getenvInt("WEBHOOK_MAX_ATTEMPTS", 5),
			RetryDelay:       getenvDuration("WEBHOOK_RETRY_DELAY", 5*time.Minute),
			BatchSize:        getenvInt("WEBHOOK_BATCH_SIZE", 10),
			ProcessInterval:  getenvDuration("WEBHOOK_PROCESS_INTERVAL", 5*time.Second),
			BacklogInterval:  getenvDuration("WEBHOOK_BACKLOG_INTERVAL", 30*time.Second),
			SignatureHeader:  getenv("WEBHOOK_SIGNATURE_HEADER", "Human-Signature"),
			VerifySignatures: getenvBool("WEBHOOK_VERIFY_SIGNATURES", true),
			DeliveryTimeout:  getenvDuration("WEBHOOK_DELIVERY_TIMEOUT", 10*time.Second),
			DeliveryRPS:      getenvFloat("WEBHOOK_DELIVERY_RPS", 10),
			DeliveryBurst:    getenvInt("WEBHOOK_DELIVERY_BURST", 5),
		},
		Peers: Peers{
			URLs:      getenvMap("PEER_WEBHOOK_URLS"),
			Addresses: getenvMap("PEER_ADDRESSES"),
		},
		Chain: Chain{
			PrivateKey: getenv("WEB3_PRIVATE_KEY", ""),
			RPCURLs:    parseRPCURLs(getenvMap("CHAIN_RPC_URLS")),
		},
		Storage: Storage{
			Provider:      getenv("STORAGE_PROVIDER", "s3"),
			Endpoint:      getenv("STORAGE_ENDPOINT", ""),
			Region:        getenv("STORAGE_REGION", "us-east-1"),
			AccessKey:     getenv("STORAGE_ACCESS_KEY", ""),
			SecretKey:     getenv("STORAGE_SECRET_KEY", ""),
			DataBucket:    getenv("STORAGE_DATA_BUCKET", "exchange-oracle"),
			ResultsBucket: getenv("STORAGE_RESULTS_BUCKET", "recording-oracle"),
			PublicURL:     getenv("STORAGE_PUBLIC_URL", ""),
		},
		Redis: Redis{
			Addr:        getenv("REDIS_ADDR", ""),
			Password:    getenv("REDIS_PASSWORD", ""),
			DB:          getenvInt("REDIS_DB", 0),
			ManifestTTL: getenvDuration("MANIFEST_CACHE_TTL", 10*time.Minute),
		},
		Validation: Validation{
			MinSimilarity: getenvFloat("VALIDATION_MIN_SIMILARITY", 0.5),
		},
		AnnotationTool: AnnotationTool{
			URL:     getenv("ANNOTATION_TOOL_URL", "http://annotation-tool:8080"),
			Token:   getenv("ANNOTATION_TOOL_TOKEN", ""),
			Timeout: getenvDuration("ANNOTATION_TOOL_TIMEOUT", 30*time.Second),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "oracle-admin"),
			Audience:     getenv("JWT_AUDIENCE", "oracle"),
		},
		FakeOracle: FakeOracle{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			TrustedAddress:  getenv("FAKE_ORACLE_TRUSTED_ADDRESS", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_ORACLE_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_ORACLE_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_ORACLE_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_ORACLE_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate checks the settings a running oracle cannot start without
func (c Config) Validate() error {
	if c.Role != "exchange_oracle" && c.Role != "recording_oracle" {
		return fmt.Errorf("ORACLE_ROLE must be exchange_oracle or recording_oracle, got %q", c.Role)
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.Webhook.BatchSize < 1 {
		return fmt.Errorf("WEBHOOK_BATCH_SIZE must be at least 1")
	}
	if c.Validation.MinSimilarity < 0 || c.Validation.MinSimilarity > 1 {
		return fmt.Errorf("VALIDATION_MIN_SIMILARITY must be within [0, 1]")
	}
	if c.Storage.Provider != "s3" && c.Storage.Provider != "gcs" {
		return fmt.Errorf("STORAGE_PROVIDER must be s3 or gcs, got %q", c.Storage.Provider)
	}
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("WEB3_PRIVATE_KEY is required")
	}
	return nil
}
