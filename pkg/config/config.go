package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
	"github.com/Mindburn-Labs/helm-gateway/pkg/resilience"
)

// Backend selects where a chain is persisted.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

var ErrInvalidConfig = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeInvalidConfig, "invalid configuration")

// Config holds gateway configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	AuditBackend    Backend
	AuditPath       string
	ManifestBackend Backend
	ManifestDir     string
	SQLitePath      string
	DatabaseURL     string

	TokenTTL    time.Duration
	TokenSecret string
	RedisAddr   string

	PolicyFile string

	Retry    resilience.RetryPolicy
	Restarts resilience.Limits

	PacingRPS   float64
	PacingBurst int

	// VerifyEvery re-verifies the audit chain after this many appends (0 disables).
	VerifyEvery int
	// ManifestEvery snapshots a manifest after this many actions (0 disables).
	ManifestEvery int

	Artifacts artifacts.Config

	NATSURL           string
	NATSSubjectPrefix string

	OTelEnabled  bool
	OTelEndpoint string

	parseErrs []error
}

// Load loads configuration from environment variables. Malformed values are
// reported by Validate rather than silently replaced with defaults.
func Load() *Config {
	l := &loader{}
	retry := resilience.DefaultRetryPolicy()
	restarts := resilience.DefaultLimits()

	cfg := &Config{
		LogLevel:  l.str("GATEWAY_LOG_LEVEL", "INFO"),
		LogFormat: l.str("GATEWAY_LOG_FORMAT", "json"),

		AuditBackend:    Backend(l.str("GATEWAY_AUDIT_BACKEND", string(BackendFile))),
		AuditPath:       l.str("GATEWAY_AUDIT_PATH", "data/audit.jsonl"),
		ManifestBackend: Backend(l.str("GATEWAY_MANIFEST_BACKEND", string(BackendFile))),
		ManifestDir:     l.str("GATEWAY_MANIFEST_DIR", "data/manifests"),
		SQLitePath:      l.str("GATEWAY_SQLITE_PATH", "data/gateway.db"),
		DatabaseURL:     os.Getenv("GATEWAY_DATABASE_URL"),

		TokenTTL:    l.duration("GATEWAY_TOKEN_TTL", 15*time.Minute),
		TokenSecret: os.Getenv("GATEWAY_TOKEN_SECRET"),
		RedisAddr:   os.Getenv("GATEWAY_REDIS_ADDR"),

		PolicyFile: l.str("GATEWAY_POLICY_FILE", "policy.yaml"),

		Retry: resilience.RetryPolicy{
			MaxRetries:      l.integer("GATEWAY_MAX_RETRIES", retry.MaxRetries),
			BaseDelay:       l.duration("GATEWAY_RETRY_BASE_DELAY", retry.BaseDelay),
			MaxDelay:        l.duration("GATEWAY_RETRY_MAX_DELAY", retry.MaxDelay),
			ExponentialBase: l.float("GATEWAY_RETRY_EXPONENTIAL_BASE", retry.ExponentialBase),
		},
		Restarts: resilience.Limits{
			MaxRestartsTotal:       l.integer("GATEWAY_MAX_RESTARTS_TOTAL", restarts.MaxRestartsTotal),
			MaxRestartsPerDecision: l.integer("GATEWAY_MAX_RESTARTS_PER_DECISION", restarts.MaxRestartsPerDecision),
			RestartDelay:           l.duration("GATEWAY_RESTART_DELAY", restarts.RestartDelay),
		},

		PacingRPS:   l.float("GATEWAY_PACING_RPS", 2),
		PacingBurst: l.integer("GATEWAY_PACING_BURST", 1),

		VerifyEvery:   l.integer("GATEWAY_VERIFY_EVERY", 50),
		ManifestEvery: l.integer("GATEWAY_MANIFEST_EVERY", 0),

		Artifacts: artifacts.Config{
			Type:       artifacts.StoreType(l.str("ARTIFACT_STORAGE_TYPE", string(artifacts.StoreTypeFS))),
			Dir:        l.str("ARTIFACT_DIR", "data/artifacts"),
			S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
			S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
		},

		NATSURL:           os.Getenv("GATEWAY_NATS_URL"),
		NATSSubjectPrefix: l.str("GATEWAY_NATS_PREFIX", "gateway.escalation"),

		OTelEnabled:  l.boolean("GATEWAY_OTEL_ENABLED", false),
		OTelEndpoint: l.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
	cfg.parseErrs = l.errs
	return cfg
}

// Validate rejects malformed or nonsensical values.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)
	invalid := func(format string, args ...any) {
		errs = append(errs, ErrInvalidConfig.WithMessage(format, args...))
	}

	for name, b := range map[string]Backend{"audit": c.AuditBackend, "manifest": c.ManifestBackend} {
		switch b {
		case BackendFile, BackendSQLite:
		case BackendPostgres:
			if c.DatabaseURL == "" {
				invalid("%s backend postgres requires GATEWAY_DATABASE_URL", name)
			}
		default:
			invalid("unknown %s backend %q", name, b)
		}
	}
	if c.AuditBackend == BackendFile && c.AuditPath == "" {
		invalid("audit path is required")
	}
	if c.ManifestBackend == BackendFile && c.ManifestDir == "" {
		invalid("manifest dir is required")
	}
	if c.TokenTTL <= 0 {
		invalid("token ttl must be positive, got %s", c.TokenTTL)
	}
	if c.Retry.MaxRetries < 0 {
		invalid("max retries must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		invalid("retry delays must satisfy 0 <= base (%s) <= max (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Retry.ExponentialBase < 1 {
		invalid("retry exponential base must be >= 1")
	}
	if c.Restarts.MaxRestartsTotal < 0 || c.Restarts.MaxRestartsPerDecision < 0 || c.Restarts.RestartDelay < 0 {
		invalid("restart limits must not be negative")
	}
	if c.PacingRPS < 0 || c.PacingBurst < 1 {
		invalid("pacing needs rps >= 0 and burst >= 1")
	}
	if c.VerifyEvery < 0 || c.ManifestEvery < 0 {
		invalid("verify and manifest intervals must not be negative")
	}
	switch c.Artifacts.Type {
	case artifacts.StoreTypeFS, artifacts.StoreTypeMemory:
	case artifacts.StoreTypeS3:
		if c.Artifacts.S3Bucket == "" {
			invalid("ARTIFACT_S3_BUCKET is required for s3 storage")
		}
	case artifacts.StoreTypeGCS:
		if c.Artifacts.GCSBucket == "" {
			invalid("ARTIFACT_GCS_BUCKET is required for gcs storage")
		}
	default:
		invalid("unknown artifact storage type %q", c.Artifacts.Type)
	}
	return errors.Join(errs...)
}

type loader struct {
	errs []error
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return f
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return d
}

func (l *loader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return b
}

func (l *loader) fail(key, value string, err error) {
	l.errs = append(l.errs, gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeInvalidConfig, err, fmt.Sprintf("%s=%q", key, value)))
}
