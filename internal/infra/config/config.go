package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App          AppSettings          `mapstructure:"app"`
	Postgres     PostgresSettings     `mapstructure:"postgres"`
	Redis        RedisSettings        `mapstructure:"redis"`
	Kafka        KafkaSettings        `mapstructure:"kafka"`
	JWT          JWTSettings          `mapstructure:"jwt"`
	GRPC         GRPCSettings         `mapstructure:"grpc"`
	Telemetry    TelemetrySettings    `mapstructure:"telemetry"`
	RateLimit    RateLimitSettings    `mapstructure:"rate_limit"`
	Verification VerificationSettings `mapstructure:"verification"`
	Evaluator    EvaluatorSettings    `mapstructure:"evaluator"`
	Storage      StorageSettings      `mapstructure:"storage"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// CORSOrigins lists the desktop and mobile web origins allowed to call the API.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type GRPCSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// DSN renders a pgx connection string, also used by the migration runner.
func (p PostgresSettings) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	q := u.Query()
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// KafkaSettings configures the lifecycle event producer. An empty broker list selects the stub publisher.
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// RateLimitSettings configures the sliding windows guarding session creation and uploads.
type RateLimitSettings struct {
	WindowDuration        time.Duration `mapstructure:"window_duration"`
	CreateMaxAttempts     int           `mapstructure:"create_max_attempts"`
	StepUploadMaxAttempts int           `mapstructure:"step_upload_max_attempts"`
}

type JWTSettings struct {
	KeyDirectory string        `mapstructure:"key_directory"`
	Issuer       string        `mapstructure:"issuer"`
	Audience     string        `mapstructure:"audience"`
	Leeway       time.Duration `mapstructure:"leeway"`
}

type TelemetrySettings struct {
	MetricsPort  int     `mapstructure:"metrics_port"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Enabled      bool    `mapstructure:"enabled"`
}

// VerificationSettings holds the session lifecycle knobs.
type VerificationSettings struct {
	SessionTTLSeconds       int           `mapstructure:"session_ttl_seconds"`
	EvaluatorTimeoutSeconds int           `mapstructure:"evaluator_timeout_seconds"`
	VerifiedThreshold       float64       `mapstructure:"verified_threshold"`
	RejectFloor             float64       `mapstructure:"reject_floor"`
	ProcessingGrace         time.Duration `mapstructure:"processing_grace"`
	Retention               time.Duration `mapstructure:"retention"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize          int           `mapstructure:"sweep_batch_size"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	MobileBaseURL           string        `mapstructure:"mobile_base_url"`
	StoreBackend            string        `mapstructure:"store_backend"`
	MaxArtifactBytes        int64         `mapstructure:"max_artifact_bytes"`
}

// SessionTTL is the fixed lifetime of a session from creation.
func (v VerificationSettings) SessionTTL() time.Duration {
	return time.Duration(v.SessionTTLSeconds) * time.Second
}

// EvaluatorTimeout bounds a single evaluation call.
func (v VerificationSettings) EvaluatorTimeout() time.Duration {
	return time.Duration(v.EvaluatorTimeoutSeconds) * time.Second
}

// ProcessingBudget is how long a session may stay in PROCESSING before it is considered stuck.
func (v VerificationSettings) ProcessingBudget() time.Duration {
	return v.EvaluatorTimeout() + v.ProcessingGrace
}

// EvaluatorSettings selects and configures the scoring backend.
type EvaluatorSettings struct {
	Mode              string        `mapstructure:"mode"`
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	StubFaceMatch     bool          `mapstructure:"stub_face_match"`
	StubLiveness      bool          `mapstructure:"stub_liveness"`
	StubOCRConfidence float64       `mapstructure:"stub_ocr_confidence"`
	StubDelay         time.Duration `mapstructure:"stub_delay"`
}

// StorageSettings configures the MinIO artifact bucket.
type StorageSettings struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Enabled   bool   `mapstructure:"enabled"`
}

// envAliases are the operator-facing names documented for the verification knobs.
var envAliases = map[string][]string{
	"verification.session_ttl_seconds":       {"SESSION_TTL_SECONDS"},
	"verification.evaluator_timeout_seconds": {"EVALUATOR_TIMEOUT_SECONDS"},
	"verification.verified_threshold":        {"VERIFIED_THRESHOLD"},
	"verification.reject_floor":              {"REJECT_FLOOR"},
	"verification.mobile_base_url":           {"MOBILE_BASE_URL"},
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("VERIF")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.cors_origins",
		"grpc.host",
		"grpc.port",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.key_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"jwt.key_directory",
		"jwt.issuer",
		"jwt.audience",
		"jwt.leeway",
		"telemetry.metrics_port",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"telemetry.enabled",
		"rate_limit.window_duration",
		"rate_limit.create_max_attempts",
		"rate_limit.step_upload_max_attempts",
		"verification.session_ttl_seconds",
		"verification.evaluator_timeout_seconds",
		"verification.verified_threshold",
		"verification.reject_floor",
		"verification.processing_grace",
		"verification.retention",
		"verification.sweep_interval",
		"verification.sweep_batch_size",
		"verification.poll_interval",
		"verification.mobile_base_url",
		"verification.store_backend",
		"verification.max_artifact_bytes",
		"evaluator.mode",
		"evaluator.endpoint",
		"evaluator.api_key",
		"evaluator.stub_face_match",
		"evaluator.stub_liveness",
		"evaluator.stub_ocr_confidence",
		"evaluator.stub_delay",
		"storage.endpoint",
		"storage.access_key",
		"storage.secret_key",
		"storage.bucket",
		"storage.region",
		"storage.use_ssl",
		"storage.enabled",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the session lifecycle cannot run with.
func (c *AppConfig) Validate() error {
	ver := c.Verification
	if ver.SessionTTLSeconds <= 0 {
		return fmt.Errorf("verification.session_ttl_seconds must be positive")
	}
	if ver.EvaluatorTimeoutSeconds <= 0 {
		return fmt.Errorf("verification.evaluator_timeout_seconds must be positive")
	}
	if ver.VerifiedThreshold < 0 || ver.VerifiedThreshold > 1 {
		return fmt.Errorf("verification.verified_threshold %v outside [0,1]", ver.VerifiedThreshold)
	}
	if ver.RejectFloor < 0 || ver.RejectFloor > 1 {
		return fmt.Errorf("verification.reject_floor %v outside [0,1]", ver.RejectFloor)
	}
	if ver.VerifiedThreshold < ver.RejectFloor {
		return fmt.Errorf("verification.verified_threshold %v below reject_floor %v", ver.VerifiedThreshold, ver.RejectFloor)
	}
	switch ver.StoreBackend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("verification.store_backend %q must be redis or postgres", ver.StoreBackend)
	}
	if ver.MaxArtifactBytes <= 0 {
		return fmt.Errorf("verification.max_artifact_bytes must be positive")
	}
	if _, err := url.Parse(ver.MobileBaseURL); err != nil || strings.TrimSpace(ver.MobileBaseURL) == "" {
		return fmt.Errorf("verification.mobile_base_url is invalid")
	}
	switch c.Evaluator.Mode {
	case "stub":
	case "http":
		if strings.TrimSpace(c.Evaluator.Endpoint) == "" {
			return fmt.Errorf("evaluator.endpoint is required in http mode")
		}
	default:
		return fmt.Errorf("evaluator.mode %q must be http or stub", c.Evaluator.Mode)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "verification-service")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "verification")
	v.SetDefault("postgres.password", "verification_password")
	v.SetDefault("postgres.database", "verification")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "verif")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "verification")
	v.SetDefault("kafka.async", true)

	v.SetDefault("jwt.key_directory", "./secrets")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("jwt.leeway", "30s")

	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "verification-service")
	v.SetDefault("telemetry.sampling_rate", 1.0)
	v.SetDefault("telemetry.enabled", false)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.create_max_attempts", 5)
	v.SetDefault("rate_limit.step_upload_max_attempts", 30)

	v.SetDefault("verification.session_ttl_seconds", 600)
	v.SetDefault("verification.evaluator_timeout_seconds", 45)
	v.SetDefault("verification.verified_threshold", 0.85)
	v.SetDefault("verification.reject_floor", 0.5)
	v.SetDefault("verification.processing_grace", "15s")
	v.SetDefault("verification.retention", "24h")
	v.SetDefault("verification.sweep_interval", "15s")
	v.SetDefault("verification.sweep_batch_size", 200)
	v.SetDefault("verification.poll_interval", "2s")
	v.SetDefault("verification.mobile_base_url", "http://localhost:3000")
	v.SetDefault("verification.store_backend", "redis")
	v.SetDefault("verification.max_artifact_bytes", 10<<20)

	v.SetDefault("evaluator.mode", "stub")
	v.SetDefault("evaluator.endpoint", "")
	v.SetDefault("evaluator.api_key", "")
	v.SetDefault("evaluator.stub_face_match", true)
	v.SetDefault("evaluator.stub_liveness", true)
	v.SetDefault("evaluator.stub_ocr_confidence", 0.94)
	v.SetDefault("evaluator.stub_delay", "2s")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "verification-artifacts")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.enabled", false)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		names := append([]string{"VERIF_" + envKey, envKey}, envAliases[key]...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
