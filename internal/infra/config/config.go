package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	JWT       JWTSettings       `mapstructure:"jwt"`
	GRPC      GRPCSettings      `mapstructure:"grpc"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	OIDC      OIDCSettings      `mapstructure:"oidc"`
	Authz     AuthzSettings     `mapstructure:"authz"`
	Audit     AuditSettings     `mapstructure:"audit"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// LogLevel overrides the env-derived level (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
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

// RedisSettings configures the Redis connection and key namespaces.
type RedisSettings struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	DB              int    `mapstructure:"db"`
	Password        string `mapstructure:"password"`
	TLSEnabled      bool   `mapstructure:"tls_enabled"`
	StatePrefix     string `mapstructure:"state_prefix"`
	RateLimitPrefix string `mapstructure:"rate_limit_prefix"`
}

// KafkaSettings configures the event producer.
type KafkaSettings struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// RateLimitSettings configures the sliding window limiter per endpoint group.
type RateLimitSettings struct {
	WindowDuration       time.Duration `mapstructure:"window_duration"`
	AuthorizeMaxAttempts int           `mapstructure:"authorize_max_attempts"`
	OIDCMaxAttempts      int           `mapstructure:"oidc_max_attempts"`
	LocalRPS             float64       `mapstructure:"local_rps"`
	LocalBurst           int           `mapstructure:"local_burst"`
}

type JWTSettings struct {
	KeyDirectory   string        `mapstructure:"key_directory"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       []string      `mapstructure:"audience"`
}

type TelemetrySettings struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// OIDCSettings configures federated login.
type OIDCSettings struct {
	RedirectBaseURL string        `mapstructure:"redirect_base_url"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	StateTTL        time.Duration `mapstructure:"state_ttl"`
}

// AuthzSettings configures the decision engine and the expiry sweeper.
type AuthzSettings struct {
	AdminEnforced  bool          `mapstructure:"admin_enforced"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
}

// AuditSettings configures the audit recorder.
type AuditSettings struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Stream       bool          `mapstructure:"stream"`
}

// Load reads configuration from defaults and IAM_-prefixed environment variables.
func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("IAM")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.log_level",
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
		"redis.enabled",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.state_prefix",
		"redis.rate_limit_prefix",
		"kafka.enabled",
		"kafka.brokers",
		"kafka.topic_prefix",
		"jwt.key_directory",
		"jwt.access_token_ttl",
		"jwt.issuer",
		"jwt.audience",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"rate_limit.window_duration",
		"rate_limit.authorize_max_attempts",
		"rate_limit.oidc_max_attempts",
		"rate_limit.local_rps",
		"rate_limit.local_burst",
		"oidc.redirect_base_url",
		"oidc.call_timeout",
		"oidc.state_ttl",
		"authz.admin_enforced",
		"authz.sweep_interval",
		"authz.sweep_batch_size",
		"audit.write_timeout",
		"audit.stream",
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

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	if c.OIDC.CallTimeout <= 0 || c.OIDC.CallTimeout > 10*time.Second {
		return fmt.Errorf("config: oidc.call_timeout must be within (0, 10s], got %s", c.OIDC.CallTimeout)
	}
	if c.OIDC.StateTTL <= 0 {
		return fmt.Errorf("config: oidc.state_ttl must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required when kafka is enabled")
	}
	if c.App.Env == "production" && strings.TrimSpace(c.JWT.KeyDirectory) == "" {
		return fmt.Errorf("config: jwt.key_directory is required in production")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "iam-access-core")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "iam")
	v.SetDefault("postgres.password", "iam_password")
	v.SetDefault("postgres.database", "iam")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.state_prefix", "iam:oidc_state")
	v.SetDefault("redis.rate_limit_prefix", "iam:ratelimit")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "iam")

	v.SetDefault("jwt.key_directory", "")
	v.SetDefault("jwt.access_token_ttl", "15m")
	v.SetDefault("jwt.issuer", "iam-access-core")
	v.SetDefault("jwt.audience", []string{"iam"})

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "iam-access-core")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.authorize_max_attempts", 600)
	v.SetDefault("rate_limit.oidc_max_attempts", 20)
	v.SetDefault("rate_limit.local_rps", 50.0)
	v.SetDefault("rate_limit.local_burst", 100)

	v.SetDefault("oidc.redirect_base_url", "http://localhost:8080/api/v1/oidc")
	v.SetDefault("oidc.call_timeout", "10s")
	v.SetDefault("oidc.state_ttl", "10m")

	v.SetDefault("authz.admin_enforced", true)
	v.SetDefault("authz.sweep_interval", "1m")
	v.SetDefault("authz.sweep_batch_size", 500)

	v.SetDefault("audit.write_timeout", "2s")
	v.SetDefault("audit.stream", false)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "IAM_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
