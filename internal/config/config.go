package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"security-core/internal/util"
)

// Config holds all runtime configuration for the security core and its
// optional external integrations
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Security    SecurityConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Elastic     ElasticsearchConfig
	KMS         KMSConfig
	Sharding    ShardingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// SecurityConfig carries every tunable of the security core. Values are
// deliberately not hard-coded at call sites so deployments can adjust them.
type SecurityConfig struct {
	TokenTTL            time.Duration // validity window for issued tokens
	SessionTimeout      time.Duration // idle timeout / sliding expiry window
	MaxSessionsPerUser  int           // concurrent session cap
	UserKeyTTL          time.Duration // per-user signing key lifetime
	GlobalKeyRotation   time.Duration // service-wide secondary key rotation period
	RevocationRetention time.Duration // how long revoked tokens stay blacklisted
	SessionSweep        time.Duration // expired-session sweep interval
	PBKDF2Iterations    int
	DerivedKeyLength    int // bytes
	SaltLength          int // bytes
	IVLength            int // bytes
	AuditLogCapacity    int // ring buffer size for the audit log
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AlertTopic string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
	Table    string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type ShardingConfig struct {
	SessionShards int
}

var (
	instance *Config
	loadOnce sync.Once
)

// LoadConfig loads configuration from the environment (and .env in
// development) exactly once
func LoadConfig() *Config {
	loadOnce.Do(func() {
		// Best-effort: absence of .env is normal outside development
		_ = godotenv.Load()

		instance = &Config{
			Environment: util.GetEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         util.GetEnv("SERVER_HOST", "0.0.0.0"),
				Port:         util.GetEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  util.GetEnv("LOG_LEVEL", "info"),
				Format: util.GetEnv("LOG_FORMAT", "json"),
			},
			Security: SecurityConfig{
				TokenTTL:            util.GetEnvDuration("TOKEN_TTL", 12*time.Hour),
				SessionTimeout:      util.GetEnvDuration("SESSION_TIMEOUT", 30*time.Minute),
				MaxSessionsPerUser:  util.GetEnvInt("MAX_SESSIONS_PER_USER", 5),
				UserKeyTTL:          util.GetEnvDuration("USER_KEY_TTL", 24*time.Hour),
				GlobalKeyRotation:   util.GetEnvDuration("GLOBAL_KEY_ROTATION", 12*time.Hour),
				RevocationRetention: util.GetEnvDuration("REVOCATION_RETENTION", time.Hour),
				SessionSweep:        util.GetEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
				PBKDF2Iterations:    util.GetEnvInt("PBKDF2_ITERATIONS", 10000),
				DerivedKeyLength:    util.GetEnvInt("DERIVED_KEY_LENGTH", 32),
				SaltLength:          util.GetEnvInt("SALT_LENGTH", 16),
				IVLength:            util.GetEnvInt("IV_LENGTH", 16),
				AuditLogCapacity:    util.GetEnvInt("AUDIT_LOG_CAPACITY", 10000),
			},
			Kafka: KafkaConfig{
				Enabled:    util.GetEnvBool("KAFKA_ENABLED", false),
				Brokers:    splitList(util.GetEnv("KAFKA_BROKERS", "localhost:9092")),
				AlertTopic: util.GetEnv("KAFKA_ALERT_TOPIC", "security-admin-alerts"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", false),
				URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database: util.GetEnv("CLICKHOUSE_DATABASE", "security"),
				Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
				Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
				Table:    util.GetEnv("CLICKHOUSE_AUDIT_TABLE", "security_audit_log"),
			},
			Elastic: ElasticsearchConfig{
				Enabled:  util.GetEnvBool("ELASTICSEARCH_ENABLED", false),
				URL:      util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username: util.GetEnv("ELASTICSEARCH_USERNAME", ""),
				Password: util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
				Index:    util.GetEnv("ELASTICSEARCH_ALERT_INDEX", "security-events"),
			},
			KMS: KMSConfig{
				Enabled: util.GetEnvBool("KMS_ENABLED", false),
				KeyID:   util.GetEnv("KMS_KEY_ID", ""),
				Region:  util.GetEnv("AWS_REGION", "us-east-1"),
			},
			Sharding: ShardingConfig{
				SessionShards: util.GetEnvInt("SESSION_SHARDS", 16),
			},
		}
	})

	return instance
}

// Get returns the loaded configuration, loading it on first use
func Get() *Config {
	if instance == nil {
		return LoadConfig()
	}
	return instance
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

// GetServerAddress returns the host:port the HTTP server binds to
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations the security core cannot run with
func (c *Config) Validate() error {
	s := c.Security
	if s.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("MAX_SESSIONS_PER_USER must be positive, got %d", s.MaxSessionsPerUser)
	}
	if s.SessionTimeout <= 0 || s.TokenTTL <= 0 || s.UserKeyTTL <= 0 {
		return fmt.Errorf("session timeout, token TTL and user key TTL must be positive")
	}
	if s.PBKDF2Iterations < 1000 {
		return fmt.Errorf("PBKDF2_ITERATIONS too low: %d", s.PBKDF2Iterations)
	}
	if s.DerivedKeyLength != 16 && s.DerivedKeyLength != 24 && s.DerivedKeyLength != 32 {
		return fmt.Errorf("DERIVED_KEY_LENGTH must be a valid AES key size, got %d", s.DerivedKeyLength)
	}
	if s.SaltLength < 8 || s.IVLength != 16 {
		return fmt.Errorf("invalid salt/IV sizes: salt=%d iv=%d", s.SaltLength, s.IVLength)
	}
	if c.Sharding.SessionShards <= 0 {
		return fmt.Errorf("SESSION_SHARDS must be positive, got %d", c.Sharding.SessionShards)
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	return nil
}

// DefaultSecurityConfig returns the stock tunables; tests construct isolated
// components from this instead of touching process environment
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		TokenTTL:            12 * time.Hour,
		SessionTimeout:      30 * time.Minute,
		MaxSessionsPerUser:  5,
		UserKeyTTL:          24 * time.Hour,
		GlobalKeyRotation:   12 * time.Hour,
		RevocationRetention: time.Hour,
		SessionSweep:        5 * time.Minute,
		PBKDF2Iterations:    10000,
		DerivedKeyLength:    32,
		SaltLength:          16,
		IVLength:            16,
		AuditLogCapacity:    10000,
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
