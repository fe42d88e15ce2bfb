package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full service configuration, loaded once from the
// environment (optionally seeded from a .env file in development).
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Kafka         KafkaConfig
	KMS           KMSConfig
	Fingerprint   FingerprintConfig
	Bucketing     BucketingConfig
	Gate          GateConfig
	Risk          RiskConfig
	Trust         TrustConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	EventTopic string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// FingerprintConfig carries the keyed-hash secret used to derive the
// deterministic device fingerprint lookup hash.
type FingerprintConfig struct {
	HashKey        string
	HashKeyVersion int
}

type BucketingConfig struct {
	EventBuckets  int
	DeviceBuckets int
}

// GateConfig tunes the continuous verification gate. FailOpen defaults to
// false: on store failure or timeout the gate rejects rather than admits.
type GateConfig struct {
	ChallengeThreshold int
	Timeout            time.Duration
	FailOpen           bool
	AllowSampleRate    float64
	ChallengeTTL       time.Duration
}

// RiskConfig tunes the scoring engine increments. All values are points on
// the 0-100 risk scale.
type RiskConfig struct {
	FailedLoginIncrement int
	FailedLoginCap       int
	FailedLoginWindow    time.Duration
	GeoAnomalyIncrement  int
	VelocityIncrement    int
	VelocityThreshold    int
	LoginCountryHistory  int
}

// TrustConfig tunes device trust recomputation.
type TrustConfig struct {
	UnverifiedBase    int
	VerifiedBase      int
	HistoryDepth      int
	RiskPenaltyRatio  float64
	SharedUserLimit   int
	SharedUserPenalty int
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment exactly once.
func LoadConfig() *Config {
	once.Do(func() {
		// Best effort; production injects real env vars.
		_ = godotenv.Load()

		global = &Config{
			Environment: GetEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         GetEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8086),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  GetEnv("SERVER_AUTO_CERT_DIR", "/var/cache/autocert"),
				Domain:       GetEnv("SERVER_DOMAIN", ""),
				Email:        GetEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     GetEnv("SERVER_CERT_FILE", ""),
				KeyFile:      GetEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  GetEnv("LOG_LEVEL", "info"),
				Format: GetEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      GetEnv("REDIS_URL", "redis://localhost:6379/0"),
				Password: GetEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
				Keyspace: GetEnv("SCYLLA_KEYSPACE", "zerotrust"),
				Username: GetEnv("SCYLLA_USERNAME", ""),
				Password: GetEnv("SCYLLA_PASSWORD", ""),
			},
			Clickhouse: ClickhouseConfig{
				URL:      GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: GetEnv("CLICKHOUSE_DATABASE", "zerotrust"),
				Username: GetEnv("CLICKHOUSE_USERNAME", "default"),
				Password: GetEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:      GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username: GetEnv("ELASTICSEARCH_USERNAME", ""),
				Password: GetEnv("ELASTICSEARCH_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
				EventTopic: GetEnv("KAFKA_EVENT_TOPIC", "security-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   GetEnv("KMS_KEY_ID", ""),
				Region:  GetEnv("AWS_REGION", "ap-south-1"),
			},
			Fingerprint: FingerprintConfig{
				HashKey:        GetEnv("FINGERPRINT_HASH_KEY", "dev-only-fingerprint-key"),
				HashKeyVersion: getEnvInt("FINGERPRINT_HASH_KEY_VERSION", 1),
			},
			Bucketing: BucketingConfig{
				EventBuckets:  getEnvInt("EVENT_BUCKETS", 64),
				DeviceBuckets: getEnvInt("DEVICE_BUCKETS", 32),
			},
			Gate: GateConfig{
				ChallengeThreshold: getEnvInt("GATE_CHALLENGE_THRESHOLD", 70),
				Timeout:            getEnvDuration("GATE_TIMEOUT", 800*time.Millisecond),
				FailOpen:           getEnvBool("GATE_FAIL_OPEN", false),
				AllowSampleRate:    getEnvFloat("GATE_ALLOW_SAMPLE_RATE", 1.0),
				ChallengeTTL:       getEnvDuration("GATE_CHALLENGE_TTL", 5*time.Minute),
			},
			Risk: RiskConfig{
				FailedLoginIncrement: getEnvInt("RISK_FAILED_LOGIN_INCREMENT", 7),
				FailedLoginCap:       getEnvInt("RISK_FAILED_LOGIN_CAP", 35),
				FailedLoginWindow:    getEnvDuration("RISK_FAILED_LOGIN_WINDOW", 15*time.Minute),
				GeoAnomalyIncrement:  getEnvInt("RISK_GEO_ANOMALY_INCREMENT", 15),
				VelocityIncrement:    getEnvInt("RISK_VELOCITY_INCREMENT", 10),
				VelocityThreshold:    getEnvInt("RISK_VELOCITY_THRESHOLD", 120),
				LoginCountryHistory:  getEnvInt("RISK_LOGIN_COUNTRY_HISTORY", 5),
			},
			Trust: TrustConfig{
				UnverifiedBase:    getEnvInt("TRUST_UNVERIFIED_BASE", 50),
				VerifiedBase:      getEnvInt("TRUST_VERIFIED_BASE", 80),
				HistoryDepth:      getEnvInt("TRUST_HISTORY_DEPTH", 20),
				RiskPenaltyRatio:  getEnvFloat("TRUST_RISK_PENALTY_RATIO", 0.4),
				SharedUserLimit:   getEnvInt("TRUST_SHARED_USER_LIMIT", 2),
				SharedUserPenalty: getEnvInt("TRUST_SHARED_USER_PENALTY", 5),
			},
		}
	})
	return global
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetEnv returns the value of key or defaultValue when unset/empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := GetEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
