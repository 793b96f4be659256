// Package config handles configuration loading for the chainsight engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Queue       QueueConfig       `yaml:"queue"`
	Validation  ValidationConfig  `yaml:"validation"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Engine      EngineConfig      `yaml:"engine"`
	Models      ModelsConfig      `yaml:"models"`
	Incidents   IncidentsConfig   `yaml:"incidents"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Storage     StorageConfig     `yaml:"storage"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds event ingestion settings.
type IngestConfig struct {
	MaxBatchSize    int        `yaml:"max_batch_size"`
	MaxPayloadSize  int        `yaml:"max_payload_size"`
	DefaultTenantID string     `yaml:"default_tenant_id"`
	DTLS            DTLSConfig `yaml:"dtls"`
}

// DTLSConfig holds the secure UDP listener settings for agent-shipped events.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// QueueConfig holds correlation buffer settings.
type QueueConfig struct {
	Size           int    `yaml:"size"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// AuthConfig holds ingest authentication settings. APIKeyHashes carries
// argon2id digests in PHC string format, never raw keys.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

// RateLimitConfig holds per-client HTTP rate limit settings. The limit
// applies per source IP per window; TrustProxy switches IP extraction to
// the X-Forwarded-For chain for deployments behind a load balancer.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// EngineConfig holds correlation engine settings.
type EngineConfig struct {
	Lanes         int           `yaml:"lanes"`
	LaneBuffer    int           `yaml:"lane_buffer"`
	TriggerBuffer int           `yaml:"trigger_buffer"`
	EvidenceCap   int           `yaml:"evidence_cap"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxStateAge   time.Duration `yaml:"max_state_age"`
}

// ModelsConfig holds operational model loading settings.
type ModelsConfig struct {
	Dir            string `yaml:"dir"`
	DisableBuiltin bool   `yaml:"disable_builtin"`
}

// IncidentsConfig holds incident factory settings.
type IncidentsConfig struct {
	MaxActive    int           `yaml:"max_active"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// SuppressionConfig selects the suppression claim store. Backend is
// "memory" or "redis"; memory claims do not survive a restart.
type SuppressionConfig struct {
	Backend    string      `yaml:"backend"`
	MaxEntries int         `yaml:"max_entries"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// KafkaConfig holds the operational subset of the Kafka transport
// settings. Tuning knobs not listed here keep their transport defaults.
type KafkaConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	IncidentsTopic    string   `yaml:"incidents_topic"`
	DecisionsTopic    string   `yaml:"decisions_topic"`
	ConsumerGroup     string   `yaml:"consumer_group"`
	Consumers         int      `yaml:"consumers"`
	Partitions        int      `yaml:"partitions"`
	ReplicationFactor int      `yaml:"replication_factor"`
	SecurityProtocol  string   `yaml:"security_protocol"`
	SASLMechanism     string   `yaml:"sasl_mechanism,omitempty"`
	SASLUsername      string   `yaml:"sasl_username,omitempty"`
	SASLPassword      string   `yaml:"sasl_password,omitempty"`
	TLSEnabled        bool     `yaml:"tls_enabled"`
	TLSCertFile       string   `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile        string   `yaml:"tls_key_file,omitempty"`
	TLSCAFile         string   `yaml:"tls_ca_file,omitempty"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
	Retention   RetentionConfig   `yaml:"retention"`
	S3          S3Config          `yaml:"s3"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RetentionConfig holds table TTL settings.
type RetentionConfig struct {
	IncidentsTTL time.Duration `yaml:"incidents_ttl"`
	DecisionsTTL time.Duration `yaml:"decisions_ttl"`
}

// S3Config holds evidence archival settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	StorageClass    string `yaml:"storage_class"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Compression     string `yaml:"compression"`
}

// ConsumerConfig holds the queue drain worker settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:    1000,
			MaxPayloadSize:  10 * 1024 * 1024, // 10MB
			DefaultTenantID: "default",
			DTLS: DTLSConfig{
				Enabled:           false, // Enable when certificates are configured
				Address:           ":5516",
				Workers:           4,
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
				RequireClientCert: false,
			},
		},
		Queue: QueueConfig{
			Size:           100000,
			OverflowPolicy: "reject",
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Auth: AuthConfig{
			Enabled:      false, // Disabled by default for development
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       false,
			RequestsPerIP: 1000,
			BurstSize:     200,
			WindowSize:    time.Minute,
			CleanupPeriod: 5 * time.Minute,
			TrustProxy:    false,
		},
		Engine: EngineConfig{
			Lanes:         8,
			LaneBuffer:    4096,
			TriggerBuffer: 1024,
			EvidenceCap:   50,
			SweepInterval: 0, // derived from model windows
			MaxStateAge:   0,
		},
		Models: ModelsConfig{
			Dir:            "models",
			DisableBuiltin: false,
		},
		Incidents: IncidentsConfig{
			MaxActive:    10000,
			MaxRetries:   3,
			RetryBackoff: 50 * time.Millisecond,
		},
		Suppression: SuppressionConfig{
			Backend:    "memory", // Redis recommended for production
			MaxEntries: 100000,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				DB:           0,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
				MaxRetries:   3,
			},
		},
		Kafka: KafkaConfig{
			Enabled:           false, // Disabled by default for development
			Brokers:           []string{"localhost:9092"},
			Topic:             "chainsight.events",
			IncidentsTopic:    "chainsight.incidents",
			DecisionsTopic:    "chainsight.decisions",
			ConsumerGroup:     "chainsight-engine",
			Consumers:         4,
			Partitions:        12,
			ReplicationFactor: 3,
			SecurityProtocol:  "PLAINTEXT",
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "chainsight",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			Retention: RetentionConfig{
				IncidentsTTL: 90 * 24 * time.Hour,
				DecisionsTTL: 180 * 24 * time.Hour,
			},
			S3: S3Config{
				Enabled:      false,
				Region:       "us-east-1",
				Bucket:       "chainsight-evidence",
				Prefix:       "evidence/",
				StorageClass: "INTELLIGENT_TIERING",
				Compression:  "gzip",
			},
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("CHAINSIGHT_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// Try to load from file
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("CHAINSIGHT_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}

	if level := os.Getenv("CHAINSIGHT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if hash := os.Getenv("CHAINSIGHT_API_KEY_HASH"); hash != "" {
		c.Auth.APIKeyHashes = append(c.Auth.APIKeyHashes, hash)
		c.Auth.Enabled = true
	}

	if dir := os.Getenv("CHAINSIGHT_MODELS_DIR"); dir != "" {
		c.Models.Dir = dir
	}

	// Kafka settings
	switch os.Getenv("CHAINSIGHT_KAFKA_ENABLED") {
	case "true":
		c.Kafka.Enabled = true
	case "false":
		c.Kafka.Enabled = false
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
	}

	// Suppression settings
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Suppression.Redis.Addr = addr
		c.Suppression.Backend = "redis"
	}

	// Storage settings
	if enabled := os.Getenv("CHAINSIGHT_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if bucket := os.Getenv("CHAINSIGHT_EVIDENCE_BUCKET"); bucket != "" {
		c.Storage.S3.Bucket = bucket
	}
}

// splitAndTrim splits a comma-separated list and drops empty entries.
func splitAndTrim(s string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Queue.OverflowPolicy != "" && c.Queue.OverflowPolicy != "reject" {
		return fmt.Errorf("unsupported overflow_policy: %q", c.Queue.OverflowPolicy)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Ingest.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}

	if c.Engine.Lanes <= 0 {
		return fmt.Errorf("engine lanes must be positive")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeyHashes) == 0 {
		return fmt.Errorf("auth enabled but no api_key_hashes configured")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerIP <= 0 {
			return fmt.Errorf("rate limit enabled but requests_per_ip is not positive")
		}
		if c.RateLimit.WindowSize <= 0 {
			return fmt.Errorf("rate limit enabled but window_size is not positive")
		}
	}

	switch c.Suppression.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported suppression backend: %q", c.Suppression.Backend)
	}

	if c.Models.Dir == "" && c.Models.DisableBuiltin {
		return fmt.Errorf("no model source: models dir empty and builtin catalog disabled")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}

	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage enabled but no clickhouse hosts configured")
	}

	return nil
}
