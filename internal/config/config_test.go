package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Test server defaults
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected ReadTimeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected WriteTimeout 30s, got %v", cfg.Server.WriteTimeout)
	}

	// Test queue defaults
	if cfg.Queue.Size != 100000 {
		t.Errorf("expected Queue.Size 100000, got %d", cfg.Queue.Size)
	}
	if cfg.Queue.OverflowPolicy != "reject" {
		t.Errorf("expected Queue.OverflowPolicy 'reject', got %s", cfg.Queue.OverflowPolicy)
	}

	// Test ingest defaults
	if cfg.Ingest.MaxBatchSize != 1000 {
		t.Errorf("expected MaxBatchSize 1000, got %d", cfg.Ingest.MaxBatchSize)
	}
	if cfg.Ingest.MaxPayloadSize != 10*1024*1024 {
		t.Errorf("expected MaxPayloadSize 10MB, got %d", cfg.Ingest.MaxPayloadSize)
	}
	if cfg.Ingest.DefaultTenantID != "default" {
		t.Errorf("expected DefaultTenantID 'default', got %s", cfg.Ingest.DefaultTenantID)
	}

	// Test engine defaults
	if cfg.Engine.Lanes != 8 {
		t.Errorf("expected Engine.Lanes 8, got %d", cfg.Engine.Lanes)
	}
	if cfg.Engine.EvidenceCap != 50 {
		t.Errorf("expected Engine.EvidenceCap 50, got %d", cfg.Engine.EvidenceCap)
	}

	// Test model defaults
	if cfg.Models.Dir != "models" {
		t.Errorf("expected Models.Dir 'models', got %s", cfg.Models.Dir)
	}
	if cfg.Models.DisableBuiltin {
		t.Error("expected builtin catalog enabled by default")
	}

	// Test suppression defaults
	if cfg.Suppression.Backend != "memory" {
		t.Errorf("expected Suppression.Backend 'memory', got %s", cfg.Suppression.Backend)
	}
	if cfg.Suppression.Redis.Addr != "localhost:6379" {
		t.Errorf("expected Redis.Addr 'localhost:6379', got %s", cfg.Suppression.Redis.Addr)
	}

	// Test kafka defaults
	if cfg.Kafka.Enabled {
		t.Error("expected Kafka.Enabled to be false by default")
	}
	if cfg.Kafka.Topic != "chainsight.events" {
		t.Errorf("expected Kafka.Topic 'chainsight.events', got %s", cfg.Kafka.Topic)
	}
	if cfg.Kafka.ConsumerGroup != "chainsight-engine" {
		t.Errorf("expected ConsumerGroup 'chainsight-engine', got %s", cfg.Kafka.ConsumerGroup)
	}

	// Test storage defaults
	if cfg.Storage.Enabled {
		t.Error("expected Storage.Enabled to be false by default")
	}
	if cfg.Storage.ClickHouse.Database != "chainsight" {
		t.Errorf("expected ClickHouse.Database 'chainsight', got %s", cfg.Storage.ClickHouse.Database)
	}
	if cfg.Storage.Retention.IncidentsTTL != 90*24*time.Hour {
		t.Errorf("expected IncidentsTTL 90d, got %v", cfg.Storage.Retention.IncidentsTTL)
	}
	if cfg.Storage.S3.Bucket != "chainsight-evidence" {
		t.Errorf("expected S3.Bucket 'chainsight-evidence', got %s", cfg.Storage.S3.Bucket)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	if err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"too high port", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.HTTPPort = tt.port
			err := cfg.Validate()
			if err == nil {
				t.Error("expected validation error for invalid port")
			}
		})
	}
}

func TestValidate_InvalidQueueSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Size = 0
	err := cfg.Validate()
	if err == nil {
		t.Error("expected validation error for zero queue size")
	}

	cfg.Queue.Size = -1
	err = cfg.Validate()
	if err == nil {
		t.Error("expected validation error for negative queue size")
	}
}

func TestValidate_UnsupportedOverflowPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.OverflowPolicy = "drop_oldest"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unsupported overflow policy")
	}

	cfg.Queue.OverflowPolicy = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty overflow policy should be accepted, got: %v", err)
	}
}

func TestValidate_InvalidMaxBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.MaxBatchSize = 0
	err := cfg.Validate()
	if err == nil {
		t.Error("expected validation error for zero max batch size")
	}
}

func TestValidate_AuthWithoutHashes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for auth without key hashes")
	}

	cfg.Auth.APIKeyHashes = []string{"$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("auth with hashes should be valid, got: %v", err)
	}
}

func TestValidate_SuppressionBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Suppression.Backend = "dynamo"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown suppression backend")
	}

	cfg.Suppression.Backend = "redis"
	if err := cfg.Validate(); err != nil {
		t.Errorf("redis backend should be valid, got: %v", err)
	}
}

func TestValidate_NoModelSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.Dir = ""
	cfg.Models.DisableBuiltin = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when no model source remains")
	}
}

func TestValidate_KafkaEnabledWithoutBrokers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for kafka without brokers")
	}
}

func TestValidate_StorageEnabledWithoutHosts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Enabled = true
	cfg.Storage.ClickHouse.Hosts = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for storage without clickhouse hosts")
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "simple split",
			input:    "a,b,c",
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "with spaces",
			input:    "a , b , c",
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "empty parts filtered",
			input:    "a,,b",
			expected: []string{"a", "b"},
		},
		{
			name:     "single value",
			input:    "single",
			expected: []string{"single"},
		},
		{
			name:     "empty string",
			input:    "",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitAndTrim(tt.input)
			if len(result) != len(tt.expected) {
				t.Errorf("splitAndTrim(%q) = %v, expected %v", tt.input, result, tt.expected)
				return
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("splitAndTrim(%q)[%d] = %q, expected %q", tt.input, i, v, tt.expected[i])
				}
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("HTTP port override", func(t *testing.T) {
		t.Setenv("CHAINSIGHT_HTTP_PORT", "9000")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 9000 {
			t.Errorf("expected HTTPPort 9000, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("invalid HTTP port ignored", func(t *testing.T) {
		t.Setenv("CHAINSIGHT_HTTP_PORT", "not-a-port")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 8080 {
			t.Errorf("expected default HTTPPort 8080, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("log level override", func(t *testing.T) {
		t.Setenv("CHAINSIGHT_LOG_LEVEL", "debug")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("API key hash override enables auth", func(t *testing.T) {
		t.Setenv("CHAINSIGHT_API_KEY_HASH", "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Auth.Enabled {
			t.Error("expected Auth.Enabled to be true when key hash is set")
		}
		found := false
		for _, hash := range cfg.Auth.APIKeyHashes {
			if hash == "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA" {
				found = true
				break
			}
		}
		if !found {
			t.Error("expected hash to be added to APIKeyHashes")
		}
	})

	t.Run("kafka brokers override", func(t *testing.T) {
		t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if len(cfg.Kafka.Brokers) != 2 {
			t.Fatalf("expected 2 brokers, got %v", cfg.Kafka.Brokers)
		}
		if cfg.Kafka.Brokers[0] != "broker1:9092" || cfg.Kafka.Brokers[1] != "broker2:9092" {
			t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
		}
	})

	t.Run("kafka enabled override", func(t *testing.T) {
		t.Setenv("CHAINSIGHT_KAFKA_ENABLED", "true")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Kafka.Enabled {
			t.Error("expected Kafka.Enabled to be true")
		}
	})

	t.Run("redis addr selects redis backend", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "redis.internal:6380")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Suppression.Backend != "redis" {
			t.Errorf("expected backend 'redis', got %s", cfg.Suppression.Backend)
		}
		if cfg.Suppression.Redis.Addr != "redis.internal:6380" {
			t.Errorf("expected Redis.Addr 'redis.internal:6380', got %s", cfg.Suppression.Redis.Addr)
		}
	})

	t.Run("clickhouse overrides", func(t *testing.T) {
		t.Setenv("CHAINSIGHT_STORAGE_ENABLED", "true")
		t.Setenv("CLICKHOUSE_HOST", "ch.internal:9000")
		t.Setenv("CLICKHOUSE_DATABASE", "chainsight_prod")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Storage.Enabled {
			t.Error("expected Storage.Enabled to be true")
		}
		if len(cfg.Storage.ClickHouse.Hosts) != 1 || cfg.Storage.ClickHouse.Hosts[0] != "ch.internal:9000" {
			t.Errorf("unexpected hosts: %v", cfg.Storage.ClickHouse.Hosts)
		}
		if cfg.Storage.ClickHouse.Database != "chainsight_prod" {
			t.Errorf("expected database 'chainsight_prod', got %s", cfg.Storage.ClickHouse.Database)
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  http_port: 9090
engine:
  lanes: 16
models:
  dir: /etc/chainsight/models
kafka:
  enabled: true
  brokers:
    - kafka1:9092
suppression:
  backend: redis
  redis:
    addr: redis:6379
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	t.Setenv("CHAINSIGHT_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected HTTPPort 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Engine.Lanes != 16 {
		t.Errorf("expected Lanes 16, got %d", cfg.Engine.Lanes)
	}
	if cfg.Models.Dir != "/etc/chainsight/models" {
		t.Errorf("expected models dir override, got %s", cfg.Models.Dir)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 1 {
		t.Errorf("expected kafka enabled with one broker, got %+v", cfg.Kafka)
	}
	if cfg.Suppression.Backend != "redis" {
		t.Errorf("expected redis suppression backend, got %s", cfg.Suppression.Backend)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Queue.Size != 100000 {
		t.Errorf("expected default queue size, got %d", cfg.Queue.Size)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate, got: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CHAINSIGHT_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default HTTPPort, got %d", cfg.Server.HTTPPort)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	t.Setenv("CHAINSIGHT_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Error("expected error for malformed config file")
	}
}
