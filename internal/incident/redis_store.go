package incident

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the slice of Redis used for suppression claims. Kept as
// an interface so tests run against the mock.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// RedisConfig configures the suppression Redis connection.
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

// GoRedisClient wraps the go-redis client to implement RedisClient.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis and verifies the connection.
func NewGoRedisClient(cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

// Get retrieves a value, reporting a miss separately from an error.
func (g *GoRedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

// Set stores a value with TTL.
func (g *GoRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Expire resets a key's TTL.
func (g *GoRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.client.Expire(ctx, key, ttl).Err()
}

// Del removes keys.
func (g *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// MockRedisClient is an in-memory RedisClient for tests.
type MockRedisClient struct {
	mu     sync.RWMutex
	data   map[string]string
	expiry map[string]time.Time
	closed bool

	// FailAll makes every call return an error, for outage tests.
	FailAll bool
}

// NewMockRedisClient creates a mock client.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string]string),
		expiry: make(map[string]time.Time),
	}
}

func (m *MockRedisClient) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || m.FailAll {
		return "", false, errors.New("connection refused")
	}
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		return "", false, nil
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *MockRedisClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.FailAll {
		return errors.New("connection refused")
	}
	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *MockRedisClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.FailAll {
		return errors.New("connection refused")
	}
	if _, ok := m.data[key]; ok {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *MockRedisClient) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.FailAll {
		return errors.New("connection refused")
	}
	for _, key := range keys {
		delete(m.data, key)
		delete(m.expiry, key)
	}
	return nil
}

func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// RedisSuppressionStore keeps suppression claims in Redis so multiple
// engine instances share one claim space. TTL handling rides on Redis key
// expiry.
type RedisSuppressionStore struct {
	client RedisClient
	prefix string
}

// NewRedisSuppressionStore wraps a RedisClient as a SuppressionStore.
func NewRedisSuppressionStore(client RedisClient) *RedisSuppressionStore {
	return &RedisSuppressionStore{
		client: client,
		prefix: "chainsight:suppress:",
	}
}

func (s *RedisSuppressionStore) ActiveIncident(ctx context.Context, key string) (string, bool, error) {
	return s.client.Get(ctx, s.prefix+key)
}

func (s *RedisSuppressionStore) Claim(ctx context.Context, key, incidentID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, incidentID, ttl)
}

func (s *RedisSuppressionStore) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.prefix+key, ttl)
}

func (s *RedisSuppressionStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key)
}
