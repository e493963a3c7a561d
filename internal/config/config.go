package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the conversation store engine.
type Config struct {
	// Datastore backend type: "postgres", "sqlite", or "mongo".
	DatastoreType string

	// Database connection URL. For sqlite this is a file path or ":memory:".
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type: "none", "local", or "redis".
	CacheType string

	// Redis connection URL for the "redis" cache.
	RedisURL string

	// Memory entries cache TTL.
	CacheTTL time.Duration

	// EncryptionKey is a comma-separated list of AES keys. The first key is
	// primary (used for new encryptions); subsequent keys are legacy
	// (decryption-only, for zero-downtime key rotation).
	EncryptionKey string

	// Eviction
	EvictionRetention  time.Duration
	EvictionBatchSize  int
	EvictionBatchDelay time.Duration
	EvictionInterval   time.Duration

	// Tasks
	TaskClaimTTL     time.Duration
	TaskPollInterval time.Duration
	TaskBatchSize    int

	// Number of entries handed to the vector indexer per tick.
	IndexerBatchSize    int
	IndexerPollInterval time.Duration

	// Attachment behavior.
	AttachmentDefaultExpiresIn time.Duration
	AttachmentMaxExpiresIn     time.Duration

	// APIKeys maps API key values to client IDs
	// (CONVERSATION_STORE_API_KEYS_<CLIENT_ID>=<key>). The engine only parses
	// and carries them; enforcement happens in the transport layer.
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// ManagementPort is the port for the health/ready/metrics listener.
	// Zero disables the listener.
	ManagementPort int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:              "postgres",
		DatastoreMigrateAtStart:    true,
		DBMaxOpenConns:             25,
		DBMaxIdleConns:             5,
		CacheType:                  "none",
		CacheTTL:                   10 * time.Minute,
		EvictionRetention:          30 * 24 * time.Hour,
		EvictionBatchSize:          1000,
		EvictionBatchDelay:         100 * time.Millisecond,
		EvictionInterval:           time.Hour,
		TaskClaimTTL:               5 * time.Minute,
		TaskPollInterval:           10 * time.Second,
		TaskBatchSize:              50,
		IndexerBatchSize:           500,
		IndexerPollInterval:        30 * time.Second,
		AttachmentDefaultExpiresIn: time.Hour,
		AttachmentMaxExpiresIn:     24 * time.Hour,
	}
}
