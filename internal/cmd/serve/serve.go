package serve

import (
	"context"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/chirino/conversation-store/internal/config"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"

	// Plugins register themselves at init.
	_ "github.com/chirino/conversation-store/internal/plugin/cache/local"
	_ "github.com/chirino/conversation-store/internal/plugin/cache/noop"
	_ "github.com/chirino/conversation-store/internal/plugin/cache/redis"
	_ "github.com/chirino/conversation-store/internal/plugin/store/mongo"
	_ "github.com/chirino/conversation-store/internal/plugin/store/relational"
)

// Command returns the serve CLI command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the conversation store engine",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.APIKeys = config.LoadAPIKeysFromEnv()
			ctx = config.WithContext(ctx, &cfg)
			return StartServer(ctx, &cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "datastore-type",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_DATASTORE_TYPE"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Datastore backend (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_DB_URL"),
			Destination: &cfg.DBURL,
			Required:    true,
			Usage:       "Database connection URL (file path or :memory: for sqlite)",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum idle database connections",
		},
		&cli.BoolFlag{
			Name:        "migrate-at-start",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run datastore migrations on startup",
		},
		&cli.StringFlag{
			Name:        "encryption-key",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_ENCRYPTION_KEY"),
			Destination: &cfg.EncryptionKey,
			Usage:       "Comma-separated AES keys (hex or base64); first key encrypts, the rest decrypt only",
		},
		&cli.StringFlag{
			Name:        "cache-type",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_CACHE_TYPE"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Memory entries cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the redis cache",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "Memory entries cache TTL",
		},
		&cli.DurationFlag{
			Name:        "eviction-retention",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_EVICTION_RETENTION"),
			Destination: &cfg.EvictionRetention,
			Value:       cfg.EvictionRetention,
			Usage:       "How long soft-deleted conversations are kept before hard deletion",
		},
		&cli.DurationFlag{
			Name:        "eviction-interval",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_EVICTION_INTERVAL"),
			Destination: &cfg.EvictionInterval,
			Value:       cfg.EvictionInterval,
			Usage:       "How often the eviction loop runs",
		},
		&cli.DurationFlag{
			Name:        "task-claim-ttl",
			Category:    "Tasks:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_TASK_CLAIM_TTL"),
			Destination: &cfg.TaskClaimTTL,
			Value:       cfg.TaskClaimTTL,
			Usage:       "How long a claimed task stays invisible to other claimers",
		},
		&cli.DurationFlag{
			Name:        "task-poll-interval",
			Category:    "Tasks:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_TASK_POLL_INTERVAL"),
			Destination: &cfg.TaskPollInterval,
			Value:       cfg.TaskPollInterval,
			Usage:       "How often the task processor polls for ready tasks",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Management:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added to all metrics; values support ${VAR} expansion",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management:",
			Sources:     cli.EnvVars("CONVERSATION_STORE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementPort,
			Value:       cfg.ManagementPort,
			Usage:       "Port for the health/ready/metrics listener (0 disables it)",
		},
	}
}
