package migrate

import (
	"context"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/chirino/conversation-store/internal/config"
	registrymigrate "github.com/chirino/conversation-store/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"

	// Plugins register their migrators at init.
	_ "github.com/chirino/conversation-store/internal/plugin/store/mongo"
	_ "github.com/chirino/conversation-store/internal/plugin/store/relational"
)

// Command returns the migrate CLI command. It runs datastore migrations and
// exits, for deployments that migrate separately from serving.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run datastore migrations and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "datastore-type",
				Sources:     cli.EnvVars("CONVERSATION_STORE_DATASTORE_TYPE"),
				Destination: &cfg.DatastoreType,
				Value:       cfg.DatastoreType,
				Usage:       "Datastore backend (" + strings.Join(registrystore.Names(), "|") + ")",
			},
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars("CONVERSATION_STORE_DB_URL"),
				Destination: &cfg.DBURL,
				Required:    true,
				Usage:       "Database connection URL",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)
			return registrymigrate.RunAll(ctx)
		},
	}
}
