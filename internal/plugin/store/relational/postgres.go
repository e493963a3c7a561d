package relational

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/conversation-store/internal/config"
	registrymigrate "github.com/chirino/conversation-store/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chirino/conversation-store/internal/model"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.ConversationStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			return newStore(ctx, db, postgresDialect{})
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &migrator{
		datastore: "postgres",
		open:      func(dsn string) gorm.Dialector { return postgres.Open(dsn) },
		dialect:   postgresDialect{},
	}})
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) claimTasks(ctx context.Context, db *gorm.DB, limit int, claimTTL time.Duration) ([]model.Task, error) {
	now := time.Now()
	staleBefore := now.Add(-claimTTL)
	retryAt := now.Add(claimTTL)

	var tasks []model.Task
	err := db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id FROM tasks
			WHERE retry_at <= ? AND (processing_at IS NULL OR processing_at < ?)
			ORDER BY retry_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET processing_at = ?, retry_at = ?
		FROM claimed
		WHERE t.id = claimed.id
		RETURNING t.*
	`, now, staleBefore, limit, now, retryAt).Scan(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	return tasks, nil
}

func (postgresDialect) searchRows(ctx context.Context, db *gorm.DB, query string, ownerUserID *string, memberUserID *string, limit int) ([]searchRow, error) {
	tsQuery := toPrefixTsQuery(query)
	if tsQuery == "" {
		return nil, nil
	}

	var sb strings.Builder
	args := []interface{}{tsQuery, tsQuery}
	sb.WriteString(`
		SELECT e.id AS entry_id, e.conversation_id, e.conversation_group_id, c.title AS conversation_title,
			ts_rank(e.indexed_content_tsv, to_tsquery('english', ?)) AS score,
			ts_headline('english', e.indexed_content, to_tsquery('english', ?), 'StartSel=**, StopSel=**, MaxWords=50, MinWords=20') AS highlight
		FROM entries e
		JOIN conversations c ON c.id = e.conversation_id AND c.conversation_group_id = e.conversation_group_id AND c.deleted_at IS NULL
	`)
	if memberUserID != nil {
		sb.WriteString(" JOIN conversation_memberships cm ON cm.conversation_group_id = c.conversation_group_id AND cm.user_id = ?\n")
		args = append(args, *memberUserID)
	}
	sb.WriteString(" WHERE e.indexed_content_tsv @@ to_tsquery('english', ?)\n")
	args = append(args, tsQuery)
	if ownerUserID != nil {
		sb.WriteString(" AND c.owner_user_id = ?\n")
		args = append(args, *ownerUserID)
	}
	sb.WriteString(" ORDER BY score DESC LIMIT ?")
	args = append(args, limit)

	var rows []searchRow
	if err := db.WithContext(ctx).Raw(sb.String(), args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return rows, nil
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (postgresDialect) extraMigrations(ctx context.Context, db *gorm.DB) error {
	statements := []string{
		// Full-text search over indexed_content.
		`ALTER TABLE entries ADD COLUMN IF NOT EXISTS indexed_content_tsv tsvector
			GENERATED ALWAYS AS (to_tsvector('english', coalesce(indexed_content, ''))) STORED`,
		`CREATE INDEX IF NOT EXISTS entries_indexed_content_tsv_idx ON entries USING GIN (indexed_content_tsv)`,
		// One pending transfer per conversation group.
		`CREATE UNIQUE INDEX IF NOT EXISTS conversation_ownership_transfers_group_idx
			ON conversation_ownership_transfers (conversation_group_id)`,
		`CREATE INDEX IF NOT EXISTS entries_group_created_idx ON entries (conversation_group_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS tasks_retry_at_idx ON tasks (retry_at, created_at)`,
	}
	for _, stmt := range statements {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// toPrefixTsQuery turns free text into a prefix-matching tsquery:
// "hello wor" => "hello:* & wor:*".
func toPrefixTsQuery(query string) string {
	words := strings.Fields(query)
	terms := make([]string, 0, len(words))
	for _, word := range words {
		if escaped := escapeTsQueryWord(word); escaped != "" {
			terms = append(terms, escaped+":*")
		}
	}
	return strings.Join(terms, " & ")
}

func escapeTsQueryWord(word string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '&', '|', '!', '(', ')', ':', '\'', '\\', '*':
			return -1
		}
		return r
	}, word)
}
