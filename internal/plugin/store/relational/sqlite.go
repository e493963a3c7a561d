package relational

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/model"
	registrymigrate "github.com/chirino/conversation-store/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.ConversationStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(sqlite.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
			}
			return newStore(ctx, db, sqliteDialect{})
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &migrator{
		datastore: "sqlite",
		open:      func(dsn string) gorm.Dialector { return sqlite.Open(dsn) },
		dialect:   sqliteDialect{},
	}})
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

// claimTasks uses a transactional select-then-update; sqlite has no
// SKIP LOCKED, but its writer lock serializes claimers anyway.
func (sqliteDialect) claimTasks(ctx context.Context, db *gorm.DB, limit int, claimTTL time.Duration) ([]model.Task, error) {
	now := time.Now()
	staleBefore := now.Add(-claimTTL)
	retryAt := now.Add(claimTTL)

	var tasks []model.Task
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := tx.Model(&model.Task{}).
			Where("retry_at <= ? AND (processing_at IS NULL OR processing_at < ?)", now, staleBefore).
			Order("retry_at ASC, created_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&model.Task{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"processing_at": now, "retry_at": retryAt}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Order("retry_at ASC, created_at ASC").Find(&tasks).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	return tasks, nil
}

// searchRows does word-AND LIKE matching; no ranking beyond match/no-match.
func (sqliteDialect) searchRows(ctx context.Context, db *gorm.DB, query string, ownerUserID *string, memberUserID *string, limit int) ([]searchRow, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	var args []interface{}
	sb.WriteString(`
		SELECT e.id AS entry_id, e.conversation_id, e.conversation_group_id, c.title AS conversation_title,
			1.0 AS score, e.indexed_content AS highlight
		FROM entries e
		JOIN conversations c ON c.id = e.conversation_id AND c.conversation_group_id = e.conversation_group_id AND c.deleted_at IS NULL
	`)
	if memberUserID != nil {
		sb.WriteString(" JOIN conversation_memberships cm ON cm.conversation_group_id = c.conversation_group_id AND cm.user_id = ?\n")
		args = append(args, *memberUserID)
	}
	sb.WriteString(" WHERE e.indexed_content IS NOT NULL")
	for _, word := range words {
		sb.WriteString(" AND lower(e.indexed_content) LIKE ?")
		args = append(args, "%"+word+"%")
	}
	if ownerUserID != nil {
		sb.WriteString(" AND c.owner_user_id = ?")
		args = append(args, *ownerUserID)
	}
	sb.WriteString(" ORDER BY e.created_at ASC LIMIT ?")
	args = append(args, limit)

	var rows []searchRow
	if err := db.WithContext(ctx).Raw(sb.String(), args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	for i := range rows {
		if len(rows[i].Highlight) > 200 {
			rows[i].Highlight = rows[i].Highlight[:200] + "..."
		}
	}
	return rows, nil
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (sqliteDialect) extraMigrations(ctx context.Context, db *gorm.DB) error {
	statements := []string{
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
