package relational

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/model"
	"gorm.io/gorm"
)

// migrator auto-migrates the relational schema for one backend, then applies
// backend-specific statements (full-text indexes, partial unique indexes).
type migrator struct {
	datastore string
	open      func(dsn string) gorm.Dialector
	dialect   dialect
}

func (m *migrator) Name() string { return m.datastore + "-schema" }

func (m *migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("migration %s: no configuration in context", m.Name())
	}
	if !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != m.datastore {
		return nil // skip if another backend is selected
	}
	log.Info("Running migration", "name", m.Name())

	db, err := gorm.Open(m.open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := autoMigrate(ctx, db); err != nil {
		return err
	}
	if err := m.dialect.extraMigrations(ctx, db); err != nil {
		return fmt.Errorf("migration: backend statements failed: %w", err)
	}
	return nil
}

func autoMigrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(
		&model.ConversationGroup{},
		&model.Conversation{},
		&model.ConversationMembership{},
		&model.Entry{},
		&model.OwnershipTransfer{},
		&model.Task{},
		&model.Attachment{},
	)
	if err != nil {
		return fmt.Errorf("migration: auto-migrate failed: %w", err)
	}
	return nil
}
