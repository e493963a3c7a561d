// Package relational implements ConversationStore on GORM. The postgres and
// sqlite loaders share this implementation; backend differences (task
// claiming, full-text search, unique-violation detection) sit behind the
// dialect interface.
package relational

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/cryptobox"
	"github.com/chirino/conversation-store/internal/keymutex"
	"github.com/chirino/conversation-store/internal/metrics"
	"github.com/chirino/conversation-store/internal/model"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// dialect covers the operations where postgres and sqlite diverge.
type dialect interface {
	name() string
	claimTasks(ctx context.Context, db *gorm.DB, limit int, claimTTL time.Duration) ([]model.Task, error)
	searchRows(ctx context.Context, db *gorm.DB, query string, userID *string, memberUserID *string, limit int) ([]searchRow, error)
	isUniqueViolation(err error) bool
	extraMigrations(ctx context.Context, db *gorm.DB) error
}

// Store implements registrystore.ConversationStore for relational backends.
type Store struct {
	db           *gorm.DB
	cfg          *config.Config
	dialect      dialect
	codec        *cryptobox.Codec
	entriesCache registrycache.MemoryEntriesCache
	syncLocks    *keymutex.KeyMutex
}

func newStore(ctx context.Context, db *gorm.DB, d dialect) (*Store, error) {
	cfg := config.FromContext(ctx)
	codec, err := cryptobox.NewCodecFromConfig(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	if metrics.DBPoolMaxConnections != nil {
		metrics.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
	}

	// Periodically update the open connections gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if metrics.DBPoolOpenConnections != nil {
					metrics.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()

	return &Store{
		db:           db,
		cfg:          cfg,
		dialect:      d,
		codec:        codec,
		entriesCache: registrycache.EntriesCacheFromContext(ctx),
		syncLocks:    keymutex.New(0),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) decryptString(data []byte) string {
	plain, err := s.codec.Decrypt(data)
	if err != nil {
		return string(data) // fallback for unencrypted data
	}
	return string(plain)
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, userID string, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*registrystore.ConversationDetail, error) {
	// Root (non-forked) conversations reuse the conversation ID as the group ID.
	convID := uuid.New()
	return s.createConversationWithID(ctx, userID, convID, title, metadata, forkedAtConversationID, forkedAtEntryID)
}

func (s *Store) CreateConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*registrystore.ConversationDetail, error) {
	return s.createConversationWithID(ctx, userID, convID, title, metadata, forkedAtConversationID, forkedAtEntryID)
}

func (s *Store) createConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*registrystore.ConversationDetail, error) {
	now := time.Now()
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	var groupID uuid.UUID
	if forkedAtConversationID != nil {
		var sourceConv model.Conversation
		if err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", *forkedAtConversationID).First(&sourceConv).Error; err != nil {
			return nil, &NotFoundError{Resource: "conversation", ID: forkedAtConversationID.String()}
		}
		if _, err := s.requireAccess(ctx, userID, sourceConv.ConversationGroupID, model.AccessLevelReader); err != nil {
			return nil, err
		}
		if forkedAtEntryID != nil {
			rewritten, err := s.rewriteForkPoint(ctx, sourceConv.ConversationGroupID, *forkedAtEntryID)
			if err != nil {
				return nil, err
			}
			forkedAtEntryID = rewritten
		}
		groupID = sourceConv.ConversationGroupID
	} else {
		groupID = convID
		group := model.ConversationGroup{ID: groupID, CreatedAt: now}
		if err := s.db.WithContext(ctx).Create(&group).Error; err != nil {
			return nil, fmt.Errorf("failed to create conversation group: %w", err)
		}
	}

	encTitle, err := s.codec.Encrypt([]byte(title))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt title: %w", err)
	}
	conv := model.Conversation{
		ID:                     convID,
		Title:                  encTitle,
		OwnerUserID:            userID,
		Metadata:               metadata,
		ConversationGroupID:    groupID,
		ForkedAtConversationID: forkedAtConversationID,
		ForkedAtEntryID:        forkedAtEntryID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	// Owner membership exists once per group; forks inherit it.
	if forkedAtConversationID == nil {
		membership := model.ConversationMembership{
			ConversationGroupID: groupID,
			UserID:              userID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           now,
		}
		if err := s.db.WithContext(ctx).Create(&membership).Error; err != nil {
			return nil, fmt.Errorf("failed to create membership: %w", err)
		}
	}

	return &registrystore.ConversationDetail{
		ConversationSummary: registrystore.ConversationSummary{
			ID:                     convID,
			Title:                  title,
			OwnerUserID:            userID,
			Metadata:               metadata,
			ConversationGroupID:    groupID,
			ForkedAtConversationID: forkedAtConversationID,
			ForkedAtEntryID:        forkedAtEntryID,
			CreatedAt:              now,
			UpdatedAt:              now,
			AccessLevel:            model.AccessLevelOwner,
		},
	}, nil
}

// rewriteForkPoint stores the entry BEFORE the requested fork point: the
// recorded forkedAtEntryId is the last parent entry the fork still includes.
// The predecessor is the nearest earlier history entry of the same
// conversation. When the requested entry is the conversation's first history
// entry there is no predecessor and the fork inherits nothing (nil).
func (s *Store) rewriteForkPoint(ctx context.Context, groupID uuid.UUID, requested uuid.UUID) (*uuid.UUID, error) {
	var entry model.Entry
	if err := s.db.WithContext(ctx).Where("id = ? AND conversation_group_id = ?", requested, groupID).First(&entry).Error; err != nil {
		return nil, &NotFoundError{Resource: "entry", ID: requested.String()}
	}
	var prev model.Entry
	result := s.db.WithContext(ctx).
		Where("conversation_id = ? AND channel = ? AND (created_at < ? OR (created_at = ? AND id < ?))",
			entry.ConversationID, model.ChannelHistory, entry.CreatedAt, entry.CreatedAt, requested).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&prev)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load previous fork entry: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		prevID := prev.ID
		return &prevID, nil
	}
	return nil, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, query *string, afterCursor *string, limit int, mode model.ConversationListMode) ([]registrystore.ConversationSummary, *string, error) {
	requestedLimit := limit
	queryStr := ""
	if query != nil {
		queryStr = strings.TrimSpace(*query)
	}

	tx := s.db.WithContext(ctx).
		Table("conversations c").
		Select("c.id, c.title, c.owner_user_id, c.metadata, c.conversation_group_id, c.forked_at_entry_id, c.forked_at_conversation_id, c.created_at, c.updated_at, c.deleted_at, cm.access_level").
		Joins("JOIN conversation_memberships cm ON cm.conversation_group_id = c.conversation_group_id AND cm.user_id = ?", userID).
		Joins("JOIN conversation_groups cg ON cg.id = c.conversation_group_id AND cg.deleted_at IS NULL").
		Where("c.deleted_at IS NULL")

	switch mode {
	case model.ListModeRoots:
		tx = tx.Where("c.forked_at_conversation_id IS NULL")
	case model.ListModeLatestFork:
		tx = tx.Where("c.updated_at = (SELECT MAX(c2.updated_at) FROM conversations c2 WHERE c2.conversation_group_id = c.conversation_group_id AND c2.deleted_at IS NULL)")
	}

	if afterCursor != nil {
		tx = tx.Where("c.created_at > (SELECT created_at FROM conversations WHERE id = ?)", *afterCursor)
	}

	queryLimit := requestedLimit + 1
	if queryStr != "" {
		// Titles are encrypted at rest, so text filtering must happen
		// post-decryption. Over-fetch a bounded window to keep pagination
		// reasonably useful.
		queryLimit = requestedLimit * 5
		if queryLimit < requestedLimit+1 {
			queryLimit = requestedLimit + 1
		}
		if queryLimit > 1000 {
			queryLimit = 1000
		}
	}

	tx = tx.Order("c.created_at ASC").Limit(queryLimit)

	var rows []conversationRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	if queryStr != "" {
		lq := strings.ToLower(queryStr)
		filtered := rows[:0]
		for _, r := range rows {
			if strings.Contains(strings.ToLower(s.decryptString(r.Title)), lq) {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	hasMore := len(rows) > requestedLimit
	if hasMore {
		rows = rows[:requestedLimit]
	}

	summaries := make([]registrystore.ConversationSummary, len(rows))
	for i, r := range rows {
		summaries[i] = s.rowToSummary(r)
	}

	var cursor *string
	if hasMore && len(summaries) > 0 {
		c := summaries[len(summaries)-1].ID.String()
		cursor = &c
	}
	return summaries, cursor, nil
}

type conversationRow struct {
	ID                     uuid.UUID              `gorm:"column:id"`
	Title                  []byte                 `gorm:"column:title"`
	OwnerUserID            string                 `gorm:"column:owner_user_id"`
	Metadata               map[string]interface{} `gorm:"column:metadata;serializer:json"`
	ConversationGroupID    uuid.UUID              `gorm:"column:conversation_group_id"`
	ForkedAtEntryID        *uuid.UUID             `gorm:"column:forked_at_entry_id"`
	ForkedAtConversationID *uuid.UUID             `gorm:"column:forked_at_conversation_id"`
	CreatedAt              time.Time              `gorm:"column:created_at"`
	UpdatedAt              time.Time              `gorm:"column:updated_at"`
	DeletedAt              *time.Time             `gorm:"column:deleted_at"`
	AccessLevel            model.AccessLevel      `gorm:"column:access_level"`
}

func (s *Store) rowToSummary(r conversationRow) registrystore.ConversationSummary {
	return registrystore.ConversationSummary{
		ID:                     r.ID,
		Title:                  s.decryptString(r.Title),
		OwnerUserID:            r.OwnerUserID,
		Metadata:               r.Metadata,
		ConversationGroupID:    r.ConversationGroupID,
		ForkedAtEntryID:        r.ForkedAtEntryID,
		ForkedAtConversationID: r.ForkedAtConversationID,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		DeletedAt:              r.DeletedAt,
		AccessLevel:            r.AccessLevel,
	}
}

func (s *Store) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*registrystore.ConversationDetail, error) {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).First(&conv).Error; err != nil {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	access, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}

	return &registrystore.ConversationDetail{
		ConversationSummary: registrystore.ConversationSummary{
			ID:                     conv.ID,
			Title:                  s.decryptString(conv.Title),
			OwnerUserID:            conv.OwnerUserID,
			Metadata:               conv.Metadata,
			ConversationGroupID:    conv.ConversationGroupID,
			ForkedAtConversationID: conv.ForkedAtConversationID,
			ForkedAtEntryID:        conv.ForkedAtEntryID,
			CreatedAt:              conv.CreatedAt,
			UpdatedAt:              conv.UpdatedAt,
			AccessLevel:            access,
		},
	}, nil
}

func (s *Store) UpdateConversation(ctx context.Context, userID string, conversationID uuid.UUID, title *string, metadata map[string]interface{}) (*registrystore.ConversationDetail, error) {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).First(&conv).Error; err != nil {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if title != nil {
		encTitle, err := s.codec.Encrypt([]byte(*title))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt title: %w", err)
		}
		updates["title"] = encTitle
	}
	if metadata != nil {
		updates["metadata"] = metadata
	}
	if err := s.db.WithContext(ctx).Model(&conv).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	return s.GetConversation(ctx, userID, conversationID)
}

func (s *Store) DeleteConversation(ctx context.Context, userID string, conversationID uuid.UUID) error {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).First(&conv).Error; err != nil {
		return &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	// Owners and managers may delete.
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelManager); err != nil {
		return err
	}

	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Soft-delete the group and every conversation in the fork tree; the
		// rows linger until eviction.
		if err := tx.Model(&model.ConversationGroup{}).
			Where("id = ?", conv.ConversationGroupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete group: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", conv.ConversationGroupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete conversations: %w", err)
		}

		// Memberships, entries and pending transfers are hard-deleted so
		// revoked members cannot read during the retention window.
		if err := tx.Where("conversation_group_id = ?", conv.ConversationGroupID).
			Delete(&model.ConversationMembership{}).Error; err != nil {
			return fmt.Errorf("failed to delete memberships: %w", err)
		}
		if err := tx.Where("conversation_group_id = ?", conv.ConversationGroupID).
			Delete(&model.Entry{}).Error; err != nil {
			return fmt.Errorf("failed to delete entries: %w", err)
		}
		if err := tx.Where("conversation_group_id = ?", conv.ConversationGroupID).
			Delete(&model.OwnershipTransfer{}).Error; err != nil {
			return fmt.Errorf("failed to delete ownership transfers: %w", err)
		}
		return nil
	})
}

// --- Memberships ---

func (s *Store) ListMemberships(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, nil, err
	}
	return s.listMembershipsForGroup(ctx, groupID, afterCursor, limit)
}

func (s *Store) listMembershipsForGroup(ctx context.Context, groupID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	tx := s.db.WithContext(ctx).Where("conversation_group_id = ?", groupID).Order("created_at ASC")
	if afterCursor != nil {
		tx = tx.Where("created_at > (SELECT created_at FROM conversation_memberships WHERE conversation_group_id = ? AND user_id = ?)", groupID, *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var memberships []model.ConversationMembership
	if err := tx.Find(&memberships).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	hasMore := len(memberships) > limit
	if hasMore {
		memberships = memberships[:limit]
	}
	var cursor *string
	if hasMore && len(memberships) > 0 {
		c := memberships[len(memberships)-1].UserID
		cursor = &c
	}
	return memberships, cursor, nil
}

func (s *Store) ShareConversation(ctx context.Context, userID string, conversationID uuid.UUID, targetUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if accessLevel == model.AccessLevelOwner {
		return nil, &ValidationError{Field: "accessLevel", Message: "cannot share with owner access; use ownership transfer"}
	}

	membership := model.ConversationMembership{
		ConversationGroupID: groupID,
		UserID:              targetUserID,
		AccessLevel:         accessLevel,
		CreatedAt:           time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&membership).Error; err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, &ConflictError{Message: "user already has access to this conversation"}
		}
		return nil, fmt.Errorf("failed to share conversation: %w", err)
	}
	return &membership, nil
}

func (s *Store) UpdateMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if accessLevel == model.AccessLevelOwner {
		return nil, &ValidationError{Field: "accessLevel", Message: "cannot set owner access; use ownership transfer"}
	}

	result := s.db.WithContext(ctx).Model(&model.ConversationMembership{}).
		Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).
		Update("access_level", accessLevel)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update membership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "membership", ID: memberUserID}
	}

	var m model.ConversationMembership
	result = s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to reload membership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "membership", ID: memberUserID}
	}
	return &m, nil
}

func (s *Store) DeleteMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string) error {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return err
	}
	var m model.ConversationMembership
	if err := s.db.WithContext(ctx).Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).First(&m).Error; err != nil {
		return &NotFoundError{Resource: "membership", ID: memberUserID}
	}
	if m.AccessLevel == model.AccessLevelOwner {
		return &ValidationError{Field: "userId", Message: "cannot remove the owner"}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Removing the pending transfer recipient cancels the transfer.
		if err := tx.Where("conversation_group_id = ? AND to_user_id = ?", groupID, memberUserID).
			Delete(&model.OwnershipTransfer{}).Error; err != nil {
			return fmt.Errorf("failed to cancel pending transfer: %w", err)
		}
		if err := tx.Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).
			Delete(&model.ConversationMembership{}).Error; err != nil {
			return fmt.Errorf("failed to delete membership: %w", err)
		}
		return nil
	})
}

// --- Forks ---

func (s *Store) ListForks(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]registrystore.ConversationForkSummary, *string, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, nil, err
	}
	return s.listForksForGroup(ctx, groupID, afterCursor, limit, false)
}

func (s *Store) listForksForGroup(ctx context.Context, groupID uuid.UUID, afterCursor *string, limit int, includeDeleted bool) ([]registrystore.ConversationForkSummary, *string, error) {
	tx := s.db.WithContext(ctx).
		Table("conversations").
		Where("conversation_group_id = ?", groupID).
		Order("created_at ASC")
	if !includeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}

	if afterCursor != nil {
		tx = tx.Where("created_at > (SELECT created_at FROM conversations WHERE id = ?)", *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var convs []model.Conversation
	if err := tx.Find(&convs).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list forks: %w", err)
	}

	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}

	forks := make([]registrystore.ConversationForkSummary, len(convs))
	for i, c := range convs {
		forks[i] = registrystore.ConversationForkSummary{
			ID:                     c.ID,
			Title:                  s.decryptString(c.Title),
			ForkedAtEntryID:        c.ForkedAtEntryID,
			ForkedAtConversationID: c.ForkedAtConversationID,
			CreatedAt:              c.CreatedAt,
		}
	}

	var cursor *string
	if hasMore && len(forks) > 0 {
		c := forks[len(forks)-1].ID.String()
		cursor = &c
	}
	return forks, cursor, nil
}

// --- Ownership Transfers ---

func (s *Store) ListPendingTransfers(ctx context.Context, userID string, role string, afterCursor *string, limit int) ([]registrystore.OwnershipTransferDto, *string, error) {
	tx := s.db.WithContext(ctx).Table("conversation_ownership_transfers").Order("created_at ASC")

	switch role {
	case "sender":
		tx = tx.Where("from_user_id = ?", userID)
	case "recipient":
		tx = tx.Where("to_user_id = ?", userID)
	default:
		tx = tx.Where("from_user_id = ? OR to_user_id = ?", userID, userID)
	}

	if afterCursor != nil {
		tx = tx.Where("created_at > (SELECT created_at FROM conversation_ownership_transfers WHERE id = ?)", *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var transfers []model.OwnershipTransfer
	if err := tx.Find(&transfers).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	hasMore := len(transfers) > limit
	if hasMore {
		transfers = transfers[:limit]
	}

	dtos := make([]registrystore.OwnershipTransferDto, len(transfers))
	for i, t := range transfers {
		dtos[i] = s.transferToDto(ctx, t)
	}

	var cursor *string
	if hasMore && len(dtos) > 0 {
		c := dtos[len(dtos)-1].ID.String()
		cursor = &c
	}
	return dtos, cursor, nil
}

func (s *Store) transferToDto(ctx context.Context, t model.OwnershipTransfer) registrystore.OwnershipTransferDto {
	return registrystore.OwnershipTransferDto{
		ID:                  t.ID,
		ConversationGroupID: t.ConversationGroupID,
		ConversationID:      s.resolveConversationID(ctx, t.ConversationGroupID),
		FromUserID:          t.FromUserID,
		ToUserID:            t.ToUserID,
		CreatedAt:           t.CreatedAt,
	}
}

func (s *Store) GetTransfer(ctx context.Context, userID string, transferID uuid.UUID) (*registrystore.OwnershipTransferDto, error) {
	var t model.OwnershipTransfer
	if err := s.db.WithContext(ctx).Where("id = ?", transferID).First(&t).Error; err != nil {
		return nil, &NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if t.FromUserID != userID && t.ToUserID != userID {
		return nil, &NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	dto := s.transferToDto(ctx, t)
	return &dto, nil
}

// resolveConversationID finds the primary (non-deleted) conversation ID for a group.
func (s *Store) resolveConversationID(ctx context.Context, groupID uuid.UUID) uuid.UUID {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).Where("conversation_group_id = ? AND deleted_at IS NULL", groupID).First(&conv).Error; err != nil {
		return uuid.Nil
	}
	return conv.ID
}

func (s *Store) CreateOwnershipTransfer(ctx context.Context, userID string, conversationID uuid.UUID, toUserID string) (*registrystore.OwnershipTransferDto, error) {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).First(&conv).Error; err != nil {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelOwner); err != nil {
		return nil, err
	}
	if userID == toUserID {
		return nil, &ValidationError{Field: "newOwnerUserId", Message: "cannot transfer to yourself"}
	}
	// The recipient must already be a member of the conversation.
	var recipient model.ConversationMembership
	if err := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", conv.ConversationGroupID, toUserID).
		First(&recipient).Error; err != nil {
		return nil, &ValidationError{Field: "newOwnerUserId", Message: "recipient must already be a member"}
	}

	// One pending transfer per group.
	var existing model.OwnershipTransfer
	existingResult := s.db.WithContext(ctx).
		Where("conversation_group_id = ?", conv.ConversationGroupID).
		Limit(1).
		Find(&existing)
	if existingResult.Error == nil && existingResult.RowsAffected > 0 {
		return nil, &ConflictError{
			Message: "a transfer is already pending for this conversation",
			Code:    "TRANSFER_ALREADY_PENDING",
			Details: map[string]interface{}{"existingTransferId": existing.ID.String()},
		}
	}

	transfer := model.OwnershipTransfer{
		ID:                  uuid.New(),
		ConversationGroupID: conv.ConversationGroupID,
		FromUserID:          userID,
		ToUserID:            toUserID,
		CreatedAt:           time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&transfer).Error; err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, &ConflictError{Message: "a transfer is already pending for this conversation", Code: "TRANSFER_ALREADY_PENDING"}
		}
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}
	return &registrystore.OwnershipTransferDto{
		ID:                  transfer.ID,
		ConversationGroupID: transfer.ConversationGroupID,
		ConversationID:      conversationID,
		FromUserID:          transfer.FromUserID,
		ToUserID:            transfer.ToUserID,
		CreatedAt:           transfer.CreatedAt,
	}, nil
}

func (s *Store) AcceptTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	var t model.OwnershipTransfer
	if err := s.db.WithContext(ctx).Where("id = ?", transferID).First(&t).Error; err != nil {
		return &NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if t.ToUserID != userID {
		return &ForbiddenError{}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Old owner becomes a manager.
		if err := tx.Model(&model.ConversationMembership{}).
			Where("conversation_group_id = ? AND user_id = ?", t.ConversationGroupID, t.FromUserID).
			Update("access_level", model.AccessLevelManager).Error; err != nil {
			return fmt.Errorf("failed to demote previous owner: %w", err)
		}

		// Upsert new owner membership.
		var existing model.ConversationMembership
		existingResult := tx.
			Where("conversation_group_id = ? AND user_id = ?", t.ConversationGroupID, t.ToUserID).
			Limit(1).
			Find(&existing)
		if existingResult.Error != nil {
			return fmt.Errorf("failed to load recipient membership: %w", existingResult.Error)
		}
		if existingResult.RowsAffected == 0 {
			if err := tx.Create(&model.ConversationMembership{
				ConversationGroupID: t.ConversationGroupID,
				UserID:              t.ToUserID,
				AccessLevel:         model.AccessLevelOwner,
				CreatedAt:           time.Now(),
			}).Error; err != nil {
				return fmt.Errorf("failed to create owner membership: %w", err)
			}
		} else {
			if err := tx.Model(&existing).Update("access_level", model.AccessLevelOwner).Error; err != nil {
				return fmt.Errorf("failed to promote recipient: %w", err)
			}
		}

		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", t.ConversationGroupID).
			Update("owner_user_id", t.ToUserID).Error; err != nil {
			return fmt.Errorf("failed to update conversation owner: %w", err)
		}

		return tx.Where("id = ?", transferID).Delete(&model.OwnershipTransfer{}).Error
	})
}

func (s *Store) DeleteTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	var t model.OwnershipTransfer
	if err := s.db.WithContext(ctx).Where("id = ?", transferID).First(&t).Error; err != nil {
		return &NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if t.FromUserID != userID && t.ToUserID != userID {
		return &ForbiddenError{}
	}
	return s.db.WithContext(ctx).Where("id = ?", transferID).Delete(&model.OwnershipTransfer{}).Error
}

// --- Access helpers ---

func (s *Store) requireAccess(ctx context.Context, userID string, groupID uuid.UUID, minLevel model.AccessLevel) (model.AccessLevel, error) {
	var m model.ConversationMembership
	result := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", groupID, userID).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return "", fmt.Errorf("failed to check access: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", &ForbiddenError{}
	}
	if !m.AccessLevel.IsAtLeast(minLevel) {
		return "", &ForbiddenError{}
	}
	return m.AccessLevel, nil
}

func (s *Store) getGroupID(ctx context.Context, userID string, conversationID uuid.UUID, minLevel model.AccessLevel) (uuid.UUID, error) {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).First(&conv).Error; err != nil {
		return uuid.Nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, minLevel); err != nil {
		return uuid.Nil, err
	}
	return conv.ConversationGroupID, nil
}
