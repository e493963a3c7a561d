package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Admin operations bypass membership checks and can see soft-deleted rows.

func (s *Store) AdminListConversations(ctx context.Context, query registrystore.AdminConversationQuery) ([]registrystore.ConversationSummary, *string, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	tx := s.db.WithContext(ctx).
		Table("conversations c").
		Select("c.id, c.title, c.owner_user_id, c.metadata, c.conversation_group_id, c.forked_at_entry_id, c.forked_at_conversation_id, c.created_at, c.updated_at, c.deleted_at, 'owner' as access_level")

	switch {
	case query.OnlyDeleted:
		tx = tx.Where("c.deleted_at IS NOT NULL")
	case !query.IncludeDeleted:
		tx = tx.Where("c.deleted_at IS NULL")
	}

	if query.UserID != nil {
		tx = tx.Where("c.owner_user_id = ?", *query.UserID)
	}
	if query.DeletedAfter != nil {
		tx = tx.Where("c.deleted_at >= ?", *query.DeletedAfter)
	}
	if query.DeletedBefore != nil {
		tx = tx.Where("c.deleted_at < ?", *query.DeletedBefore)
	}

	switch query.Mode {
	case model.ListModeRoots:
		tx = tx.Where("c.forked_at_conversation_id IS NULL")
	case model.ListModeLatestFork:
		tx = tx.Where("c.updated_at = (SELECT MAX(c2.updated_at) FROM conversations c2 WHERE c2.conversation_group_id = c.conversation_group_id)")
	}

	if query.AfterCursor != nil {
		tx = tx.Where("c.created_at > (SELECT created_at FROM conversations WHERE id = ?)", *query.AfterCursor)
	}

	var rows []conversationRow
	if err := tx.Order("c.created_at ASC").Limit(limit + 1).Scan(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
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

func (s *Store) AdminGetConversation(ctx context.Context, conversationID uuid.UUID) (*registrystore.ConversationDetail, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
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
			DeletedAt:              conv.DeletedAt,
			AccessLevel:            model.AccessLevelOwner,
		},
	}, nil
}

func (s *Store) AdminDeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}

	// Soft-delete only; memberships and entries stay so a restore recovers
	// the full conversation.
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ConversationGroup{}).
			Where("id = ? AND deleted_at IS NULL", conv.ConversationGroupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete group: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", conv.ConversationGroupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete conversations: %w", err)
		}
		return nil
	})
}

func (s *Store) AdminRestoreConversation(ctx context.Context, conversationID uuid.UUID) error {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if conv.DeletedAt == nil {
		return &ConflictError{Message: "conversation is not deleted"}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ConversationGroup{}).
			Where("id = ?", conv.ConversationGroupID).
			Update("deleted_at", nil).Error; err != nil {
			return fmt.Errorf("failed to restore group: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ?", conv.ConversationGroupID).
			Update("deleted_at", nil).Error; err != nil {
			return fmt.Errorf("failed to restore conversations: %w", err)
		}
		return nil
	})
}

func (s *Store) AdminGetEntries(ctx context.Context, conversationID uuid.UUID, query registrystore.AdminEntryQuery) (*registrystore.PagedEntries, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []model.Entry
	var err error
	if query.AllForks {
		entries, err = s.listEntriesForGroup(ctx, conv.ConversationGroupID)
		if err != nil {
			return nil, err
		}
	} else {
		ancestry, err := s.buildAncestryStack(ctx, conv)
		if err != nil {
			return nil, err
		}
		allEntries, err := s.listEntriesForGroup(ctx, conv.ConversationGroupID)
		if err != nil {
			return nil, err
		}
		entries = filterEntriesByAncestry(allEntries, ancestry)
	}

	if query.Channel != nil && *query.Channel != "" {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.Channel == *query.Channel {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	entries, cursor := paginateEntries(entries, query.AfterCursor, limit)
	s.decryptEntries(entries)
	return &registrystore.PagedEntries{Data: entries, AfterCursor: cursor}, nil
}

func (s *Store) AdminListMemberships(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return s.listMembershipsForGroup(ctx, conv.ConversationGroupID, afterCursor, limit)
}

func (s *Store) AdminListForks(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]registrystore.ConversationForkSummary, *string, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return s.listForksForGroup(ctx, conv.ConversationGroupID, afterCursor, limit, true)
}

func (s *Store) AdminSearchEntries(ctx context.Context, query registrystore.AdminSearchQuery) (*registrystore.SearchResults, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.dialect.searchRows(ctx, s.db, query.Query, query.UserID, nil, limit)
	if err != nil {
		return nil, err
	}
	results := s.searchRowsToResults(ctx, rows, query.IncludeEntry)
	return &registrystore.SearchResults{Data: results}, nil
}
