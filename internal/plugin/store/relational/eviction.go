package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Store) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&model.ConversationGroup{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find evictable groups: %w", err)
	}
	return ids, nil
}

func (s *Store) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.ConversationGroup{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

func (s *Store) HardDeleteConversationGroups(ctx context.Context, groupIDs []uuid.UUID) error {
	if len(groupIDs) == 0 {
		return nil
	}
	// Dependents go first; the schema has no cascading deletes.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_group_id IN ?", groupIDs).Delete(&model.Entry{}).Error; err != nil {
			return fmt.Errorf("failed to delete entries: %w", err)
		}
		if err := tx.Where("conversation_group_id IN ?", groupIDs).Delete(&model.ConversationMembership{}).Error; err != nil {
			return fmt.Errorf("failed to delete memberships: %w", err)
		}
		if err := tx.Where("conversation_group_id IN ?", groupIDs).Delete(&model.OwnershipTransfer{}).Error; err != nil {
			return fmt.Errorf("failed to delete ownership transfers: %w", err)
		}
		if err := tx.Where("conversation_group_id IN ?", groupIDs).Delete(&model.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversations: %w", err)
		}
		if err := tx.Where("id IN ?", groupIDs).Delete(&model.ConversationGroup{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversation groups: %w", err)
		}
		return nil
	})
}

// EvictSupersededEpochs deletes memory entries whose epoch has been superseded
// by a newer one for the same (conversation, clientId) pair, once the stale
// epoch's newest entry is older than the cutoff. A vector cleanup task is
// enqueued per deleted entry.
func (s *Store) EvictSupersededEpochs(ctx context.Context, cutoff time.Time) (int64, error) {
	type staleRow struct {
		ID                  uuid.UUID `gorm:"column:id"`
		ConversationGroupID uuid.UUID `gorm:"column:conversation_group_id"`
	}
	var stale []staleRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT e.id, e.conversation_group_id
		FROM entries e
		JOIN (
			SELECT conversation_id, client_id, MAX(epoch) AS latest
			FROM entries
			WHERE channel = 'memory' AND client_id IS NOT NULL AND epoch IS NOT NULL
			GROUP BY conversation_id, client_id
		) l ON l.conversation_id = e.conversation_id AND l.client_id = e.client_id
		JOIN (
			SELECT conversation_id, client_id, epoch, MAX(created_at) AS newest
			FROM entries
			WHERE channel = 'memory' AND client_id IS NOT NULL AND epoch IS NOT NULL
			GROUP BY conversation_id, client_id, epoch
		) g ON g.conversation_id = e.conversation_id AND g.client_id = e.client_id AND g.epoch = e.epoch
		WHERE e.channel = 'memory' AND e.epoch IS NOT NULL AND e.epoch < l.latest AND g.newest < ?
	`, cutoff).Scan(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find superseded epochs: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	for _, row := range stale {
		body := map[string]interface{}{
			"entryId":             row.ID.String(),
			"conversationGroupId": row.ConversationGroupID.String(),
		}
		if err := s.CreateTask(ctx, "vector_entry_delete", body); err != nil {
			log.Error("Failed to enqueue vector cleanup task", "err", err, "entryId", row.ID)
		}
	}

	ids := make([]uuid.UUID, len(stale))
	for i, row := range stale {
		ids[i] = row.ID
	}
	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete superseded entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
