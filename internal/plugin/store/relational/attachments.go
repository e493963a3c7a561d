package relational

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Store) CreateAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachment model.Attachment) (*model.Attachment, error) {
	// conversationID == uuid.Nil creates an unlinked attachment owned by the
	// uploader; it gets linked to an entry later.
	if conversationID != uuid.Nil {
		if _, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelWriter); err != nil {
			return nil, err
		}
	}

	attachment.ID = uuid.New()
	attachment.UserID = userID
	if attachment.Status == "" {
		attachment.Status = "ready"
	}
	attachment.CreatedAt = time.Now()
	attachment.DeletedAt = nil

	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		return nil, fmt.Errorf("failed to create attachment: %w", err)
	}
	return &attachment, nil
}

func (s *Store) UpdateAttachment(ctx context.Context, userID string, attachmentID uuid.UUID, update registrystore.AttachmentUpdate) (*model.Attachment, error) {
	var attachment model.Attachment
	result := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", attachmentID).Limit(1).Find(&attachment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	if attachment.UserID != userID {
		return nil, &ForbiddenError{}
	}

	values := map[string]interface{}{}
	if update.StorageKey != nil {
		values["storage_key"] = *update.StorageKey
	}
	if update.Filename != nil {
		values["filename"] = *update.Filename
	}
	if update.ContentType != nil {
		values["content_type"] = *update.ContentType
	}
	if update.Size != nil {
		values["size"] = *update.Size
	}
	if update.SHA256 != nil {
		values["sha256"] = *update.SHA256
	}
	if update.Status != nil {
		values["status"] = *update.Status
	}
	if update.SourceURL != nil {
		values["source_url"] = *update.SourceURL
	}
	if update.ExpiresAt != nil {
		values["expires_at"] = *update.ExpiresAt
	}
	if update.EntryID != nil {
		values["entry_id"] = *update.EntryID
	}
	if len(values) == 0 {
		return &attachment, nil
	}

	if err := s.db.WithContext(ctx).Model(&model.Attachment{}).Where("id = ?", attachmentID).Updates(values).Error; err != nil {
		return nil, fmt.Errorf("failed to update attachment: %w", err)
	}

	if err := s.db.WithContext(ctx).Where("id = ?", attachmentID).First(&attachment).Error; err != nil {
		return nil, fmt.Errorf("failed to reload attachment: %w", err)
	}
	return &attachment, nil
}

func (s *Store) ListAttachments(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Attachment, *string, error) {
	if limit <= 0 {
		limit = 50
	}

	tx := s.db.WithContext(ctx).Where("deleted_at IS NULL").Order("created_at ASC")
	if conversationID == uuid.Nil {
		// Unlinked attachments are private to the uploader.
		tx = tx.Where("user_id = ? AND entry_id IS NULL", userID)
	} else {
		groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelReader)
		if err != nil {
			return nil, nil, err
		}
		tx = tx.Where("entry_id IN (SELECT id FROM entries WHERE conversation_id = ? AND conversation_group_id = ?)", conversationID, groupID)
	}

	if afterCursor != nil {
		tx = tx.Where("created_at > (SELECT created_at FROM attachments WHERE id = ?)", *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var attachments []model.Attachment
	if err := tx.Find(&attachments).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	hasMore := len(attachments) > limit
	if hasMore {
		attachments = attachments[:limit]
	}
	var cursor *string
	if hasMore && len(attachments) > 0 {
		c := attachments[len(attachments)-1].ID.String()
		cursor = &c
	}
	return attachments, cursor, nil
}

func (s *Store) GetAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) (*model.Attachment, error) {
	var attachment model.Attachment
	result := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", attachmentID).Limit(1).Find(&attachment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}

	if attachment.EntryID == nil {
		// Unlinked: only the uploader may see it.
		if attachment.UserID != userID {
			return nil, &ForbiddenError{}
		}
		return &attachment, nil
	}

	// Linked: readable by anyone with reader access to the entry's group.
	tx := s.db.WithContext(ctx).Where("id = ?", *attachment.EntryID)
	if conversationID != uuid.Nil {
		tx = tx.Where("conversation_id = ?", conversationID)
	}
	var entries []model.Entry
	if err := tx.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve attachment entry: %w", err)
	}
	if len(entries) == 0 {
		if attachment.UserID == userID {
			return &attachment, nil
		}
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}

	sawForbidden := false
	for _, entry := range entries {
		if _, err := s.requireAccess(ctx, userID, entry.ConversationGroupID, model.AccessLevelReader); err == nil {
			return &attachment, nil
		} else if registrystore.IsForbidden(err) {
			sawForbidden = true
		}
	}
	if sawForbidden {
		return nil, &ForbiddenError{}
	}
	return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
}

func (s *Store) DeleteAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) error {
	attachment, err := s.GetAttachment(ctx, userID, conversationID, attachmentID)
	if err != nil {
		return err
	}
	if attachment.UserID != userID {
		return &ForbiddenError{}
	}
	if attachment.EntryID != nil {
		return &ConflictError{Message: "linked attachments cannot be deleted"}
	}
	return s.db.WithContext(ctx).Where("id = ?", attachmentID).Delete(&model.Attachment{}).Error
}

// --- Admin attachment operations ---

func (s *Store) AdminListAttachments(ctx context.Context, query registrystore.AdminAttachmentQuery) ([]registrystore.AdminAttachment, *string, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	tx := s.db.WithContext(ctx).
		Table("attachments AS a").
		Select("a.*, (SELECT COUNT(*) FROM attachments a2 WHERE a2.storage_key = a.storage_key AND a2.deleted_at IS NULL) AS ref_count").
		Where("a.deleted_at IS NULL")

	if query.UserID != nil {
		tx = tx.Where("a.user_id = ?", *query.UserID)
	}
	if query.EntryID != nil {
		tx = tx.Where("a.entry_id = ?", *query.EntryID)
	}
	switch query.Status {
	case "linked":
		tx = tx.Where("a.entry_id IS NOT NULL")
	case "unlinked":
		tx = tx.Where("a.entry_id IS NULL")
	case "expired":
		tx = tx.Where("a.expires_at IS NOT NULL AND a.expires_at < ?", time.Now())
	case "", "all":
	default:
		return nil, nil, &ValidationError{Field: "status", Message: "expected linked, unlinked, expired, or all"}
	}

	if query.AfterCursor != nil {
		tx = tx.Where("a.created_at > (SELECT created_at FROM attachments WHERE id = ?)", *query.AfterCursor)
	}
	tx = tx.Order("a.created_at ASC, a.id ASC").Limit(limit + 1)

	var attachments []registrystore.AdminAttachment
	if err := tx.Scan(&attachments).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	hasMore := len(attachments) > limit
	if hasMore {
		attachments = attachments[:limit]
	}
	var cursor *string
	if hasMore && len(attachments) > 0 {
		c := attachments[len(attachments)-1].ID.String()
		cursor = &c
	}
	return attachments, cursor, nil
}

func (s *Store) AdminGetAttachment(ctx context.Context, attachmentID uuid.UUID) (*registrystore.AdminAttachment, error) {
	var attachment registrystore.AdminAttachment
	err := s.db.WithContext(ctx).
		Table("attachments AS a").
		Select("a.*, (SELECT COUNT(*) FROM attachments a2 WHERE a2.storage_key = a.storage_key AND a2.deleted_at IS NULL) AS ref_count").
		Where("a.id = ?", attachmentID).
		Take(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
		}
		return nil, err
	}
	return &attachment, nil
}

func (s *Store) AdminGetAttachmentByStorageKey(ctx context.Context, storageKey string) (*registrystore.AdminAttachment, error) {
	var attachment registrystore.AdminAttachment
	err := s.db.WithContext(ctx).
		Table("attachments AS a").
		Select("a.*, (SELECT COUNT(*) FROM attachments a2 WHERE a2.storage_key = a.storage_key AND a2.deleted_at IS NULL) AS ref_count").
		Where("a.storage_key = ? AND a.deleted_at IS NULL", storageKey).
		Take(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "attachment", ID: storageKey}
		}
		return nil, err
	}
	return &attachment, nil
}

func (s *Store) AdminDeleteAttachment(ctx context.Context, attachmentID uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", attachmentID).Delete(&model.Attachment{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return nil
}
