package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
)

// BlobDeleter removes attachment blobs from external storage once the last
// metadata reference is gone. May be nil when blob storage is external to
// this deployment.
type BlobDeleter interface {
	Delete(ctx context.Context, storageKey string) error
}

// AttachmentCleanupService deletes expired unlinked attachments.
type AttachmentCleanupService struct {
	store    registrystore.ConversationStore
	blobs    BlobDeleter
	interval time.Duration
}

func NewAttachmentCleanupService(store registrystore.ConversationStore, blobs BlobDeleter, interval time.Duration) *AttachmentCleanupService {
	return &AttachmentCleanupService{
		store:    store,
		blobs:    blobs,
		interval: interval,
	}
}

func (s *AttachmentCleanupService) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *AttachmentCleanupService) cleanupOnce(ctx context.Context) {
	var afterCursor *string
	for {
		attachments, cursor, err := s.store.AdminListAttachments(ctx, registrystore.AdminAttachmentQuery{
			Status:      "expired",
			Limit:       200,
			AfterCursor: afterCursor,
		})
		if err != nil {
			log.Error("Attachment cleanup list failed", "err", err)
			return
		}
		for _, attachment := range attachments {
			// Cleanup only unlinked attachments.
			if attachment.EntryID != nil {
				continue
			}
			if err := s.store.AdminDeleteAttachment(ctx, attachment.ID); err != nil {
				log.Error("Attachment cleanup delete failed", "attachmentId", attachment.ID.String(), "err", err)
				continue
			}
			if s.blobs != nil && attachment.StorageKey != nil && attachment.RefCount <= 1 {
				if err := s.blobs.Delete(ctx, *attachment.StorageKey); err != nil {
					log.Warn("Attachment cleanup blob delete failed", "attachmentId", attachment.ID.String(), "err", err)
				}
			}
		}
		if cursor == nil {
			return
		}
		afterCursor = cursor
	}
}
