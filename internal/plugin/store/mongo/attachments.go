package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func attachmentToDoc(a model.Attachment) attachmentDoc {
	return attachmentDoc{
		ID:          uuidToStr(a.ID),
		StorageKey:  a.StorageKey,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		SHA256:      a.SHA256,
		UserID:      a.UserID,
		EntryID:     ptrUUIDToStr(a.EntryID),
		Status:      a.Status,
		SourceURL:   a.SourceURL,
		ExpiresAt:   a.ExpiresAt,
		CreatedAt:   a.CreatedAt,
		DeletedAt:   a.DeletedAt,
	}
}

func attachmentDocToModel(d attachmentDoc) model.Attachment {
	return model.Attachment{
		ID:          strToUUID(d.ID),
		StorageKey:  d.StorageKey,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Size:        d.Size,
		SHA256:      d.SHA256,
		UserID:      d.UserID,
		EntryID:     ptrStrToUUID(d.EntryID),
		Status:      d.Status,
		SourceURL:   d.SourceURL,
		ExpiresAt:   d.ExpiresAt,
		CreatedAt:   d.CreatedAt,
		DeletedAt:   d.DeletedAt,
	}
}

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

	if _, err := s.attachments().InsertOne(ctx, attachmentToDoc(attachment)); err != nil {
		return nil, fmt.Errorf("failed to create attachment: %w", err)
	}
	return &attachment, nil
}

func (s *Store) UpdateAttachment(ctx context.Context, userID string, attachmentID uuid.UUID, update registrystore.AttachmentUpdate) (*model.Attachment, error) {
	var doc attachmentDoc
	err := s.attachments().FindOne(ctx, bson.M{
		"_id":        uuidToStr(attachmentID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	if doc.UserID != userID {
		return nil, &registrystore.ForbiddenError{}
	}

	sets := bson.M{}
	if update.StorageKey != nil {
		sets["storage_key"] = *update.StorageKey
	}
	if update.Filename != nil {
		sets["filename"] = *update.Filename
	}
	if update.ContentType != nil {
		sets["content_type"] = *update.ContentType
	}
	if update.Size != nil {
		sets["size"] = *update.Size
	}
	if update.SHA256 != nil {
		sets["sha256"] = *update.SHA256
	}
	if update.Status != nil {
		sets["status"] = *update.Status
	}
	if update.SourceURL != nil {
		sets["source_url"] = *update.SourceURL
	}
	if update.ExpiresAt != nil {
		sets["expires_at"] = *update.ExpiresAt
	}
	if update.EntryID != nil {
		sets["entry_id"] = uuidToStr(*update.EntryID)
	}
	if len(sets) == 0 {
		attachment := attachmentDocToModel(doc)
		return &attachment, nil
	}

	if _, err := s.attachments().UpdateByID(ctx, uuidToStr(attachmentID), bson.M{"$set": sets}); err != nil {
		return nil, fmt.Errorf("failed to update attachment: %w", err)
	}

	if err := s.attachments().FindOne(ctx, bson.M{"_id": uuidToStr(attachmentID)}).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to reload attachment: %w", err)
	}
	attachment := attachmentDocToModel(doc)
	return &attachment, nil
}

func (s *Store) ListAttachments(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Attachment, *string, error) {
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{"deleted_at": bson.M{"$exists": false}}
	if conversationID == uuid.Nil {
		// Unlinked attachments are private to the uploader.
		filter["user_id"] = userID
		filter["entry_id"] = bson.M{"$exists": false}
	} else {
		groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelReader)
		if err != nil {
			return nil, nil, err
		}
		cur, err := s.entries().Find(ctx, bson.M{
			"conversation_id":       uuidToStr(conversationID),
			"conversation_group_id": groupID,
		}, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list conversation entries: %w", err)
		}
		var entryDocs []entryDoc
		if err := cur.All(ctx, &entryDocs); err != nil {
			return nil, nil, fmt.Errorf("failed to decode conversation entries: %w", err)
		}
		entryIDs := make([]string, len(entryDocs))
		for i, e := range entryDocs {
			entryIDs[i] = e.ID
		}
		filter["entry_id"] = bson.M{"$in": entryIDs}
	}

	if afterCursor != nil {
		var cursorDoc attachmentDoc
		if err := s.attachments().FindOne(ctx, bson.M{"_id": *afterCursor}).Decode(&cursorDoc); err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.attachments().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	var docs []attachmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode attachments: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	attachments := make([]model.Attachment, len(docs))
	for i, d := range docs {
		attachments[i] = attachmentDocToModel(d)
	}

	var cursor *string
	if hasMore && len(attachments) > 0 {
		c := attachments[len(attachments)-1].ID.String()
		cursor = &c
	}
	return attachments, cursor, nil
}

func (s *Store) GetAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) (*model.Attachment, error) {
	var doc attachmentDoc
	err := s.attachments().FindOne(ctx, bson.M{
		"_id":        uuidToStr(attachmentID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	attachment := attachmentDocToModel(doc)

	if attachment.EntryID == nil {
		// Unlinked: only the uploader may see it.
		if attachment.UserID != userID {
			return nil, &registrystore.ForbiddenError{}
		}
		return &attachment, nil
	}

	// Linked: readable by anyone with reader access to the entry's group.
	entryFilter := bson.M{"_id": uuidToStr(*attachment.EntryID)}
	if conversationID != uuid.Nil {
		entryFilter["conversation_id"] = uuidToStr(conversationID)
	}
	var entry entryDoc
	if err := s.entries().FindOne(ctx, entryFilter).Decode(&entry); err != nil {
		if attachment.UserID == userID {
			return &attachment, nil
		}
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, entry.ConversationGroupID, model.AccessLevelReader); err != nil {
		return nil, err
	}
	return &attachment, nil
}

func (s *Store) DeleteAttachment(ctx context.Context, userID string, conversationID uuid.UUID, attachmentID uuid.UUID) error {
	attachment, err := s.GetAttachment(ctx, userID, conversationID, attachmentID)
	if err != nil {
		return err
	}
	if attachment.UserID != userID {
		return &registrystore.ForbiddenError{}
	}
	if attachment.EntryID != nil {
		return &registrystore.ConflictError{Message: "linked attachments cannot be deleted"}
	}
	_, err = s.attachments().DeleteOne(ctx, bson.M{"_id": uuidToStr(attachmentID)})
	return err
}

// --- Admin attachment operations ---

func (s *Store) AdminListAttachments(ctx context.Context, query registrystore.AdminAttachmentQuery) ([]registrystore.AdminAttachment, *string, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{"deleted_at": bson.M{"$exists": false}}
	if query.UserID != nil {
		filter["user_id"] = *query.UserID
	}
	if query.EntryID != nil {
		filter["entry_id"] = uuidToStr(*query.EntryID)
	}
	switch query.Status {
	case "linked":
		filter["entry_id"] = bson.M{"$exists": true, "$ne": nil}
	case "unlinked":
		filter["entry_id"] = bson.M{"$exists": false}
	case "expired":
		filter["expires_at"] = bson.M{"$exists": true, "$lt": time.Now()}
	case "", "all":
	default:
		return nil, nil, &registrystore.ValidationError{Field: "status", Message: "expected linked, unlinked, expired, or all"}
	}

	if query.AfterCursor != nil {
		var cursorDoc attachmentDoc
		if err := s.attachments().FindOne(ctx, bson.M{"_id": *query.AfterCursor}).Decode(&cursorDoc); err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.attachments().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	var docs []attachmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode attachments: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	attachments := make([]registrystore.AdminAttachment, len(docs))
	for i, d := range docs {
		attachments[i] = registrystore.AdminAttachment{
			Attachment: attachmentDocToModel(d),
			RefCount:   s.attachmentRefCount(ctx, d.StorageKey),
		}
	}

	var cursor *string
	if hasMore && len(attachments) > 0 {
		c := attachments[len(attachments)-1].ID.String()
		cursor = &c
	}
	return attachments, cursor, nil
}

// attachmentRefCount counts live attachments sharing a storage key.
func (s *Store) attachmentRefCount(ctx context.Context, storageKey *string) int64 {
	if storageKey == nil {
		return 0
	}
	count, err := s.attachments().CountDocuments(ctx, bson.M{
		"storage_key": *storageKey,
		"deleted_at":  bson.M{"$exists": false},
	})
	if err != nil {
		return 0
	}
	return count
}

func (s *Store) AdminGetAttachment(ctx context.Context, attachmentID uuid.UUID) (*registrystore.AdminAttachment, error) {
	var doc attachmentDoc
	err := s.attachments().FindOne(ctx, bson.M{"_id": uuidToStr(attachmentID)}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return &registrystore.AdminAttachment{
		Attachment: attachmentDocToModel(doc),
		RefCount:   s.attachmentRefCount(ctx, doc.StorageKey),
	}, nil
}

func (s *Store) AdminGetAttachmentByStorageKey(ctx context.Context, storageKey string) (*registrystore.AdminAttachment, error) {
	var doc attachmentDoc
	err := s.attachments().FindOne(ctx, bson.M{
		"storage_key": storageKey,
		"deleted_at":  bson.M{"$exists": false},
	}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: storageKey}
	}
	return &registrystore.AdminAttachment{
		Attachment: attachmentDocToModel(doc),
		RefCount:   s.attachmentRefCount(ctx, doc.StorageKey),
	}, nil
}

func (s *Store) AdminDeleteAttachment(ctx context.Context, attachmentID uuid.UUID) error {
	result, err := s.attachments().DeleteOne(ctx, bson.M{"_id": uuidToStr(attachmentID)})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return nil
}
