package mongo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Admin operations bypass membership checks and can see soft-deleted documents.

func (s *Store) AdminListConversations(ctx context.Context, query registrystore.AdminConversationQuery) ([]registrystore.ConversationSummary, *string, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{}
	switch {
	case query.OnlyDeleted:
		filter["deleted_at"] = bson.M{"$exists": true}
	case !query.IncludeDeleted:
		filter["deleted_at"] = bson.M{"$exists": false}
	}

	if query.UserID != nil {
		filter["owner_user_id"] = *query.UserID
	}
	if query.DeletedAfter != nil || query.DeletedBefore != nil {
		deletedAt := bson.M{"$exists": true}
		if query.DeletedAfter != nil {
			deletedAt["$gte"] = *query.DeletedAfter
		}
		if query.DeletedBefore != nil {
			deletedAt["$lt"] = *query.DeletedBefore
		}
		filter["deleted_at"] = deletedAt
	}

	switch query.Mode {
	case model.ListModeRoots:
		filter["forked_at_conversation_id"] = bson.M{"$exists": false}
	case model.ListModeLatestFork:
		return s.adminListLatestForkConversations(ctx, filter, query.AfterCursor, limit)
	}

	if query.AfterCursor != nil {
		var cursorDoc convDoc
		if err := s.conversations().FindOne(ctx, bson.M{"_id": *query.AfterCursor}).Decode(&cursorDoc); err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	summaries := make([]registrystore.ConversationSummary, len(docs))
	for i, d := range docs {
		summaries[i] = s.convDocToSummary(d, model.AccessLevelOwner)
	}

	var cursor *string
	if hasMore && len(summaries) > 0 {
		c := summaries[len(summaries)-1].ID.String()
		cursor = &c
	}
	return summaries, cursor, nil
}

// adminListLatestForkConversations keeps the most recently updated
// conversation per group; the deleted filter stays as-is so admins can list
// latest forks of deleted conversations too.
func (s *Store) adminListLatestForkConversations(ctx context.Context, filter bson.M, afterCursor *string, limit int) ([]registrystore.ConversationSummary, *string, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "created_at", Value: 1}})
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations (latest-fork): %w", err)
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	seen := map[string]bool{}
	filtered := make([]convDoc, 0, len(docs))
	for _, d := range docs {
		if seen[d.ConversationGroupID] {
			continue
		}
		seen[d.ConversationGroupID] = true
		filtered = append(filtered, d)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.Before(filtered[j].CreatedAt) })

	start := 0
	if afterCursor != nil {
		for i, d := range filtered {
			if d.ID == *afterCursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(filtered) {
		start = len(filtered)
	}
	filtered = filtered[start:]

	hasMore := len(filtered) > limit
	if hasMore {
		filtered = filtered[:limit]
	}

	summaries := make([]registrystore.ConversationSummary, len(filtered))
	for i, d := range filtered {
		summaries[i] = s.convDocToSummary(d, model.AccessLevelOwner)
	}

	var cursor *string
	if hasMore && len(summaries) > 0 {
		c := summaries[len(summaries)-1].ID.String()
		cursor = &c
	}
	return summaries, cursor, nil
}

func (s *Store) AdminGetConversation(ctx context.Context, conversationID uuid.UUID) (*registrystore.ConversationDetail, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return &registrystore.ConversationDetail{ConversationSummary: s.convDocToSummary(doc, model.AccessLevelOwner)}, nil
}

func (s *Store) AdminDeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&doc)
	if err != nil {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}

	// Soft-delete only; memberships and entries stay so a restore recovers
	// the full conversation.
	now := time.Now()
	if _, err := s.groups().UpdateOne(ctx,
		bson.M{"_id": doc.ConversationGroupID, "deleted_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deleted_at": now}},
	); err != nil {
		return fmt.Errorf("failed to soft-delete group: %w", err)
	}
	if _, err := s.conversations().UpdateMany(ctx,
		bson.M{"conversation_group_id": doc.ConversationGroupID, "deleted_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deleted_at": now}},
	); err != nil {
		return fmt.Errorf("failed to soft-delete conversations: %w", err)
	}
	return nil
}

func (s *Store) AdminRestoreConversation(ctx context.Context, conversationID uuid.UUID) error {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&doc)
	if err != nil {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if doc.DeletedAt == nil {
		return &registrystore.ConflictError{Message: "conversation is not deleted"}
	}

	if _, err := s.groups().UpdateOne(ctx,
		bson.M{"_id": doc.ConversationGroupID},
		bson.M{"$unset": bson.M{"deleted_at": ""}},
	); err != nil {
		return fmt.Errorf("failed to restore group: %w", err)
	}
	if _, err := s.conversations().UpdateMany(ctx,
		bson.M{"conversation_group_id": doc.ConversationGroupID},
		bson.M{"$unset": bson.M{"deleted_at": ""}},
	); err != nil {
		return fmt.Errorf("failed to restore conversations: %w", err)
	}
	return nil
}

func (s *Store) AdminGetEntries(ctx context.Context, conversationID uuid.UUID, query registrystore.AdminEntryQuery) (*registrystore.PagedEntries, error) {
	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&conv)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []model.Entry
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
	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&conv)
	if err != nil {
		return nil, nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return s.listMembershipsForGroup(ctx, conv.ConversationGroupID, afterCursor, limit)
}

func (s *Store) AdminListForks(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]registrystore.ConversationForkSummary, *string, error) {
	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&conv)
	if err != nil {
		return nil, nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return s.listForksForGroup(ctx, conv.ConversationGroupID, afterCursor, limit, true)
}

func (s *Store) AdminSearchEntries(ctx context.Context, query registrystore.AdminSearchQuery) (*registrystore.SearchResults, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{"$text": bson.M{"$search": query.Query}}
	if query.UserID != nil {
		// Scope to conversations owned by the user.
		cur, err := s.conversations().Find(ctx, bson.M{"owner_user_id": *query.UserID}, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return nil, fmt.Errorf("failed to find owned conversations: %w", err)
		}
		var owned []convDoc
		if err := cur.All(ctx, &owned); err != nil {
			return nil, fmt.Errorf("failed to decode owned conversations: %w", err)
		}
		ids := make([]string, len(owned))
		for i, c := range owned {
			ids[i] = c.ID
		}
		if len(ids) == 0 {
			return &registrystore.SearchResults{Data: []registrystore.SearchResult{}}, nil
		}
		filter["conversation_id"] = bson.M{"$in": ids}
	}

	opts := options.Find().
		SetProjection(bson.M{
			"score":                 bson.M{"$meta": "textScore"},
			"_id":                   1,
			"conversation_id":       1,
			"conversation_group_id": 1,
			"user_id":               1,
			"client_id":             1,
			"channel":               1,
			"epoch":                 1,
			"content_type":          1,
			"content":               1,
			"indexed_content":       1,
			"indexed_at":            1,
			"created_at":            1,
		}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(int64(limit))

	cur, err := s.entries().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("admin search failed: %w", err)
	}
	var docs []entrySearchDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	results := s.searchDocsToResults(ctx, docs, query.IncludeEntry)
	return &registrystore.SearchResults{Data: results}, nil
}
