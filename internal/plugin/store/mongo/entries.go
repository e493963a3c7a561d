package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/metrics"
	"github.com/chirino/conversation-store/internal/model"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func (s *Store) GetEntries(ctx context.Context, userID string, conversationID uuid.UUID, afterEntryID *string, limit int, channel *model.Channel, epochFilter *registrystore.MemoryEpochFilter, clientID *string, allForks bool) (*registrystore.PagedEntries, error) {
	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&conv)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelReader); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	} else if limit > 200 {
		limit = 200
	}

	// channel==nil means "all channels".
	var effectiveChannel model.Channel
	if channel != nil {
		effectiveChannel = *channel
	}

	if effectiveChannel == model.ChannelMemory && clientID == nil {
		return nil, &registrystore.ForbiddenError{}
	}

	if allForks {
		entries, err := s.listEntriesForGroup(ctx, conv.ConversationGroupID)
		if err != nil {
			return nil, err
		}
		entries = filterEntriesForAllForks(entries, effectiveChannel, clientID, epochFilter)
		entries, cursor := paginateEntries(entries, afterEntryID, limit)
		s.decryptEntries(entries)
		return &registrystore.PagedEntries{Data: entries, AfterCursor: cursor}, nil
	}

	ancestry, err := s.buildAncestryStack(ctx, conv)
	if err != nil {
		return nil, err
	}

	var filtered []model.Entry
	if effectiveChannel == model.ChannelMemory {
		// Memory-only: filter by epoch/clientID; the cache serves the common
		// latest-epoch case.
		if epochFilter == nil || epochFilter.Mode == registrystore.MemoryEpochModeLatest {
			filtered, err = s.fetchLatestMemoryEntries(ctx, conv, ancestry, *clientID)
			if err != nil {
				return nil, err
			}
		} else {
			allEntries, err := s.listEntriesForGroup(ctx, conv.ConversationGroupID)
			if err != nil {
				return nil, err
			}
			filtered = filterMemoryEntriesWithEpoch(allEntries, ancestry, *clientID, epochFilter)
		}
	} else {
		allEntries, err := s.listEntriesForGroup(ctx, conv.ConversationGroupID)
		if err != nil {
			return nil, err
		}
		filtered = filterEntriesByAncestry(allEntries, ancestry)
		if effectiveChannel != "" {
			tmp := filtered[:0]
			for _, entry := range filtered {
				if entry.Channel == effectiveChannel {
					tmp = append(tmp, entry)
				}
			}
			filtered = tmp
		}
	}

	filtered, cursor := paginateEntries(filtered, afterEntryID, limit)
	s.decryptEntries(filtered)
	return &registrystore.PagedEntries{Data: filtered, AfterCursor: cursor}, nil
}

func (s *Store) GetEntryGroupID(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error) {
	var doc entryDoc
	err := s.entries().FindOne(ctx, bson.M{"_id": uuidToStr(entryID)}).Decode(&doc)
	if err != nil {
		return uuid.Nil, &registrystore.NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	return strToUUID(doc.ConversationGroupID), nil
}

func (s *Store) AppendEntries(ctx context.Context, userID string, conversationID uuid.UUID, entries []registrystore.CreateEntryRequest, clientID *string, epoch *int64) ([]model.Entry, error) {
	for _, req := range entries {
		normalized := req
		normalized.Channel = strings.ToLower(req.Channel)
		if normalized.Channel == "" {
			normalized.Channel = string(model.ChannelHistory)
		}
		if err := registrystore.ValidateEntryRequest(normalized, clientID, epoch); err != nil {
			return nil, err
		}
	}

	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&conv)
	if err != nil {
		// Auto-create with the client-chosen ID; the first entry request may
		// carry fork metadata.
		var forkedAtConvID *uuid.UUID
		var forkedAtEntryID *uuid.UUID
		if len(entries) > 0 {
			forkedAtConvID = entries[0].ForkedAtConversationID
			forkedAtEntryID = entries[0].ForkedAtEntryID
		}

		title := inferTitleFromEntries(entries)
		detail, err := s.createConversation(ctx, userID, conversationID, title, nil, forkedAtConvID, forkedAtEntryID)
		if err != nil {
			return nil, err
		}
		conv = convDoc{
			ID:                     uuidToStr(detail.ID),
			OwnerUserID:            detail.OwnerUserID,
			ConversationGroupID:    uuidToStr(detail.ConversationGroupID),
			ForkedAtConversationID: ptrUUIDToStr(detail.ForkedAtConversationID),
			ForkedAtEntryID:        ptrUUIDToStr(detail.ForkedAtEntryID),
			CreatedAt:              detail.CreatedAt,
			UpdatedAt:              detail.UpdatedAt,
		}
		if detail.Title != "" {
			encTitle, err := s.codec.Encrypt([]byte(detail.Title))
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt title: %w", err)
			}
			conv.Title = encTitle
		}
	}
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	now := time.Now()
	result := make([]model.Entry, len(entries))
	appendedHistory := false
	docs := make([]interface{}, 0, len(entries))

	for i, req := range entries {
		ch := model.Channel(strings.ToLower(req.Channel))
		if ch == "" {
			ch = model.ChannelHistory
		}
		if ch == model.ChannelHistory {
			appendedHistory = true
		}

		// Auto-assign epoch=1 for memory entries when no epoch specified.
		entryEpoch := epoch
		if ch == model.ChannelMemory && entryEpoch == nil {
			var one int64 = 1
			entryEpoch = &one
		}

		encContent, err := s.codec.Encrypt(req.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt entry content: %w", err)
		}
		// Every entry of one append shares a timestamp; time-ordered V7
		// IDs break the tie in insertion order.
		entryID := uuid.Must(uuid.NewV7())
		doc := entryDoc{
			ID:                  uuidToStr(entryID),
			ConversationID:      uuidToStr(conversationID),
			ConversationGroupID: conv.ConversationGroupID,
			UserID:              &userID,
			ClientID:            clientID,
			Channel:             string(ch),
			Epoch:               entryEpoch,
			ContentType:         req.ContentType,
			Content:             encContent,
			IndexedContent:      req.IndexedContent,
			CreatedAt:           now,
		}
		docs = append(docs, doc)

		entry := entryDocToModel(doc)
		entry.Content = req.Content // return unencrypted
		result[i] = entry
	}

	if len(docs) > 0 {
		if _, err := s.entries().InsertMany(ctx, docs); err != nil {
			return nil, fmt.Errorf("failed to append entries: %w", err)
		}
	}

	// Derive conversation title from the first history entry if unset.
	if len(conv.Title) == 0 {
		for _, e := range result {
			if e.Channel == model.ChannelHistory {
				if title := deriveTitleFromContent(string(e.Content)); title != "" {
					encTitle, err := s.codec.Encrypt([]byte(title))
					if err != nil {
						return nil, fmt.Errorf("failed to encrypt title: %w", err)
					}
					if _, err := s.conversations().UpdateByID(ctx, uuidToStr(conversationID), bson.M{"$set": bson.M{"title": encTitle}}); err != nil {
						return nil, fmt.Errorf("failed to set derived title: %w", err)
					}
				}
				break
			}
		}
	}

	// updatedAt only moves when visible history changed.
	if appendedHistory {
		if _, err := s.conversations().UpdateByID(ctx, uuidToStr(conversationID), bson.M{"$set": bson.M{"updated_at": now}}); err != nil {
			return nil, fmt.Errorf("failed to touch conversation: %w", err)
		}
	}

	// Keep the latest-epoch cache warm after memory appends.
	if clientID != nil {
		for _, e := range result {
			if e.Channel == model.ChannelMemory {
				if ancestry, err := s.buildAncestryStack(ctx, conv); err == nil {
					s.warmEntriesCache(ctx, conv, ancestry, *clientID)
				}
				break
			}
		}
	}

	return result, nil
}

// inferTitleFromEntries derives a title from the first history entry in the list.
func inferTitleFromEntries(entries []registrystore.CreateEntryRequest) string {
	for _, e := range entries {
		ch := strings.ToLower(e.Channel)
		if ch == "" || ch == string(model.ChannelHistory) {
			if title := deriveTitleFromContent(string(e.Content)); title != "" {
				return title
			}
		}
	}
	return ""
}

// deriveTitleFromContent extracts text from the first content object,
// collapses whitespace, and truncates to 40 characters.
func deriveTitleFromContent(content string) string {
	var arr []map[string]any
	if err := json.Unmarshal([]byte(content), &arr); err != nil || len(arr) == 0 {
		var obj map[string]any
		if err := json.Unmarshal([]byte(content), &obj); err != nil {
			return ""
		}
		arr = []map[string]any{obj}
	}
	text, _ := arr[0]["text"].(string)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) > 40 {
		return string(runes[:40])
	}
	return text
}

func (s *Store) SyncMemoryEntry(ctx context.Context, userID string, conversationID uuid.UUID, entry registrystore.CreateEntryRequest, clientID string) (*registrystore.SyncResult, error) {
	if clientID == "" {
		return nil, &registrystore.ValidationError{Field: "clientId", Message: "required for memory sync"}
	}

	// Serialize syncs per (conversation, client) so concurrent divergent
	// syncs cannot mint the same epoch twice.
	unlock := s.syncLocks.Lock(conversationID.String() + "/" + clientID)
	defer unlock()

	incomingContent := parseContentArray(entry.Content)

	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&conv)
	if err != nil {
		// Auto-create when the conversation does not exist and content is
		// non-empty.
		if len(incomingContent) == 0 {
			return &registrystore.SyncResult{NoOp: true}, nil
		}
		conv, err = s.autoCreateConversation(ctx, userID, conversationID)
		if err != nil {
			return nil, err
		}
	}
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	ancestry, err := s.buildAncestryStack(ctx, conv)
	if err != nil {
		return nil, err
	}
	latestEpochEntries, err := s.fetchLatestMemoryEntries(ctx, conv, ancestry, clientID)
	if err != nil {
		return nil, err
	}

	existingContent := s.flattenMemoryContent(latestEpochEntries)
	sameContentType := contentTypeMatches(latestEpochEntries, entry.ContentType)

	var latestEpoch *int64
	for _, existing := range latestEpochEntries {
		if existing.Epoch == nil {
			continue
		}
		if latestEpoch == nil || *existing.Epoch > *latestEpoch {
			v := *existing.Epoch
			latestEpoch = &v
		}
	}

	// Empty incoming on empty existing: nothing to do.
	if len(incomingContent) == 0 && len(existingContent) == 0 {
		return &registrystore.SyncResult{NoOp: true, Epoch: latestEpoch}, nil
	}

	// No-op when incoming matches existing exactly.
	if sameContentType && reflect.DeepEqual(existingContent, incomingContent) {
		return &registrystore.SyncResult{NoOp: true, Epoch: latestEpoch}, nil
	}

	appendContent := entry.Content
	var epochToUse int64
	epochIncremented := false
	if latestEpoch != nil {
		epochToUse = *latestEpoch
	} else {
		epochToUse = 1
	}

	if len(incomingContent) == 0 {
		// Empty sync clears memory: new epoch with empty content.
		if latestEpoch != nil {
			epochToUse = *latestEpoch + 1
			epochIncremented = true
		}
		appendContent = json.RawMessage("[]")
	} else if sameContentType && isPrefixContent(existingContent, incomingContent) {
		// A delta only extends the epoch when the content type is unchanged;
		// a content-type switch restates under a new epoch below.
		delta := incomingContent[len(existingContent):]
		if len(delta) == 0 {
			return &registrystore.SyncResult{NoOp: true, Epoch: latestEpoch}, nil
		}
		appendContent = marshalContentArray(delta)
	} else {
		// Divergence from the latest epoch: restate everything in a new epoch.
		if latestEpoch != nil {
			epochToUse = *latestEpoch + 1
			epochIncremented = true
		}
		appendContent = marshalContentArray(incomingContent)
	}

	now := time.Now()
	encContent, err := s.codec.Encrypt(appendContent)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt entry content: %w", err)
	}
	doc := entryDoc{
		ID:                  uuidToStr(uuid.Must(uuid.NewV7())),
		ConversationID:      uuidToStr(conversationID),
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              &userID,
		ClientID:            &clientID,
		Channel:             string(model.ChannelMemory),
		Epoch:               &epochToUse,
		ContentType:         entry.ContentType,
		Content:             encContent,
		CreatedAt:           now,
	}
	if _, err := s.entries().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to sync entry: %w", err)
	}
	newEntry := entryDocToModel(doc)
	newEntry.Content = appendContent
	s.warmEntriesCache(ctx, conv, ancestry, clientID)
	return &registrystore.SyncResult{Entry: &newEntry, Epoch: &epochToUse, NoOp: false, EpochIncremented: epochIncremented}, nil
}

// autoCreateConversation creates a conversation with a given ID for sync auto-creation.
func (s *Store) autoCreateConversation(ctx context.Context, userID string, conversationID uuid.UUID) (convDoc, error) {
	now := time.Now()
	groupID := uuidToStr(conversationID)

	if _, err := s.groups().InsertOne(ctx, groupDoc{ID: groupID, CreatedAt: now}); err != nil {
		return convDoc{}, fmt.Errorf("failed to create conversation group: %w", err)
	}
	conv := convDoc{
		ID:                  uuidToStr(conversationID),
		OwnerUserID:         userID,
		Metadata:            map[string]any{},
		ConversationGroupID: groupID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if _, err := s.conversations().InsertOne(ctx, conv); err != nil {
		return convDoc{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	_, err := s.memberships().InsertOne(ctx, memberDoc{
		ConversationGroupID: groupID,
		UserID:              userID,
		AccessLevel:         model.AccessLevelOwner,
		CreatedAt:           now,
	})
	if err != nil {
		return convDoc{}, fmt.Errorf("failed to create membership: %w", err)
	}
	return conv, nil
}

// --- Indexing ---

func (s *Store) IndexEntries(ctx context.Context, entries []registrystore.IndexEntryRequest) (*registrystore.IndexEntriesResponse, error) {
	count := 0
	for _, req := range entries {
		var conv convDoc
		if err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(req.ConversationID)}).Decode(&conv); err != nil {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: req.ConversationID.String()}
		}
		// Only history entries carry indexed content; memory entries never do.
		result, err := s.entries().UpdateOne(ctx,
			bson.M{
				"_id":                   uuidToStr(req.EntryID),
				"channel":               string(model.ChannelHistory),
				"conversation_group_id": conv.ConversationGroupID,
			},
			bson.M{"$set": bson.M{"indexed_content": req.IndexedContent}},
		)
		if err != nil {
			log.Error("Failed to index entry", "err", err, "entryId", req.EntryID)
			continue
		}
		if result.MatchedCount == 0 {
			return nil, &registrystore.NotFoundError{Resource: "entry", ID: req.EntryID.String()}
		}
		count++
	}
	return &registrystore.IndexEntriesResponse{Indexed: count}, nil
}

func (s *Store) ListUnindexedEntries(ctx context.Context, limit int, afterCursor *string) ([]model.Entry, *string, error) {
	filter := bson.M{
		"channel":         string(model.ChannelHistory),
		"indexed_content": bson.M{"$exists": false},
	}
	if afterCursor != nil {
		var cursorDoc entryDoc
		if err := s.entries().FindOne(ctx, bson.M{"_id": *afterCursor}).Decode(&cursorDoc); err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.entries().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list unindexed entries: %w", err)
	}
	var docs []entryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode unindexed entries: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	entries := entryDocsToModels(docs)
	s.decryptEntries(entries)

	var cursor *string
	if hasMore && len(entries) > 0 {
		c := entries[len(entries)-1].ID.String()
		cursor = &c
	}
	return entries, cursor, nil
}

func (s *Store) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	filter := bson.M{
		"indexed_content": bson.M{"$exists": true, "$ne": nil},
		"indexed_at":      bson.M{"$exists": false},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.entries().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find entries pending vector indexing: %w", err)
	}
	var docs []entryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	entries := entryDocsToModels(docs)
	s.decryptEntries(entries)
	return entries, nil
}

func (s *Store) SetIndexedAt(ctx context.Context, entryID uuid.UUID, conversationGroupID uuid.UUID, indexedAt time.Time) error {
	_, err := s.entries().UpdateOne(ctx,
		bson.M{"_id": uuidToStr(entryID), "conversation_group_id": uuidToStr(conversationGroupID)},
		bson.M{"$set": bson.M{"indexed_at": indexedAt}},
	)
	return err
}

// --- Search ---

func (s *Store) ListConversationGroupIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	cur, err := s.memberships().Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to list group IDs: %w", err)
	}
	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode memberships: %w", err)
	}
	seen := map[string]bool{}
	ids := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		if seen[d.ConversationGroupID] {
			continue
		}
		seen[d.ConversationGroupID] = true
		ids = append(ids, strToUUID(d.ConversationGroupID))
	}
	return ids, nil
}

func (s *Store) FetchSearchResultDetails(ctx context.Context, userID string, entryIDs []uuid.UUID, includeEntry bool) ([]registrystore.SearchResult, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	groupIDs, err := s.memberGroupIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		ids[i] = uuidToStr(id)
	}
	cur, err := s.entries().Find(ctx, bson.M{
		"_id":                   bson.M{"$in": ids},
		"conversation_group_id": bson.M{"$in": groupIDs},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch search result details failed: %w", err)
	}
	var docs []entryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}

	results := make([]registrystore.SearchResult, 0, len(docs))
	for _, d := range docs {
		title := s.lookupConversationTitle(ctx, d.ConversationID)
		result := registrystore.SearchResult{
			EntryID:        strToUUID(d.ID),
			ConversationID: strToUUID(d.ConversationID),
		}
		if title != "" {
			result.ConversationTitle = &title
		}
		if d.IndexedContent != nil {
			highlight := extractHighlight(*d.IndexedContent)
			result.Highlights = &highlight
		}
		if includeEntry {
			entry := entryDocToModel(d)
			if decrypted, err := s.codec.Decrypt(entry.Content); err == nil {
				entry.Content = decrypted
			}
			result.Entry = &entry
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Store) memberGroupIDs(ctx context.Context, userID string) ([]string, error) {
	cur, err := s.memberships().Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to find memberships: %w", err)
	}
	var mems []memberDoc
	if err := cur.All(ctx, &mems); err != nil {
		return nil, fmt.Errorf("failed to decode memberships: %w", err)
	}
	groupIDs := make([]string, len(mems))
	for i, m := range mems {
		groupIDs[i] = m.ConversationGroupID
	}
	return groupIDs, nil
}

func (s *Store) SearchEntries(ctx context.Context, userID string, query string, limit int, includeEntry bool) (*registrystore.SearchResults, error) {
	groupIDs, err := s.memberGroupIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return &registrystore.SearchResults{Data: []registrystore.SearchResult{}}, nil
	}

	filter := bson.M{
		"$text":                 bson.M{"$search": query},
		"conversation_group_id": bson.M{"$in": groupIDs},
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
		SetLimit(int64(limit + 1))

	cur, err := s.entries().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	var docs []entrySearchDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	results := s.searchDocsToResults(ctx, docs, includeEntry)

	var cursor *string
	if hasMore && len(results) > 0 {
		c := results[len(results)-1].EntryID.String()
		cursor = &c
	}
	return &registrystore.SearchResults{Data: results, AfterCursor: cursor}, nil
}

func (s *Store) searchDocsToResults(ctx context.Context, docs []entrySearchDoc, includeEntry bool) []registrystore.SearchResult {
	results := make([]registrystore.SearchResult, len(docs))
	for i, d := range docs {
		results[i] = registrystore.SearchResult{
			EntryID:        strToUUID(d.ID),
			ConversationID: strToUUID(d.ConversationID),
			Score:          d.TextScore,
			Kind:           "mongo",
		}
		if title := s.lookupConversationTitle(ctx, d.ConversationID); title != "" {
			results[i].ConversationTitle = &title
		}
		if d.IndexedContent != nil {
			highlight := extractHighlight(*d.IndexedContent)
			results[i].Highlights = &highlight
		}
		if includeEntry {
			entry := entryDocToModel(d.asEntryDoc())
			if decrypted, err := s.codec.Decrypt(entry.Content); err == nil {
				entry.Content = decrypted
			}
			results[i].Entry = &entry
		}
	}
	return results
}

func (s *Store) lookupConversationTitle(ctx context.Context, conversationID string) string {
	var conv convDoc
	if err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv); err != nil {
		return ""
	}
	return s.decryptString(conv.Title)
}

// extractHighlight truncates indexed content to a snippet.
func extractHighlight(content string) string {
	if len(content) > 200 {
		return content[:200] + "..."
	}
	return content
}

// --- Cache helpers ---

// fetchLatestMemoryEntries returns the latest-epoch memory entries for the
// conversation and clientID, using the entries cache as a read-through layer.
func (s *Store) fetchLatestMemoryEntries(ctx context.Context, conv convDoc, ancestry []forkAncestor, clientID string) ([]model.Entry, error) {
	convID := strToUUID(conv.ID)
	if s.entriesCache != nil && s.entriesCache.Available() {
		cached, err := s.entriesCache.Get(ctx, convID, clientID)
		if err == nil && cached != nil {
			if metrics.CacheHitsTotal != nil {
				metrics.CacheHitsTotal.Inc()
			}
			return cached.Entries, nil
		}
	}

	allEntries, err := s.listEntriesForGroup(ctx, conv.ConversationGroupID)
	if err != nil {
		return nil, err
	}
	latestFilter := &registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest}
	entries := filterMemoryEntriesWithEpoch(allEntries, ancestry, clientID, latestFilter)

	if s.entriesCache != nil && s.entriesCache.Available() {
		if metrics.CacheMissesTotal != nil {
			metrics.CacheMissesTotal.Inc()
		}
		if len(entries) > 0 {
			if serr := s.entriesCache.Set(ctx, convID, clientID, registrycache.CachedMemoryEntries{Entries: entries, Epoch: maxEpochOf(entries)}, s.cfg.CacheTTL); serr != nil {
				log.Warn("entries cache set error", "err", serr)
			}
		}
	}
	return entries, nil
}

// warmEntriesCache recomputes latest memory entries from the DB and updates
// the cache. Called after memory writes so reads never see stale epochs.
func (s *Store) warmEntriesCache(ctx context.Context, conv convDoc, ancestry []forkAncestor, clientID string) {
	if s.entriesCache == nil || !s.entriesCache.Available() {
		return
	}
	convID := strToUUID(conv.ID)
	allEntries, err := s.listEntriesForGroup(ctx, conv.ConversationGroupID)
	if err != nil {
		log.Warn("warmEntriesCache: failed to list entries", "err", err)
		return
	}
	latestFilter := &registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest}
	entries := filterMemoryEntriesWithEpoch(allEntries, ancestry, clientID, latestFilter)
	if len(entries) == 0 {
		if rerr := s.entriesCache.Remove(ctx, convID, clientID); rerr != nil {
			log.Warn("warmEntriesCache: cache remove error", "err", rerr)
		}
		return
	}
	if serr := s.entriesCache.Set(ctx, convID, clientID, registrycache.CachedMemoryEntries{Entries: entries, Epoch: maxEpochOf(entries)}, s.cfg.CacheTTL); serr != nil {
		log.Warn("warmEntriesCache: cache set error", "err", serr)
	}
}

func maxEpochOf(entries []model.Entry) *int64 {
	var epoch *int64
	for i := range entries {
		if entries[i].Epoch != nil && (epoch == nil || *entries[i].Epoch > *epoch) {
			epoch = entries[i].Epoch
		}
	}
	return epoch
}

func (s *Store) listEntriesForGroup(ctx context.Context, groupID string) ([]model.Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.entries().Find(ctx, bson.M{"conversation_group_id": groupID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	var docs []entryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return entryDocsToModels(docs), nil
}

func (s *Store) decryptEntries(entries []model.Entry) {
	for i := range entries {
		if decrypted, err := s.codec.Decrypt(entries[i].Content); err == nil {
			entries[i].Content = decrypted
		}
	}
}

func entryDocToModel(d entryDoc) model.Entry {
	return model.Entry{
		ID:                  strToUUID(d.ID),
		ConversationID:      strToUUID(d.ConversationID),
		ConversationGroupID: strToUUID(d.ConversationGroupID),
		UserID:              d.UserID,
		ClientID:            d.ClientID,
		Channel:             model.Channel(d.Channel),
		Epoch:               d.Epoch,
		ContentType:         d.ContentType,
		Content:             d.Content,
		IndexedContent:      d.IndexedContent,
		IndexedAt:           d.IndexedAt,
		CreatedAt:           d.CreatedAt,
	}
}

func entryDocsToModels(docs []entryDoc) []model.Entry {
	entries := make([]model.Entry, len(docs))
	for i, d := range docs {
		entries[i] = entryDocToModel(d)
	}
	return entries
}

// --- Fork ancestry + pure filters ---

type forkAncestor struct {
	ConversationID uuid.UUID
	StopAtEntryID  *uuid.UUID
}

// buildAncestryStack walks the fork chain from the target back to the root
// and returns it root-first. Each element carries the entry ID after which
// reads switch to the next fork (the child's recorded fork point).
func (s *Store) buildAncestryStack(ctx context.Context, target convDoc) ([]forkAncestor, error) {
	cur, err := s.conversations().Find(ctx, bson.M{
		"conversation_group_id": target.ConversationGroupID,
		"deleted_at":            bson.M{"$exists": false},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load fork ancestry: %w", err)
	}
	var conversations []convDoc
	if err := cur.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode fork ancestry: %w", err)
	}

	byID := make(map[string]convDoc, len(conversations))
	for _, conv := range conversations {
		byID[conv.ID] = conv
	}

	stack := make([]forkAncestor, 0, len(conversations))
	current := target
	var stopAt *uuid.UUID

	for {
		stack = append(stack, forkAncestor{
			ConversationID: strToUUID(current.ID),
			StopAtEntryID:  stopAt,
		})

		stopAt = ptrStrToUUID(current.ForkedAtEntryID)
		if current.ForkedAtConversationID == nil {
			break
		}
		parent, ok := byID[*current.ForkedAtConversationID]
		if !ok {
			break
		}
		current = parent
	}

	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack, nil
}

// skipEmptyAncestors advances past non-target ancestors without a stop point:
// a nil stop on an ancestor means the fork started before the ancestor's
// first entry, so the ancestor contributes nothing.
func skipEmptyAncestors(ancestry []forkAncestor, index int) int {
	for index < len(ancestry)-1 && ancestry[index].StopAtEntryID == nil {
		index++
	}
	return index
}

func filterEntriesByAncestry(allEntries []model.Entry, ancestry []forkAncestor) []model.Entry {
	if len(ancestry) == 0 {
		return allEntries
	}

	result := make([]model.Entry, 0, len(allEntries))
	ancestorIndex := skipEmptyAncestors(ancestry, 0)
	current := ancestry[ancestorIndex]
	isTarget := ancestorIndex == len(ancestry)-1

	for _, entry := range allEntries {
		if entry.ConversationID != current.ConversationID {
			continue
		}

		result = append(result, entry)
		if !isTarget && entry.ID == *current.StopAtEntryID {
			ancestorIndex = skipEmptyAncestors(ancestry, ancestorIndex+1)
			current = ancestry[ancestorIndex]
			isTarget = ancestorIndex == len(ancestry)-1
		}
	}
	return result
}

func normalizeEpochFilter(filter *registrystore.MemoryEpochFilter) registrystore.MemoryEpochFilter {
	if filter == nil || filter.Mode == "" {
		return registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest}
	}
	return *filter
}

func filterEntriesForAllForks(entries []model.Entry, channel model.Channel, clientID *string, epochFilter *registrystore.MemoryEpochFilter) []model.Entry {
	if channel == "" {
		return entries
	}

	filtered := make([]model.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Channel != channel {
			continue
		}
		if channel == model.ChannelMemory && clientID != nil {
			if entry.ClientID == nil || *entry.ClientID != *clientID {
				continue
			}
		}
		filtered = append(filtered, entry)
	}

	if channel != model.ChannelMemory {
		return filtered
	}

	epoch := normalizeEpochFilter(epochFilter)
	switch epoch.Mode {
	case registrystore.MemoryEpochModeAll:
		return filtered
	case registrystore.MemoryEpochModeEpoch:
		if epoch.Epoch == nil {
			return nil
		}
		result := make([]model.Entry, 0, len(filtered))
		for _, entry := range filtered {
			if epochOf(entry) == *epoch.Epoch {
				result = append(result, entry)
			}
		}
		return result
	default:
		// latest
		var maxEpoch int64
		hasEpoch := false
		for _, entry := range filtered {
			if e := epochOf(entry); !hasEpoch || e > maxEpoch {
				maxEpoch = e
				hasEpoch = true
			}
		}
		if !hasEpoch {
			return nil
		}
		result := make([]model.Entry, 0, len(filtered))
		for _, entry := range filtered {
			if epochOf(entry) == maxEpoch {
				result = append(result, entry)
			}
		}
		return result
	}
}

func epochOf(entry model.Entry) int64 {
	if entry.Epoch == nil {
		return 0
	}
	return *entry.Epoch
}

// filterMemoryEntriesWithEpoch walks entries in created_at order along the
// ancestry, keeping memory entries for the client that match the epoch
// filter. In latest mode a higher epoch discards everything collected so far.
func filterMemoryEntriesWithEpoch(allEntries []model.Entry, ancestry []forkAncestor, clientID string, epochFilter *registrystore.MemoryEpochFilter) []model.Entry {
	epoch := normalizeEpochFilter(epochFilter)
	result := make([]model.Entry, 0, len(allEntries))
	maxEpochSeen := int64(0)
	maxEpochInitialized := false

	if len(ancestry) == 0 {
		return result
	}

	ancestorIndex := skipEmptyAncestors(ancestry, 0)
	current := ancestry[ancestorIndex]
	isTarget := ancestorIndex == len(ancestry)-1

	for _, entry := range allEntries {
		if entry.ConversationID != current.ConversationID {
			continue
		}

		if entry.Channel == model.ChannelMemory && entry.ClientID != nil && *entry.ClientID == clientID {
			entryEpoch := epochOf(entry)

			switch epoch.Mode {
			case registrystore.MemoryEpochModeAll:
				result = append(result, entry)
			case registrystore.MemoryEpochModeEpoch:
				if epoch.Epoch != nil && entryEpoch == *epoch.Epoch {
					result = append(result, entry)
				}
			default:
				// latest
				if !maxEpochInitialized || entryEpoch > maxEpochSeen {
					result = result[:0]
					maxEpochSeen = entryEpoch
					maxEpochInitialized = true
				}
				if entryEpoch == maxEpochSeen {
					result = append(result, entry)
				}
			}
		}

		if !isTarget && entry.ID == *current.StopAtEntryID {
			ancestorIndex = skipEmptyAncestors(ancestry, ancestorIndex+1)
			current = ancestry[ancestorIndex]
			isTarget = ancestorIndex == len(ancestry)-1
		}
	}

	return result
}

func paginateEntries(entries []model.Entry, afterEntryID *string, limit int) ([]model.Entry, *string) {
	start := 0
	if afterEntryID != nil {
		for i, entry := range entries {
			if entry.ID.String() == *afterEntryID {
				start = i + 1
				break
			}
		}
	}

	if start >= len(entries) {
		return []model.Entry{}, nil
	}

	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}

	page := entries[start:end]
	var cursor *string
	if end < len(entries) && len(page) > 0 {
		c := page[len(page)-1].ID.String()
		cursor = &c
	}
	return page, cursor
}

// --- Content helpers ---

func (s *Store) flattenMemoryContent(entries []model.Entry) []any {
	result := make([]any, 0)
	for _, entry := range entries {
		content := entry.Content
		if decrypted, err := s.codec.Decrypt(content); err == nil {
			content = decrypted
		}
		result = append(result, parseContentArray(content)...)
	}
	return result
}

func parseContentArray(raw []byte) []any {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return []any{}
	}

	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var obj any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return []any{obj}
	}
	return []any{raw}
}

func marshalContentArray(content []any) json.RawMessage {
	b, err := json.Marshal(content)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

func isPrefixContent(existing, incoming []any) bool {
	if len(existing) > len(incoming) {
		return false
	}
	for i := range existing {
		if !reflect.DeepEqual(existing[i], incoming[i]) {
			return false
		}
	}
	return true
}

// contentTypeMatches reports whether every entry carries the given content
// type. Vacuously true when there are no entries.
func contentTypeMatches(entries []model.Entry, contentType string) bool {
	for i := range entries {
		if entries[i].ContentType != contentType {
			return false
		}
	}
	return true
}
