package relational

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
	"gorm.io/gorm"
)

func (s *Store) GetEntries(ctx context.Context, userID string, conversationID uuid.UUID, afterEntryID *string, limit int, channel *model.Channel, epochFilter *registrystore.MemoryEpochFilter, clientID *string, allForks bool) (*registrystore.PagedEntries, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
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
		return nil, &ForbiddenError{}
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
	var entry model.Entry
	result := s.db.WithContext(ctx).Select("conversation_group_id").Where("id = ?", entryID).Limit(1).Find(&entry)
	if result.Error != nil {
		return uuid.Nil, result.Error
	}
	if result.RowsAffected == 0 {
		return uuid.Nil, &NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	return entry.ConversationGroupID, nil
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

	var conv model.Conversation
	convResult := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).Limit(1).Find(&conv)
	if convResult.Error != nil {
		return nil, convResult.Error
	}
	if convResult.RowsAffected == 0 {
		// Auto-create with the client-chosen ID; the first entry request may
		// carry fork metadata.
		var forkedAtConvID *uuid.UUID
		var forkedAtEntryID *uuid.UUID
		if len(entries) > 0 {
			forkedAtConvID = entries[0].ForkedAtConversationID
			forkedAtEntryID = entries[0].ForkedAtEntryID
		}

		title := inferTitleFromEntries(entries)
		detail, err := s.createConversationWithID(ctx, userID, conversationID, title, nil, forkedAtConvID, forkedAtEntryID)
		if err != nil {
			return nil, err
		}
		conv = model.Conversation{
			ID:                  detail.ID,
			ConversationGroupID: detail.ConversationGroupID,
			OwnerUserID:         detail.OwnerUserID,
			CreatedAt:           detail.CreatedAt,
			UpdatedAt:           detail.UpdatedAt,
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

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
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
				return fmt.Errorf("failed to encrypt entry content: %w", err)
			}
			// Every entry of one append shares a timestamp; time-ordered V7
			// IDs break the tie in insertion order.
			entry := model.Entry{
				ID:                  uuid.Must(uuid.NewV7()),
				ConversationID:      conversationID,
				ConversationGroupID: conv.ConversationGroupID,
				UserID:              &userID,
				ClientID:            clientID,
				Channel:             ch,
				Epoch:               entryEpoch,
				ContentType:         req.ContentType,
				Content:             encContent,
				IndexedContent:      req.IndexedContent,
				CreatedAt:           now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("failed to append entry: %w", err)
			}
			entry.Content = req.Content // return unencrypted
			result[i] = entry
		}

		// Derive conversation title from the first history entry if unset.
		if len(conv.Title) == 0 {
			for _, e := range result {
				if e.Channel == model.ChannelHistory {
					if title := deriveTitleFromContent(string(e.Content)); title != "" {
						encTitle, err := s.codec.Encrypt([]byte(title))
						if err != nil {
							return fmt.Errorf("failed to encrypt title: %w", err)
						}
						if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Update("title", encTitle).Error; err != nil {
							return fmt.Errorf("failed to set derived title: %w", err)
						}
					}
					break
				}
			}
		}

		// updatedAt only moves when visible history changed.
		if appendedHistory {
			if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Update("updated_at", now).Error; err != nil {
				return fmt.Errorf("failed to touch conversation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
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
		return nil, &ValidationError{Field: "clientId", Message: "required for memory sync"}
	}

	// Serialize syncs per (conversation, client) so concurrent divergent
	// syncs cannot mint the same epoch twice.
	unlock := s.syncLocks.Lock(conversationID.String() + "/" + clientID)
	defer unlock()

	incomingContent := parseContentArray(entry.Content)

	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Auto-create when the conversation does not exist and content is
		// non-empty.
		if len(incomingContent) == 0 {
			return &registrystore.SyncResult{NoOp: true}, nil
		}
		var err error
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
	newEntry := model.Entry{
		ID:                  uuid.Must(uuid.NewV7()),
		ConversationID:      conversationID,
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              &userID,
		ClientID:            &clientID,
		Channel:             model.ChannelMemory,
		Epoch:               &epochToUse,
		ContentType:         entry.ContentType,
		Content:             encContent,
		CreatedAt:           now,
	}
	if err := s.db.WithContext(ctx).Create(&newEntry).Error; err != nil {
		return nil, fmt.Errorf("failed to sync entry: %w", err)
	}
	newEntry.Content = appendContent
	s.warmEntriesCache(ctx, conv, ancestry, clientID)
	return &registrystore.SyncResult{Entry: &newEntry, Epoch: &epochToUse, NoOp: false, EpochIncremented: epochIncremented}, nil
}

// autoCreateConversation creates a conversation with a given ID for sync auto-creation.
func (s *Store) autoCreateConversation(ctx context.Context, userID string, conversationID uuid.UUID) (model.Conversation, error) {
	now := time.Now()
	var conv model.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group := model.ConversationGroup{ID: conversationID, CreatedAt: now}
		if err := tx.Create(&group).Error; err != nil {
			return fmt.Errorf("failed to create conversation group: %w", err)
		}
		conv = model.Conversation{
			ID:                  conversationID,
			ConversationGroupID: conversationID,
			OwnerUserID:         userID,
			Metadata:            map[string]interface{}{},
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.Create(&conv).Error; err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		membership := model.ConversationMembership{
			ConversationGroupID: conversationID,
			UserID:              userID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           now,
		}
		if err := tx.Create(&membership).Error; err != nil {
			return fmt.Errorf("failed to create membership: %w", err)
		}
		return nil
	})
	return conv, err
}

// --- Indexing ---

func (s *Store) IndexEntries(ctx context.Context, entries []registrystore.IndexEntryRequest) (*registrystore.IndexEntriesResponse, error) {
	count := 0
	for _, req := range entries {
		// Only history entries carry indexed content; memory entries never do.
		result := s.db.WithContext(ctx).Exec(
			"UPDATE entries SET indexed_content = ? WHERE id = ? AND channel = ? AND conversation_group_id = (SELECT conversation_group_id FROM conversations WHERE id = ?)",
			req.IndexedContent, req.EntryID, model.ChannelHistory, req.ConversationID,
		)
		if result.Error != nil {
			log.Error("Failed to index entry", "err", result.Error, "entryId", req.EntryID)
			continue
		}
		if result.RowsAffected == 0 {
			return nil, &NotFoundError{Resource: "entry", ID: req.EntryID.String()}
		}
		count++
	}
	return &registrystore.IndexEntriesResponse{Indexed: count}, nil
}

func (s *Store) ListUnindexedEntries(ctx context.Context, limit int, afterCursor *string) ([]model.Entry, *string, error) {
	tx := s.db.WithContext(ctx).
		Where("channel = ? AND indexed_content IS NULL", model.ChannelHistory).
		Order("created_at ASC").
		Limit(limit + 1)

	if afterCursor != nil {
		tx = tx.Where("created_at > (SELECT MAX(e.created_at) FROM entries e WHERE e.id = ?)", *afterCursor)
	}

	var entries []model.Entry
	if err := tx.Find(&entries).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list unindexed entries: %w", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	s.decryptEntries(entries)

	var cursor *string
	if hasMore && len(entries) > 0 {
		c := entries[len(entries)-1].ID.String()
		cursor = &c
	}
	return entries, cursor, nil
}

func (s *Store) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	var entries []model.Entry
	err := s.db.WithContext(ctx).
		Where("indexed_content IS NOT NULL AND indexed_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find entries pending vector indexing: %w", err)
	}
	s.decryptEntries(entries)
	return entries, nil
}

func (s *Store) SetIndexedAt(ctx context.Context, entryID uuid.UUID, conversationGroupID uuid.UUID, indexedAt time.Time) error {
	return s.db.WithContext(ctx).Exec(
		"UPDATE entries SET indexed_at = ? WHERE id = ? AND conversation_group_id = ?",
		indexedAt, entryID, conversationGroupID,
	).Error
}

// --- Search ---

func (s *Store) ListConversationGroupIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&model.ConversationMembership{}).
		Distinct("conversation_group_id").
		Where("user_id = ?", userID).
		Pluck("conversation_group_id", &ids).Error
	return ids, err
}

func (s *Store) FetchSearchResultDetails(ctx context.Context, userID string, entryIDs []uuid.UUID, includeEntry bool) ([]registrystore.SearchResult, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	type row struct {
		EntryID           uuid.UUID `gorm:"column:entry_id"`
		ConversationID    uuid.UUID `gorm:"column:conversation_id"`
		ConversationTitle []byte    `gorm:"column:conversation_title"`
		IndexedContent    string    `gorm:"column:indexed_content"`
	}
	var rows []row
	err := s.db.WithContext(ctx).Raw(`
		SELECT e.id as entry_id, e.conversation_id, c.title as conversation_title, e.indexed_content
		FROM entries e
		JOIN conversations c ON c.id = e.conversation_id AND c.deleted_at IS NULL
		JOIN conversation_memberships cm ON cm.conversation_group_id = c.conversation_group_id AND cm.user_id = ?
		WHERE e.id IN ?
	`, userID, entryIDs).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch search result details failed: %w", err)
	}
	results := make([]registrystore.SearchResult, len(rows))
	for i, r := range rows {
		title := s.decryptString(r.ConversationTitle)
		highlight := r.IndexedContent
		if len(highlight) > 200 {
			highlight = highlight[:200] + "..."
		}
		results[i] = registrystore.SearchResult{
			EntryID:           r.EntryID,
			ConversationID:    r.ConversationID,
			ConversationTitle: &title,
			Highlights:        &highlight,
		}
	}
	if includeEntry {
		for i := range results {
			s.attachEntry(ctx, &results[i], nil)
		}
	}
	return results, nil
}

// searchRow is what dialect search implementations return.
type searchRow struct {
	EntryID             uuid.UUID `gorm:"column:entry_id"`
	ConversationID      uuid.UUID `gorm:"column:conversation_id"`
	ConversationGroupID uuid.UUID `gorm:"column:conversation_group_id"`
	ConversationTitle   []byte    `gorm:"column:conversation_title"`
	Score               float64   `gorm:"column:score"`
	Highlight           string    `gorm:"column:highlight"`
}

func (s *Store) SearchEntries(ctx context.Context, userID string, query string, limit int, includeEntry bool) (*registrystore.SearchResults, error) {
	rows, err := s.dialect.searchRows(ctx, s.db, query, nil, &userID, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	results := s.searchRowsToResults(ctx, rows, includeEntry)

	var cursor *string
	if hasMore && len(results) > 0 {
		c := results[len(results)-1].EntryID.String()
		cursor = &c
	}
	return &registrystore.SearchResults{Data: results, AfterCursor: cursor}, nil
}

func (s *Store) searchRowsToResults(ctx context.Context, rows []searchRow, includeEntry bool) []registrystore.SearchResult {
	results := make([]registrystore.SearchResult, len(rows))
	for i, r := range rows {
		highlight := r.Highlight
		results[i] = registrystore.SearchResult{
			EntryID:        r.EntryID,
			ConversationID: r.ConversationID,
			Score:          r.Score,
			Kind:           s.dialect.name(),
			Highlights:     &highlight,
		}
		if len(r.ConversationTitle) > 0 {
			title := s.decryptString(r.ConversationTitle)
			results[i].ConversationTitle = &title
		}
		if includeEntry {
			groupID := r.ConversationGroupID
			s.attachEntry(ctx, &results[i], &groupID)
		}
	}
	return results
}

func (s *Store) attachEntry(ctx context.Context, result *registrystore.SearchResult, groupID *uuid.UUID) {
	tx := s.db.WithContext(ctx).Where("id = ?", result.EntryID)
	if groupID != nil {
		tx = tx.Where("conversation_group_id = ?", *groupID)
	}
	var entry model.Entry
	found := tx.Limit(1).Find(&entry)
	if found.Error == nil && found.RowsAffected > 0 {
		if decrypted, err := s.codec.Decrypt(entry.Content); err == nil {
			entry.Content = decrypted
		}
		result.Entry = &entry
	}
}

// --- Cache helpers ---

// fetchLatestMemoryEntries returns the latest-epoch memory entries for the
// conversation and clientID, using the entries cache as a read-through layer.
func (s *Store) fetchLatestMemoryEntries(ctx context.Context, conv model.Conversation, ancestry []forkAncestor, clientID string) ([]model.Entry, error) {
	if s.entriesCache != nil && s.entriesCache.Available() {
		cached, err := s.entriesCache.Get(ctx, conv.ID, clientID)
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
			if serr := s.entriesCache.Set(ctx, conv.ID, clientID, registrycache.CachedMemoryEntries{Entries: entries, Epoch: maxEpochOf(entries)}, s.cfg.CacheTTL); serr != nil {
				log.Warn("entries cache set error", "err", serr)
			}
		}
	}
	return entries, nil
}

// warmEntriesCache recomputes latest memory entries from the DB and updates
// the cache. Called after memory writes so reads never see stale epochs.
func (s *Store) warmEntriesCache(ctx context.Context, conv model.Conversation, ancestry []forkAncestor, clientID string) {
	if s.entriesCache == nil || !s.entriesCache.Available() {
		return
	}
	allEntries, err := s.listEntriesForGroup(ctx, conv.ConversationGroupID)
	if err != nil {
		log.Warn("warmEntriesCache: failed to list entries", "err", err)
		return
	}
	latestFilter := &registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest}
	entries := filterMemoryEntriesWithEpoch(allEntries, ancestry, clientID, latestFilter)
	if len(entries) == 0 {
		if rerr := s.entriesCache.Remove(ctx, conv.ID, clientID); rerr != nil {
			log.Warn("warmEntriesCache: cache remove error", "err", rerr)
		}
		return
	}
	if serr := s.entriesCache.Set(ctx, conv.ID, clientID, registrycache.CachedMemoryEntries{Entries: entries, Epoch: maxEpochOf(entries)}, s.cfg.CacheTTL); serr != nil {
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

func (s *Store) listEntriesForGroup(ctx context.Context, groupID uuid.UUID) ([]model.Entry, error) {
	var entries []model.Entry
	if err := s.db.WithContext(ctx).
		Where("conversation_group_id = ?", groupID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

func (s *Store) decryptEntries(entries []model.Entry) {
	for i := range entries {
		if decrypted, err := s.codec.Decrypt(entries[i].Content); err == nil {
			entries[i].Content = decrypted
		}
	}
}

// --- Fork ancestry + pure filters ---

type forkAncestor struct {
	ConversationID uuid.UUID
	StopAtEntryID  *uuid.UUID
}

// buildAncestryStack walks the fork chain from the target back to the root
// and returns it root-first. Each element carries the entry ID after which
// reads switch to the next fork (the child's recorded fork point).
func (s *Store) buildAncestryStack(ctx context.Context, target model.Conversation) ([]forkAncestor, error) {
	var conversations []model.Conversation
	if err := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND deleted_at IS NULL", target.ConversationGroupID).
		Find(&conversations).Error; err != nil {
		return nil, fmt.Errorf("failed to load fork ancestry: %w", err)
	}

	byID := make(map[uuid.UUID]model.Conversation, len(conversations))
	for _, conv := range conversations {
		byID[conv.ID] = conv
	}

	stack := make([]forkAncestor, 0, len(conversations))
	current := target
	var stopAt *uuid.UUID

	for {
		stack = append(stack, forkAncestor{
			ConversationID: current.ID,
			StopAtEntryID:  stopAt,
		})

		stopAt = current.ForkedAtEntryID
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
