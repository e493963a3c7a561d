// Package mongo implements ConversationStore on MongoDB. Documents keep UUIDs
// as their string form; fork filtering and epoch selection happen in Go over
// the group's entries, same as the relational backends.
package mongo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/cryptobox"
	"github.com/chirino/conversation-store/internal/keymutex"
	"github.com/chirino/conversation-store/internal/model"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	registrymigrate "github.com/chirino/conversation-store/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "conversation_store"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ConversationStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}

			codec, err := cryptobox.NewCodecFromConfig(cfg.EncryptionKey)
			if err != nil {
				return nil, err
			}
			return &Store{
				client:       client,
				db:           client.Database(dbName),
				cfg:          cfg,
				codec:        codec,
				entriesCache: registrycache.EntriesCacheFromContext(ctx),
				syncLocks:    keymutex.New(0),
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }

func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		"conversation_groups": {
			{Keys: bson.D{{Key: "deleted_at", Value: 1}}},
		},
		"conversations": {
			{Keys: bson.D{{Key: "conversation_group_id", Value: 1}}},
			{Keys: bson.D{{Key: "owner_user_id", Value: 1}}},
			{Keys: bson.D{{Key: "deleted_at", Value: 1}}},
			{Keys: bson.D{{Key: "conversation_group_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		"conversation_memberships": {
			{
				Keys:    bson.D{{Key: "conversation_group_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		"entries": {
			{Keys: bson.D{{Key: "conversation_group_id", Value: 1}, {Key: "conversation_id", Value: 1}}},
			{Keys: bson.D{{Key: "conversation_group_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "channel", Value: 1}}},
			{Keys: bson.D{{Key: "indexed_at", Value: 1}}},
			{Keys: bson.D{{Key: "indexed_content", Value: "text"}}},
		},
		"conversation_ownership_transfers": {
			{Keys: bson.D{{Key: "from_user_id", Value: 1}}},
			{Keys: bson.D{{Key: "to_user_id", Value: 1}}},
			{
				Keys:    bson.D{{Key: "conversation_group_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("unique_transfer_per_conversation"),
			},
		},
		"attachments": {
			{Keys: bson.D{{Key: "entry_id", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "deleted_at", Value: 1}}},
		},
		"tasks": {
			{Keys: bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "processing_at", Value: 1}}},
			{
				Keys:    bson.D{{Key: "task_name", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
	}

	for name, indexes := range collections {
		db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}
	return nil
}

// Store implements registrystore.ConversationStore on MongoDB.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	cfg          *config.Config
	codec        *cryptobox.Codec
	entriesCache registrycache.MemoryEntriesCache
	syncLocks    *keymutex.KeyMutex
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) decryptString(data []byte) string {
	plain, err := s.codec.Decrypt(data)
	if err != nil {
		return string(data)
	}
	return string(plain)
}

// --- MongoDB document types ---

type groupDoc struct {
	ID        string     `bson:"_id"`
	CreatedAt time.Time  `bson:"created_at"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty"`
}

type convDoc struct {
	ID                     string         `bson:"_id"`
	Title                  []byte         `bson:"title"`
	OwnerUserID            string         `bson:"owner_user_id"`
	Metadata               map[string]any `bson:"metadata"`
	ConversationGroupID    string         `bson:"conversation_group_id"`
	ForkedAtConversationID *string        `bson:"forked_at_conversation_id,omitempty"`
	ForkedAtEntryID        *string        `bson:"forked_at_entry_id,omitempty"`
	CreatedAt              time.Time      `bson:"created_at"`
	UpdatedAt              time.Time      `bson:"updated_at"`
	DeletedAt              *time.Time     `bson:"deleted_at,omitempty"`
}

type memberDoc struct {
	ConversationGroupID string            `bson:"conversation_group_id"`
	UserID              string            `bson:"user_id"`
	AccessLevel         model.AccessLevel `bson:"access_level"`
	CreatedAt           time.Time         `bson:"created_at"`
}

type entryDoc struct {
	ID                  string     `bson:"_id"`
	ConversationID      string     `bson:"conversation_id"`
	ConversationGroupID string     `bson:"conversation_group_id"`
	UserID              *string    `bson:"user_id,omitempty"`
	ClientID            *string    `bson:"client_id,omitempty"`
	Channel             string     `bson:"channel"`
	Epoch               *int64     `bson:"epoch,omitempty"`
	ContentType         string     `bson:"content_type"`
	Content             []byte     `bson:"content"`
	IndexedContent      *string    `bson:"indexed_content,omitempty"`
	IndexedAt           *time.Time `bson:"indexed_at,omitempty"`
	CreatedAt           time.Time  `bson:"created_at"`
}

// entrySearchDoc is flat (no bson:",inline") to avoid mongo-driver v2 inline
// decoding issues with _id fields in embedded structs.
type entrySearchDoc struct {
	ID                  string     `bson:"_id"`
	ConversationID      string     `bson:"conversation_id"`
	ConversationGroupID string     `bson:"conversation_group_id"`
	UserID              *string    `bson:"user_id,omitempty"`
	ClientID            *string    `bson:"client_id,omitempty"`
	Channel             string     `bson:"channel"`
	Epoch               *int64     `bson:"epoch,omitempty"`
	ContentType         string     `bson:"content_type"`
	Content             []byte     `bson:"content"`
	IndexedContent      *string    `bson:"indexed_content,omitempty"`
	IndexedAt           *time.Time `bson:"indexed_at,omitempty"`
	CreatedAt           time.Time  `bson:"created_at"`
	TextScore           float64    `bson:"score"`
}

func (d entrySearchDoc) asEntryDoc() entryDoc {
	return entryDoc{
		ID:                  d.ID,
		ConversationID:      d.ConversationID,
		ConversationGroupID: d.ConversationGroupID,
		UserID:              d.UserID,
		ClientID:            d.ClientID,
		Channel:             d.Channel,
		Epoch:               d.Epoch,
		ContentType:         d.ContentType,
		Content:             d.Content,
		IndexedContent:      d.IndexedContent,
		IndexedAt:           d.IndexedAt,
		CreatedAt:           d.CreatedAt,
	}
}

type transferDoc struct {
	ID                  string    `bson:"_id"`
	ConversationGroupID string    `bson:"conversation_group_id"`
	FromUserID          string    `bson:"from_user_id"`
	ToUserID            string    `bson:"to_user_id"`
	CreatedAt           time.Time `bson:"created_at"`
}

type attachmentDoc struct {
	ID          string     `bson:"_id"`
	StorageKey  *string    `bson:"storage_key,omitempty"`
	Filename    *string    `bson:"filename,omitempty"`
	ContentType string     `bson:"content_type"`
	Size        *int64     `bson:"size,omitempty"`
	SHA256      *string    `bson:"sha256,omitempty"`
	UserID      string     `bson:"user_id"`
	EntryID     *string    `bson:"entry_id,omitempty"`
	Status      string     `bson:"status"`
	SourceURL   *string    `bson:"source_url,omitempty"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	DeletedAt   *time.Time `bson:"deleted_at,omitempty"`
}

// --- Collection accessors ---

func (s *Store) groups() *mongo.Collection        { return s.db.Collection("conversation_groups") }
func (s *Store) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *Store) memberships() *mongo.Collection {
	return s.db.Collection("conversation_memberships")
}
func (s *Store) entries() *mongo.Collection { return s.db.Collection("entries") }
func (s *Store) transfers() *mongo.Collection {
	return s.db.Collection("conversation_ownership_transfers")
}
func (s *Store) attachments() *mongo.Collection { return s.db.Collection("attachments") }
func (s *Store) tasks() *mongo.Collection       { return s.db.Collection("tasks") }

// --- UUID helpers ---

func uuidToStr(id uuid.UUID) string { return id.String() }
func strToUUID(s string) uuid.UUID  { u, _ := uuid.Parse(s); return u }
func ptrUUIDToStr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
func ptrStrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	u := strToUUID(*s)
	return &u
}

// --- Access control ---

func (s *Store) requireAccess(ctx context.Context, userID string, groupID string, minLevel model.AccessLevel) (model.AccessLevel, error) {
	var doc memberDoc
	err := s.memberships().FindOne(ctx, bson.M{
		"conversation_group_id": groupID,
		"user_id":               userID,
	}).Decode(&doc)
	if err != nil {
		return "", &registrystore.ForbiddenError{}
	}
	if !doc.AccessLevel.IsAtLeast(minLevel) {
		return "", &registrystore.ForbiddenError{}
	}
	return doc.AccessLevel, nil
}

func (s *Store) getGroupID(ctx context.Context, userID string, conversationID uuid.UUID, minLevel model.AccessLevel) (string, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&doc)
	if err != nil {
		return "", &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, doc.ConversationGroupID, minLevel); err != nil {
		return "", err
	}
	return doc.ConversationGroupID, nil
}

// resolveConversationID finds the primary (non-deleted) conversation ID for a group.
func (s *Store) resolveConversationID(ctx context.Context, groupID string) uuid.UUID {
	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"conversation_group_id": groupID,
		"deleted_at":            bson.M{"$exists": false},
	}).Decode(&conv)
	if err != nil {
		return uuid.Nil
	}
	return strToUUID(conv.ID)
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, userID string, title string, metadata map[string]any, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*registrystore.ConversationDetail, error) {
	return s.createConversation(ctx, userID, uuid.New(), title, metadata, forkedAtConversationID, forkedAtEntryID)
}

func (s *Store) CreateConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]any, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*registrystore.ConversationDetail, error) {
	return s.createConversation(ctx, userID, convID, title, metadata, forkedAtConversationID, forkedAtEntryID)
}

func (s *Store) createConversation(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]any, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*registrystore.ConversationDetail, error) {
	now := time.Now()
	if metadata == nil {
		metadata = map[string]any{}
	}

	var groupID string
	if forkedAtConversationID != nil {
		var sourceConv convDoc
		err := s.conversations().FindOne(ctx, bson.M{
			"_id":        uuidToStr(*forkedAtConversationID),
			"deleted_at": bson.M{"$exists": false},
		}).Decode(&sourceConv)
		if err != nil {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: forkedAtConversationID.String()}
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
		// Root conversations reuse the conversation ID as the group ID.
		groupID = uuidToStr(convID)
		if _, err := s.groups().InsertOne(ctx, groupDoc{ID: groupID, CreatedAt: now}); err != nil {
			return nil, fmt.Errorf("failed to create conversation group: %w", err)
		}
	}

	encTitle, err := s.codec.Encrypt([]byte(title))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt title: %w", err)
	}
	doc := convDoc{
		ID:                     uuidToStr(convID),
		Title:                  encTitle,
		OwnerUserID:            userID,
		Metadata:               metadata,
		ConversationGroupID:    groupID,
		ForkedAtConversationID: ptrUUIDToStr(forkedAtConversationID),
		ForkedAtEntryID:        ptrUUIDToStr(forkedAtEntryID),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	if forkedAtConversationID == nil {
		_, err := s.memberships().InsertOne(ctx, memberDoc{
			ConversationGroupID: groupID,
			UserID:              userID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create membership: %w", err)
		}
	}

	return &registrystore.ConversationDetail{
		ConversationSummary: registrystore.ConversationSummary{
			ID:                     convID,
			Title:                  title,
			OwnerUserID:            userID,
			Metadata:               metadata,
			ConversationGroupID:    strToUUID(groupID),
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
func (s *Store) rewriteForkPoint(ctx context.Context, groupID string, requested uuid.UUID) (*uuid.UUID, error) {
	var entry entryDoc
	err := s.entries().FindOne(ctx, bson.M{
		"_id":                   uuidToStr(requested),
		"conversation_group_id": groupID,
	}).Decode(&entry)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "entry", ID: requested.String()}
	}
	var prev entryDoc
	err = s.entries().FindOne(ctx, bson.M{
		"conversation_id": entry.ConversationID,
		"channel":         string(model.ChannelHistory),
		"$or": []bson.M{
			{"created_at": bson.M{"$lt": entry.CreatedAt}},
			{"created_at": entry.CreatedAt, "_id": bson.M{"$lt": entry.ID}},
		},
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})).Decode(&prev)
	if err == nil {
		prevID := strToUUID(prev.ID)
		return &prevID, nil
	}
	return nil, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, query *string, afterCursor *string, limit int, mode model.ConversationListMode) ([]registrystore.ConversationSummary, *string, error) {
	cursor, err := s.memberships().Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find memberships: %w", err)
	}
	var mems []memberDoc
	if err := cursor.All(ctx, &mems); err != nil {
		return nil, nil, fmt.Errorf("failed to decode memberships: %w", err)
	}

	accessMap := map[string]model.AccessLevel{}
	groupIDs := make([]string, 0, len(mems))
	for _, m := range mems {
		groupIDs = append(groupIDs, m.ConversationGroupID)
		accessMap[m.ConversationGroupID] = m.AccessLevel
	}
	if len(groupIDs) == 0 {
		return []registrystore.ConversationSummary{}, nil, nil
	}

	filter := bson.M{
		"conversation_group_id": bson.M{"$in": groupIDs},
		"deleted_at":            bson.M{"$exists": false},
	}

	switch mode {
	case model.ListModeRoots:
		filter["forked_at_conversation_id"] = bson.M{"$exists": false}
	case model.ListModeLatestFork:
		return s.listLatestForkConversations(ctx, filter, accessMap, query, afterCursor, limit)
	}

	if afterCursor != nil {
		var cursorDoc convDoc
		if err := s.conversations().FindOne(ctx, bson.M{"_id": *afterCursor}).Decode(&cursorDoc); err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	// Titles are encrypted at rest; when a text filter is set we over-fetch a
	// bounded window and filter post-decryption.
	queryLimit := limit + 1
	if query != nil && strings.TrimSpace(*query) != "" {
		queryLimit = overFetchLimit(limit)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(queryLimit))
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	docs = s.filterByTitle(docs, query)

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	summaries := make([]registrystore.ConversationSummary, len(docs))
	for i, d := range docs {
		summaries[i] = s.convDocToSummary(d, accessMap[d.ConversationGroupID])
	}

	var nextCursor *string
	if hasMore && len(summaries) > 0 {
		c := summaries[len(summaries)-1].ID.String()
		nextCursor = &c
	}
	return summaries, nextCursor, nil
}

func overFetchLimit(limit int) int {
	queryLimit := limit * 5
	if queryLimit < limit+1 {
		queryLimit = limit + 1
	}
	if queryLimit > 1000 {
		queryLimit = 1000
	}
	return queryLimit
}

func (s *Store) filterByTitle(docs []convDoc, query *string) []convDoc {
	if query == nil {
		return docs
	}
	q := strings.ToLower(strings.TrimSpace(*query))
	if q == "" {
		return docs
	}
	filtered := docs[:0]
	for _, d := range docs {
		if strings.Contains(strings.ToLower(s.decryptString(d.Title)), q) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// listLatestForkConversations keeps only the most recently updated
// conversation per group, then paginates by created_at order.
func (s *Store) listLatestForkConversations(ctx context.Context, baseFilter bson.M, accessMap map[string]model.AccessLevel, query *string, afterCursor *string, limit int) ([]registrystore.ConversationSummary, *string, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "created_at", Value: 1}})
	cur, err := s.conversations().Find(ctx, baseFilter, opts)
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
	filtered = s.filterByTitle(filtered, query)

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
		summaries[i] = s.convDocToSummary(d, accessMap[d.ConversationGroupID])
	}

	var nextCursor *string
	if hasMore && len(summaries) > 0 {
		c := summaries[len(summaries)-1].ID.String()
		nextCursor = &c
	}
	return summaries, nextCursor, nil
}

func (s *Store) convDocToSummary(d convDoc, access model.AccessLevel) registrystore.ConversationSummary {
	return registrystore.ConversationSummary{
		ID:                     strToUUID(d.ID),
		Title:                  s.decryptString(d.Title),
		OwnerUserID:            d.OwnerUserID,
		Metadata:               d.Metadata,
		ConversationGroupID:    strToUUID(d.ConversationGroupID),
		ForkedAtConversationID: ptrStrToUUID(d.ForkedAtConversationID),
		ForkedAtEntryID:        ptrStrToUUID(d.ForkedAtEntryID),
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
		DeletedAt:              d.DeletedAt,
		AccessLevel:            access,
	}
}

func (s *Store) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*registrystore.ConversationDetail, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	access, err := s.requireAccess(ctx, userID, doc.ConversationGroupID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}
	return &registrystore.ConversationDetail{ConversationSummary: s.convDocToSummary(doc, access)}, nil
}

func (s *Store) UpdateConversation(ctx context.Context, userID string, conversationID uuid.UUID, title *string, metadata map[string]any) (*registrystore.ConversationDetail, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, doc.ConversationGroupID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	sets := bson.M{"updated_at": time.Now()}
	if title != nil {
		encTitle, err := s.codec.Encrypt([]byte(*title))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt title: %w", err)
		}
		sets["title"] = encTitle
	}
	if metadata != nil {
		sets["metadata"] = metadata
	}
	if _, err := s.conversations().UpdateByID(ctx, uuidToStr(conversationID), bson.M{"$set": sets}); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	return s.GetConversation(ctx, userID, conversationID)
}

func (s *Store) DeleteConversation(ctx context.Context, userID string, conversationID uuid.UUID) error {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&doc)
	if err != nil {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	// Owners and managers may delete.
	if _, err := s.requireAccess(ctx, userID, doc.ConversationGroupID, model.AccessLevelManager); err != nil {
		return err
	}

	now := time.Now()
	s.groups().UpdateByID(ctx, doc.ConversationGroupID, bson.M{"$set": bson.M{"deleted_at": now}})
	s.conversations().UpdateMany(ctx,
		bson.M{"conversation_group_id": doc.ConversationGroupID, "deleted_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deleted_at": now}},
	)

	// Memberships, entries and pending transfers are hard-deleted so revoked
	// members cannot read during the retention window.
	s.memberships().DeleteMany(ctx, bson.M{"conversation_group_id": doc.ConversationGroupID})
	s.entries().DeleteMany(ctx, bson.M{"conversation_group_id": doc.ConversationGroupID})
	s.transfers().DeleteMany(ctx, bson.M{"conversation_group_id": doc.ConversationGroupID})
	return nil
}

// --- Memberships ---

func (s *Store) ListMemberships(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, nil, err
	}
	return s.listMembershipsForGroup(ctx, groupID, afterCursor, limit)
}

func (s *Store) listMembershipsForGroup(ctx context.Context, groupID string, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	filter := bson.M{"conversation_group_id": groupID}
	if afterCursor != nil {
		var cursorDoc memberDoc
		err := s.memberships().FindOne(ctx, bson.M{
			"conversation_group_id": groupID,
			"user_id":               *afterCursor,
		}).Decode(&cursorDoc)
		if err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.memberships().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode memberships: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	result := make([]model.ConversationMembership, len(docs))
	for i, d := range docs {
		result[i] = model.ConversationMembership{
			ConversationGroupID: strToUUID(d.ConversationGroupID),
			UserID:              d.UserID,
			AccessLevel:         d.AccessLevel,
			CreatedAt:           d.CreatedAt,
		}
	}

	var nextCursor *string
	if hasMore && len(result) > 0 {
		c := result[len(result)-1].UserID
		nextCursor = &c
	}
	return result, nextCursor, nil
}

func (s *Store) ShareConversation(ctx context.Context, userID string, conversationID uuid.UUID, targetUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if accessLevel == model.AccessLevelOwner {
		return nil, &registrystore.ValidationError{Field: "accessLevel", Message: "cannot share with owner access; use ownership transfer"}
	}

	doc := memberDoc{
		ConversationGroupID: groupID,
		UserID:              targetUserID,
		AccessLevel:         accessLevel,
		CreatedAt:           time.Now(),
	}
	if _, err := s.memberships().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{Message: "user already has access to this conversation"}
		}
		return nil, fmt.Errorf("failed to share conversation: %w", err)
	}
	return &model.ConversationMembership{
		ConversationGroupID: strToUUID(groupID),
		UserID:              targetUserID,
		AccessLevel:         accessLevel,
		CreatedAt:           doc.CreatedAt,
	}, nil
}

func (s *Store) UpdateMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if accessLevel == model.AccessLevelOwner {
		return nil, &registrystore.ValidationError{Field: "accessLevel", Message: "cannot set owner access; use ownership transfer"}
	}

	result, err := s.memberships().UpdateOne(ctx,
		bson.M{"conversation_group_id": groupID, "user_id": memberUserID},
		bson.M{"$set": bson.M{"access_level": accessLevel}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update membership: %w", err)
	}
	if result.MatchedCount == 0 {
		return nil, &registrystore.NotFoundError{Resource: "membership", ID: memberUserID}
	}

	var doc memberDoc
	if err := s.memberships().FindOne(ctx, bson.M{"conversation_group_id": groupID, "user_id": memberUserID}).Decode(&doc); err != nil {
		return nil, &registrystore.NotFoundError{Resource: "membership", ID: memberUserID}
	}
	return &model.ConversationMembership{
		ConversationGroupID: strToUUID(doc.ConversationGroupID),
		UserID:              doc.UserID,
		AccessLevel:         doc.AccessLevel,
		CreatedAt:           doc.CreatedAt,
	}, nil
}

func (s *Store) DeleteMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string) error {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return err
	}

	var doc memberDoc
	err = s.memberships().FindOne(ctx, bson.M{
		"conversation_group_id": groupID,
		"user_id":               memberUserID,
	}).Decode(&doc)
	if err != nil {
		return &registrystore.NotFoundError{Resource: "membership", ID: memberUserID}
	}
	if doc.AccessLevel == model.AccessLevelOwner {
		return &registrystore.ValidationError{Field: "userId", Message: "cannot remove the owner"}
	}

	// Removing the pending transfer recipient cancels the transfer.
	s.transfers().DeleteMany(ctx, bson.M{
		"conversation_group_id": groupID,
		"to_user_id":            memberUserID,
	})
	s.memberships().DeleteOne(ctx, bson.M{
		"conversation_group_id": groupID,
		"user_id":               memberUserID,
	})
	return nil
}

// --- Forks ---

func (s *Store) ListForks(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]registrystore.ConversationForkSummary, *string, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, nil, err
	}
	return s.listForksForGroup(ctx, groupID, afterCursor, limit, false)
}

func (s *Store) listForksForGroup(ctx context.Context, groupID string, afterCursor *string, limit int, includeDeleted bool) ([]registrystore.ConversationForkSummary, *string, error) {
	filter := bson.M{"conversation_group_id": groupID}
	if !includeDeleted {
		filter["deleted_at"] = bson.M{"$exists": false}
	}
	if afterCursor != nil {
		var cursorDoc convDoc
		if err := s.conversations().FindOne(ctx, bson.M{"_id": *afterCursor}).Decode(&cursorDoc); err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list forks: %w", err)
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode forks: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	forks := make([]registrystore.ConversationForkSummary, len(docs))
	for i, d := range docs {
		forks[i] = registrystore.ConversationForkSummary{
			ID:                     strToUUID(d.ID),
			Title:                  s.decryptString(d.Title),
			ForkedAtEntryID:        ptrStrToUUID(d.ForkedAtEntryID),
			ForkedAtConversationID: ptrStrToUUID(d.ForkedAtConversationID),
			CreatedAt:              d.CreatedAt,
		}
	}

	var nextCursor *string
	if hasMore && len(forks) > 0 {
		c := forks[len(forks)-1].ID.String()
		nextCursor = &c
	}
	return forks, nextCursor, nil
}

// --- Ownership Transfers ---

func (s *Store) ListPendingTransfers(ctx context.Context, userID string, role string, afterCursor *string, limit int) ([]registrystore.OwnershipTransferDto, *string, error) {
	filter := bson.M{}
	switch role {
	case "sender":
		filter["from_user_id"] = userID
	case "recipient":
		filter["to_user_id"] = userID
	default:
		filter["$or"] = bson.A{
			bson.M{"from_user_id": userID},
			bson.M{"to_user_id": userID},
		}
	}

	if afterCursor != nil {
		var cursorDoc transferDoc
		if err := s.transfers().FindOne(ctx, bson.M{"_id": *afterCursor}).Decode(&cursorDoc); err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.transfers().Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	var docs []transferDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode transfers: %w", err)
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	dtos := make([]registrystore.OwnershipTransferDto, len(docs))
	for i, d := range docs {
		dtos[i] = s.transferToDto(ctx, d)
	}

	var nextCursor *string
	if hasMore && len(dtos) > 0 {
		c := dtos[len(dtos)-1].ID.String()
		nextCursor = &c
	}
	return dtos, nextCursor, nil
}

func (s *Store) transferToDto(ctx context.Context, d transferDoc) registrystore.OwnershipTransferDto {
	return registrystore.OwnershipTransferDto{
		ID:                  strToUUID(d.ID),
		ConversationGroupID: strToUUID(d.ConversationGroupID),
		ConversationID:      s.resolveConversationID(ctx, d.ConversationGroupID),
		FromUserID:          d.FromUserID,
		ToUserID:            d.ToUserID,
		CreatedAt:           d.CreatedAt,
	}
}

func (s *Store) GetTransfer(ctx context.Context, userID string, transferID uuid.UUID) (*registrystore.OwnershipTransferDto, error) {
	var doc transferDoc
	err := s.transfers().FindOne(ctx, bson.M{"_id": uuidToStr(transferID)}).Decode(&doc)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if doc.FromUserID != userID && doc.ToUserID != userID {
		return nil, &registrystore.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	dto := s.transferToDto(ctx, doc)
	return &dto, nil
}

func (s *Store) CreateOwnershipTransfer(ctx context.Context, userID string, conversationID uuid.UUID, toUserID string) (*registrystore.OwnershipTransferDto, error) {
	var conv convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":        uuidToStr(conversationID),
		"deleted_at": bson.M{"$exists": false},
	}).Decode(&conv)
	if err != nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if _, err := s.requireAccess(ctx, userID, conv.ConversationGroupID, model.AccessLevelOwner); err != nil {
		return nil, err
	}
	if userID == toUserID {
		return nil, &registrystore.ValidationError{Field: "newOwnerUserId", Message: "cannot transfer to yourself"}
	}
	memberCount, err := s.memberships().CountDocuments(ctx, bson.M{
		"conversation_group_id": conv.ConversationGroupID,
		"user_id":               toUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate transfer recipient membership: %w", err)
	}
	if memberCount == 0 {
		return nil, &registrystore.ValidationError{Field: "newOwnerUserId", Message: "recipient must already be a member"}
	}

	// One pending transfer per group.
	var existing transferDoc
	if err := s.transfers().FindOne(ctx, bson.M{"conversation_group_id": conv.ConversationGroupID}).Decode(&existing); err == nil {
		return nil, &registrystore.ConflictError{
			Message: "a transfer is already pending for this conversation",
			Code:    "TRANSFER_ALREADY_PENDING",
			Details: map[string]interface{}{"existingTransferId": existing.ID},
		}
	}

	doc := transferDoc{
		ID:                  uuidToStr(uuid.New()),
		ConversationGroupID: conv.ConversationGroupID,
		FromUserID:          userID,
		ToUserID:            toUserID,
		CreatedAt:           time.Now(),
	}
	if _, err := s.transfers().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{Message: "a transfer is already pending for this conversation", Code: "TRANSFER_ALREADY_PENDING"}
		}
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}
	return &registrystore.OwnershipTransferDto{
		ID:                  strToUUID(doc.ID),
		ConversationGroupID: strToUUID(doc.ConversationGroupID),
		ConversationID:      conversationID,
		FromUserID:          doc.FromUserID,
		ToUserID:            doc.ToUserID,
		CreatedAt:           doc.CreatedAt,
	}, nil
}

func (s *Store) AcceptTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	var doc transferDoc
	err := s.transfers().FindOne(ctx, bson.M{"_id": uuidToStr(transferID)}).Decode(&doc)
	if err != nil {
		return &registrystore.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if doc.ToUserID != userID {
		return &registrystore.ForbiddenError{}
	}

	// Old owner becomes a manager.
	s.memberships().UpdateOne(ctx,
		bson.M{"conversation_group_id": doc.ConversationGroupID, "user_id": doc.FromUserID},
		bson.M{"$set": bson.M{"access_level": model.AccessLevelManager}},
	)

	// Upsert new owner membership.
	count, _ := s.memberships().CountDocuments(ctx, bson.M{
		"conversation_group_id": doc.ConversationGroupID,
		"user_id":               doc.ToUserID,
	})
	if count == 0 {
		s.memberships().InsertOne(ctx, memberDoc{
			ConversationGroupID: doc.ConversationGroupID,
			UserID:              doc.ToUserID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           time.Now(),
		})
	} else {
		s.memberships().UpdateOne(ctx,
			bson.M{"conversation_group_id": doc.ConversationGroupID, "user_id": doc.ToUserID},
			bson.M{"$set": bson.M{"access_level": model.AccessLevelOwner}},
		)
	}

	s.conversations().UpdateMany(ctx,
		bson.M{"conversation_group_id": doc.ConversationGroupID, "deleted_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"owner_user_id": doc.ToUserID}},
	)

	s.transfers().DeleteOne(ctx, bson.M{"_id": uuidToStr(transferID)})
	return nil
}

func (s *Store) DeleteTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	var doc transferDoc
	err := s.transfers().FindOne(ctx, bson.M{"_id": uuidToStr(transferID)}).Decode(&doc)
	if err != nil {
		return &registrystore.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if doc.FromUserID != userID && doc.ToUserID != userID {
		return &registrystore.ForbiddenError{}
	}
	s.transfers().DeleteOne(ctx, bson.M{"_id": uuidToStr(transferID)})
	return nil
}
