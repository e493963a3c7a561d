package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestStore opens an in-memory sqlite store. One connection only; each
// sqlite :memory: connection is its own database.
func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = ":memory:"
	cfg.DBMaxOpenConns = 1
	cfg.DBMaxIdleConns = 1
	ctx := config.WithContext(t.Context(), &cfg)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, autoMigrate(ctx, db))
	require.NoError(t, sqliteDialect{}.extraMigrations(ctx, db))

	s, err := newStore(ctx, db, sqliteDialect{})
	require.NoError(t, err)
	return s, ctx
}

func historyRequest(text string) registrystore.CreateEntryRequest {
	return registrystore.CreateEntryRequest{
		Content:     json.RawMessage(`[{"text":"` + text + `","role":"USER"}]`),
		ContentType: "history",
		Channel:     "history",
	}
}

func TestConversationCRUD(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Trip planning", map[string]interface{}{"tag": "travel"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", detail.Title)
	assert.Equal(t, "alice", detail.OwnerUserID)
	assert.Equal(t, detail.ID, detail.ConversationGroupID, "root conversations reuse the conversation ID as group ID")

	got, err := s.GetConversation(ctx, "alice", detail.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", got.Title)
	assert.Equal(t, model.AccessLevelOwner, got.AccessLevel)

	newTitle := "Summer trip"
	updated, err := s.UpdateConversation(ctx, "alice", detail.ID, &newTitle, nil)
	require.NoError(t, err)
	assert.Equal(t, "Summer trip", updated.Title)

	require.NoError(t, s.DeleteConversation(ctx, "alice", detail.ID))
	_, err = s.GetConversation(ctx, "alice", detail.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGetConversation_NonMemberForbidden(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Private", nil, nil, nil)
	require.NoError(t, err)

	_, err = s.GetConversation(ctx, "mallory", detail.ID)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestDeleteConversation_RevokesMembershipsAndEntries(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Shared", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("hello")}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, "alice", detail.ID))

	var memberships int64
	require.NoError(t, s.db.Model(&model.ConversationMembership{}).Where("conversation_group_id = ?", detail.ConversationGroupID).Count(&memberships).Error)
	assert.Zero(t, memberships)

	var entries int64
	require.NoError(t, s.db.Model(&model.Entry{}).Where("conversation_group_id = ?", detail.ConversationGroupID).Count(&entries).Error)
	assert.Zero(t, entries)
}

func TestListConversations_Modes(t *testing.T) {
	s, ctx := newTestStore(t)

	root, err := s.CreateConversation(ctx, "alice", "Root", nil, nil, nil)
	require.NoError(t, err)
	entries, err := s.AppendEntries(ctx, "alice", root.ID, []registrystore.CreateEntryRequest{historyRequest("one"), historyRequest("two")}, nil, nil)
	require.NoError(t, err)

	fork, err := s.CreateConversation(ctx, "alice", "Fork", nil, &root.ID, &entries[1].ID)
	require.NoError(t, err)

	all, _, err := s.ListConversations(ctx, "alice", nil, nil, 10, model.ListModeAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	roots, _, err := s.ListConversations(ctx, "alice", nil, nil, 10, model.ListModeRoots)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, root.ID, roots[0].ID)

	// The fork was created last, so it is the latest conversation of the group.
	latest, _, err := s.ListConversations(ctx, "alice", nil, nil, 10, model.ListModeLatestFork)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, fork.ID, latest[0].ID)
}

func TestListConversations_TitleQuery(t *testing.T) {
	s, ctx := newTestStore(t)

	match, err := s.CreateConversation(ctx, "alice", "Kubernetes upgrade notes", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "alice", "Grocery list", nil, nil, nil)
	require.NoError(t, err)

	q := "kubernetes"
	got, _, err := s.ListConversations(ctx, "alice", &q, nil, 10, model.ListModeAll)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, match.ID, got[0].ID)
}

func TestListConversations_Pagination(t *testing.T) {
	s, ctx := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.CreateConversation(ctx, "alice", "Conversation", nil, nil, nil)
		require.NoError(t, err)
	}

	page1, cursor, err := s.ListConversations(ctx, "alice", nil, nil, 3, model.ListModeAll)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotNil(t, cursor)

	page2, cursor, err := s.ListConversations(ctx, "alice", nil, cursor, 3, model.ListModeAll)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Nil(t, cursor)

	seen := map[uuid.UUID]bool{}
	for _, c := range append(page1, page2...) {
		assert.False(t, seen[c.ID], "no duplicates across pages")
		seen[c.ID] = true
	}
}

func TestShareConversation_Rules(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Shared", nil, nil, nil)
	require.NoError(t, err)

	m, err := s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelWriter, m.AccessLevel)

	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelReader)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict, "second share for the same user conflicts")

	_, err = s.ShareConversation(ctx, "alice", detail.ID, "carol", model.AccessLevelOwner)
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation, "owner level goes through ownership transfer")

	// Writers cannot manage membership.
	_, err = s.ShareConversation(ctx, "bob", detail.ID, "carol", model.AccessLevelReader)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestDeleteMembership_Rules(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Shared", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)

	err = s.DeleteMembership(ctx, "alice", detail.ID, "alice")
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation, "the owner cannot be removed")

	require.NoError(t, s.DeleteMembership(ctx, "alice", detail.ID, "bob"))
	_, err = s.GetConversation(ctx, "bob", detail.ID)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestDeleteMembership_CancelsPendingTransfer(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Shared", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelManager)
	require.NoError(t, err)
	transfer, err := s.CreateOwnershipTransfer(ctx, "alice", detail.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, s.DeleteMembership(ctx, "alice", detail.ID, "bob"))

	_, err = s.GetTransfer(ctx, "alice", transfer.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestOwnershipTransfer_Flow(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Handover", nil, nil, nil)
	require.NoError(t, err)

	_, err = s.CreateOwnershipTransfer(ctx, "alice", detail.ID, "alice")
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation, "self-transfer rejected")

	_, err = s.CreateOwnershipTransfer(ctx, "alice", detail.ID, "bob")
	assert.ErrorAs(t, err, &validation, "recipient must already be a member")

	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	transfer, err := s.CreateOwnershipTransfer(ctx, "alice", detail.ID, "bob")
	require.NoError(t, err)

	_, err = s.CreateOwnershipTransfer(ctx, "alice", detail.ID, "bob")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict, "one pending transfer per conversation")
	assert.Equal(t, "TRANSFER_ALREADY_PENDING", conflict.Code)

	err = s.AcceptTransfer(ctx, "carol", transfer.ID)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden, "only the recipient accepts")

	require.NoError(t, s.AcceptTransfer(ctx, "bob", transfer.ID))

	got, err := s.GetConversation(ctx, "bob", detail.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.OwnerUserID)
	assert.Equal(t, model.AccessLevelOwner, got.AccessLevel)

	aliceView, err := s.GetConversation(ctx, "alice", detail.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelManager, aliceView.AccessLevel, "previous owner keeps manager access")

	_, err = s.GetTransfer(ctx, "bob", transfer.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf, "accepted transfer is gone")
}

func TestListPendingTransfers_Roles(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Handover", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	_, err = s.CreateOwnershipTransfer(ctx, "alice", detail.ID, "bob")
	require.NoError(t, err)

	sent, _, err := s.ListPendingTransfers(ctx, "alice", "sender", nil, 10)
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	received, _, err := s.ListPendingTransfers(ctx, "bob", "recipient", nil, 10)
	require.NoError(t, err)
	assert.Len(t, received, 1)

	none, _, err := s.ListPendingTransfers(ctx, "alice", "recipient", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	both, _, err := s.ListPendingTransfers(ctx, "bob", "", nil, 10)
	require.NoError(t, err)
	assert.Len(t, both, 1)
}

func TestForkAncestryReads(t *testing.T) {
	s, ctx := newTestStore(t)

	root, err := s.CreateConversation(ctx, "alice", "Root", nil, nil, nil)
	require.NoError(t, err)
	rootEntries, err := s.AppendEntries(ctx, "alice", root.ID, []registrystore.CreateEntryRequest{
		historyRequest("first"),
		historyRequest("second"),
		historyRequest("third"),
	}, nil, nil)
	require.NoError(t, err)

	// Forking at the second entry keeps everything before it; the recorded
	// fork point is the entry the fork still includes.
	fork, err := s.CreateConversation(ctx, "alice", "Fork", nil, &root.ID, &rootEntries[1].ID)
	require.NoError(t, err)
	require.NotNil(t, fork.ForkedAtEntryID)
	assert.Equal(t, rootEntries[0].ID, *fork.ForkedAtEntryID)

	forkEntries, err := s.AppendEntries(ctx, "alice", fork.ID, []registrystore.CreateEntryRequest{historyRequest("branched")}, nil, nil)
	require.NoError(t, err)

	page, err := s.GetEntries(ctx, "alice", fork.ID, nil, 50, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, rootEntries[0].ID, page.Data[0].ID)
	assert.Equal(t, forkEntries[0].ID, page.Data[1].ID)

	// The root still sees all three of its own entries.
	rootPage, err := s.GetEntries(ctx, "alice", root.ID, nil, 50, nil, nil, nil, false)
	require.NoError(t, err)
	assert.Len(t, rootPage.Data, 3)

	// allForks flattens the whole group.
	allPage, err := s.GetEntries(ctx, "alice", fork.ID, nil, 50, nil, nil, nil, true)
	require.NoError(t, err)
	assert.Len(t, allPage.Data, 4)
}

func TestListForks(t *testing.T) {
	s, ctx := newTestStore(t)

	root, err := s.CreateConversation(ctx, "alice", "Root", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "alice", root.ID, []registrystore.CreateEntryRequest{historyRequest("hi")}, nil, nil)
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "alice", "Fork A", nil, &root.ID, nil)
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "alice", "Fork B", nil, &root.ID, nil)
	require.NoError(t, err)

	forks, _, err := s.ListForks(ctx, "alice", root.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, forks, 3, "the root is part of its own fork tree")
}

func TestAppendEntries_AutoCreatesAndDerivesTitle(t *testing.T) {
	s, ctx := newTestStore(t)

	convID := uuid.New()
	entries, err := s.AppendEntries(ctx, "alice", convID, []registrystore.CreateEntryRequest{historyRequest("What is the capital of France")}, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	detail, err := s.GetConversation(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Equal(t, "What is the capital of France", detail.Title)
	assert.Equal(t, "alice", detail.OwnerUserID)
}

func TestAppendEntries_BatchOrderSurvivesSorting(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Ordered", nil, nil, nil)
	require.NoError(t, err)

	reqs := make([]registrystore.CreateEntryRequest, 5)
	for i := range reqs {
		reqs[i] = historyRequest(string(rune('a' + i)))
	}
	appended, err := s.AppendEntries(ctx, "alice", detail.ID, reqs, nil, nil)
	require.NoError(t, err)

	// One append call is one logical write: every entry shares a timestamp
	// and the IDs break the tie in insertion order.
	for _, e := range appended[1:] {
		assert.Equal(t, appended[0].CreatedAt, e.CreatedAt)
	}

	page, err := s.GetEntries(ctx, "alice", detail.ID, nil, 50, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 5)
	for i, e := range page.Data {
		assert.Equal(t, appended[i].ID, e.ID)
	}
}

func TestAppendEntries_Validation(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Strict", nil, nil, nil)
	require.NoError(t, err)

	var validation *ValidationError

	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{{
		Content:     json.RawMessage(`[{"text":"hi","role":"USER"}]`),
		ContentType: "history",
		Channel:     "bogus",
	}}, nil, nil)
	assert.ErrorAs(t, err, &validation)

	// Memory entries need a clientId.
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{{
		Content:     json.RawMessage(`["fact"]`),
		ContentType: "application/json",
		Channel:     "memory",
	}}, nil, nil)
	assert.ErrorAs(t, err, &validation)

	// Readers cannot write.
	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "bob", detail.ID, []registrystore.CreateEntryRequest{historyRequest("hi")}, nil, nil)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestGetEntries_MemoryChannelRequiresClientID(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Mem", nil, nil, nil)
	require.NoError(t, err)

	channel := model.ChannelMemory
	_, err = s.GetEntries(ctx, "alice", detail.ID, nil, 50, &channel, nil, nil, false)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestGetEntries_ChannelFilter(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Mixed", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("hello")}, nil, nil)
	require.NoError(t, err)
	clientID := "assistant"
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{{
		Content:     json.RawMessage(`["remembers go"]`),
		ContentType: "application/json",
		Channel:     "memory",
	}}, &clientID, nil)
	require.NoError(t, err)

	channel := model.ChannelHistory
	page, err := s.GetEntries(ctx, "alice", detail.ID, nil, 50, &channel, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, model.ChannelHistory, page.Data[0].Channel)

	channel = model.ChannelMemory
	page, err = s.GetEntries(ctx, "alice", detail.ID, nil, 50, &channel, nil, &clientID, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.NotNil(t, page.Data[0].Epoch)
	assert.Equal(t, int64(1), *page.Data[0].Epoch, "memory entries default to epoch 1")
}

func TestSyncMemoryEntry_Lifecycle(t *testing.T) {
	s, ctx := newTestStore(t)
	convID := uuid.New()

	memReq := func(content string) registrystore.CreateEntryRequest {
		return registrystore.CreateEntryRequest{
			Content:     json.RawMessage(content),
			ContentType: "application/json",
			Channel:     "memory",
		}
	}

	// Empty sync against a missing conversation does nothing.
	res, err := s.SyncMemoryEntry(ctx, "alice", convID, memReq(`[]`), "assistant")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	_, err = s.GetConversation(ctx, "alice", convID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf, "empty sync does not auto-create")

	// First real sync auto-creates and lands on epoch 1.
	res, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["a"]`), "assistant")
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.False(t, res.NoOp)
	assert.False(t, res.EpochIncremented)
	require.NotNil(t, res.Epoch)
	assert.Equal(t, int64(1), *res.Epoch)

	// Identical content is a no-op.
	res, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["a"]`), "assistant")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, int64(1), *res.Epoch)

	// A prefix extension appends only the delta at the same epoch.
	res, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["a","b"]`), "assistant")
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.False(t, res.EpochIncremented)
	assert.Equal(t, int64(1), *res.Epoch)
	assert.JSONEq(t, `["b"]`, string(res.Entry.Content))

	// Divergence restates everything under a new epoch.
	res, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["a","c"]`), "assistant")
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.True(t, res.EpochIncremented)
	assert.Equal(t, int64(2), *res.Epoch)
	assert.JSONEq(t, `["a","c"]`, string(res.Entry.Content))

	// Reads see only the latest epoch.
	channel := model.ChannelMemory
	clientID := "assistant"
	page, err := s.GetEntries(ctx, "alice", convID, nil, 50, &channel, nil, &clientID, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.JSONEq(t, `["a","c"]`, string(page.Data[0].Content))

	// Clearing mints another epoch with empty content.
	res, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`[]`), "assistant")
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.True(t, res.EpochIncremented)
	assert.Equal(t, int64(3), *res.Epoch)
	assert.JSONEq(t, `[]`, string(res.Entry.Content))

	// Clearing again is a no-op.
	res, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`[]`), "assistant")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
}

func TestSyncMemoryEntry_ClientsAreIndependent(t *testing.T) {
	s, ctx := newTestStore(t)
	convID := uuid.New()

	memReq := func(content string) registrystore.CreateEntryRequest {
		return registrystore.CreateEntryRequest{
			Content:     json.RawMessage(content),
			ContentType: "application/json",
			Channel:     "memory",
		}
	}

	_, err := s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["a"]`), "client-a")
	require.NoError(t, err)
	res, err := s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["x"]`), "client-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), *res.Epoch, "each client has its own epoch sequence")

	channel := model.ChannelMemory
	clientA := "client-a"
	page, err := s.GetEntries(ctx, "alice", convID, nil, 50, &channel, nil, &clientA, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.JSONEq(t, `["a"]`, string(page.Data[0].Content))
}

func TestSyncMemoryEntry_ForkDivergesFromInheritedMemory(t *testing.T) {
	s, ctx := newTestStore(t)

	root, err := s.CreateConversation(ctx, "alice", "Root", nil, nil, nil)
	require.NoError(t, err)
	memReq := func(content string) registrystore.CreateEntryRequest {
		return registrystore.CreateEntryRequest{
			Content:     json.RawMessage(content),
			ContentType: "application/json",
			Channel:     "memory",
		}
	}
	_, err = s.SyncMemoryEntry(ctx, "alice", root.ID, memReq(`["shared"]`), "assistant")
	require.NoError(t, err)

	fork, err := s.CreateConversation(ctx, "alice", "Fork", nil, &root.ID, nil)
	require.NoError(t, err)

	// The fork inherits the parent's memory, so matching content is a no-op.
	res, err := s.SyncMemoryEntry(ctx, "alice", fork.ID, memReq(`["shared"]`), "assistant")
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	// Extending writes only the delta into the fork.
	res, err = s.SyncMemoryEntry(ctx, "alice", fork.ID, memReq(`["shared","fork-only"]`), "assistant")
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, fork.ID, res.Entry.ConversationID)
	assert.JSONEq(t, `["fork-only"]`, string(res.Entry.Content))

	// The root's memory is untouched.
	channel := model.ChannelMemory
	clientID := "assistant"
	page, err := s.GetEntries(ctx, "alice", root.ID, nil, 50, &channel, nil, &clientID, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.JSONEq(t, `["shared"]`, string(page.Data[0].Content))
}

func TestDeleteConversation_ManagerCanDelete(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Shared", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelManager)
	require.NoError(t, err)
	_, err = s.ShareConversation(ctx, "alice", detail.ID, "carol", model.AccessLevelWriter)
	require.NoError(t, err)

	// Writers cannot delete.
	err = s.DeleteConversation(ctx, "carol", detail.ID)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	// Managers can, just like owners.
	require.NoError(t, s.DeleteConversation(ctx, "bob", detail.ID))
	_, err = s.GetConversation(ctx, "alice", detail.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestForkAtFirstEntry_InheritsNothing(t *testing.T) {
	s, ctx := newTestStore(t)

	root, err := s.CreateConversation(ctx, "alice", "Root", nil, nil, nil)
	require.NoError(t, err)
	rootEntries, err := s.AppendEntries(ctx, "alice", root.ID, []registrystore.CreateEntryRequest{
		historyRequest("first"),
		historyRequest("second"),
	}, nil, nil)
	require.NoError(t, err)

	fork, err := s.CreateConversation(ctx, "alice", "Fork", nil, &root.ID, &rootEntries[0].ID)
	require.NoError(t, err)
	assert.Nil(t, fork.ForkedAtEntryID, "no history precedes the first entry")

	forkEntries, err := s.AppendEntries(ctx, "alice", fork.ID, []registrystore.CreateEntryRequest{historyRequest("fresh start")}, nil, nil)
	require.NoError(t, err)

	page, err := s.GetEntries(ctx, "alice", fork.ID, nil, 50, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, forkEntries[0].ID, page.Data[0].ID)
}

func TestForkPoint_NearestHistoryPredecessorOnly(t *testing.T) {
	s, ctx := newTestStore(t)

	root, err := s.CreateConversation(ctx, "alice", "Root", nil, nil, nil)
	require.NoError(t, err)
	first, err := s.AppendEntries(ctx, "alice", root.ID, []registrystore.CreateEntryRequest{historyRequest("first")}, nil, nil)
	require.NoError(t, err)

	// A memory entry lands between the two history entries; it must not
	// become the recorded fork point.
	clientID := "assistant"
	_, err = s.AppendEntries(ctx, "alice", root.ID, []registrystore.CreateEntryRequest{{
		Content:     json.RawMessage(`["fact"]`),
		ContentType: "application/json",
		Channel:     "memory",
	}}, &clientID, nil)
	require.NoError(t, err)

	second, err := s.AppendEntries(ctx, "alice", root.ID, []registrystore.CreateEntryRequest{historyRequest("second")}, nil, nil)
	require.NoError(t, err)

	fork, err := s.CreateConversation(ctx, "alice", "Fork", nil, &root.ID, &second[0].ID)
	require.NoError(t, err)
	require.NotNil(t, fork.ForkedAtEntryID)
	assert.Equal(t, first[0].ID, *fork.ForkedAtEntryID)
}

func TestIndexEntries_MemoryEntriesRejected(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Mem", nil, nil, nil)
	require.NoError(t, err)
	clientID := "assistant"
	entries, err := s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{{
		Content:     json.RawMessage(`["fact"]`),
		ContentType: "application/json",
		Channel:     "memory",
	}}, &clientID, nil)
	require.NoError(t, err)

	_, err = s.IndexEntries(ctx, []registrystore.IndexEntryRequest{{
		EntryID:        entries[0].ID,
		ConversationID: detail.ID,
		IndexedContent: "memory entries are never indexed",
	}})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	var stored model.Entry
	require.NoError(t, s.db.Where("id = ?", entries[0].ID).First(&stored).Error)
	assert.Nil(t, stored.IndexedContent)
}

func TestSyncMemoryEntry_ContentTypeChangeStartsNewEpoch(t *testing.T) {
	s, ctx := newTestStore(t)
	convID := uuid.New()

	memReq := func(content, contentType string) registrystore.CreateEntryRequest {
		return registrystore.CreateEntryRequest{
			Content:     json.RawMessage(content),
			ContentType: contentType,
			Channel:     "memory",
		}
	}

	res, err := s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["a"]`, "application/json"), "assistant")
	require.NoError(t, err)
	require.NotNil(t, res.Epoch)
	assert.Equal(t, int64(1), *res.Epoch)

	// The content only extends the previous state, but the content type
	// changed: restate under a new epoch instead of appending a delta.
	res, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["a","b"]`, "application/json; profile=v2"), "assistant")
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.True(t, res.EpochIncremented)
	assert.Equal(t, int64(2), *res.Epoch)
	assert.JSONEq(t, `["a","b"]`, string(res.Entry.Content))
	assert.Equal(t, "application/json; profile=v2", res.Entry.ContentType)
}

func TestSyncMemoryEntry_ConcurrentSyncsMintDistinctEpochs(t *testing.T) {
	s, ctx := newTestStore(t)
	convID := uuid.New()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := registrystore.CreateEntryRequest{
				Content:     json.RawMessage(fmt.Sprintf(`["note-%d"]`, i)),
				ContentType: "application/json",
				Channel:     "memory",
			}
			_, errs[i] = s.SyncMemoryEntry(ctx, "alice", convID, req, "assistant")
		}(i)
	}
	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i])
	}

	channel := model.ChannelMemory
	clientID := "assistant"
	page, err := s.GetEntries(ctx, "alice", convID, nil, 50, &channel,
		&registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeAll}, &clientID, false)
	require.NoError(t, err)
	require.Len(t, page.Data, writers)

	seen := map[int64]bool{}
	for _, e := range page.Data {
		require.NotNil(t, e.Epoch)
		assert.False(t, seen[*e.Epoch], "epoch %d minted twice", *e.Epoch)
		seen[*e.Epoch] = true
	}
}

func TestGetEntries_LimitClamped(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Long", nil, nil, nil)
	require.NoError(t, err)

	reqs := make([]registrystore.CreateEntryRequest, 210)
	for i := range reqs {
		reqs[i] = historyRequest(fmt.Sprintf("message %d", i))
	}
	_, err = s.AppendEntries(ctx, "alice", detail.ID, reqs, nil, nil)
	require.NoError(t, err)

	page, err := s.GetEntries(ctx, "alice", detail.ID, nil, 1000, nil, nil, nil, false)
	require.NoError(t, err)
	assert.Len(t, page.Data, 200, "page size is capped")
	assert.NotNil(t, page.AfterCursor)
}

func TestMigrator_RequiresConfig(t *testing.T) {
	m := &migrator{datastore: "sqlite", open: sqlite.Open, dialect: sqliteDialect{}}
	assert.Error(t, m.Migrate(context.Background()))
}

func TestEncryptionAtRest(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = ":memory:"
	cfg.DBMaxOpenConns = 1
	cfg.DBMaxIdleConns = 1
	// 32-byte hex key.
	cfg.EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	ctx := config.WithContext(t.Context(), &cfg)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, autoMigrate(ctx, db))
	require.NoError(t, sqliteDialect{}.extraMigrations(ctx, db))
	s, err := newStore(ctx, db, sqliteDialect{})
	require.NoError(t, err)

	detail, err := s.CreateConversation(ctx, "alice", "Secret plans", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("the launch code")}, nil, nil)
	require.NoError(t, err)

	var rawConv model.Conversation
	require.NoError(t, s.db.Where("id = ?", detail.ID).First(&rawConv).Error)
	assert.NotContains(t, string(rawConv.Title), "Secret plans")

	var rawEntry model.Entry
	require.NoError(t, s.db.Where("conversation_group_id = ?", detail.ConversationGroupID).First(&rawEntry).Error)
	assert.NotContains(t, string(rawEntry.Content), "launch code")

	// Reads decrypt transparently.
	got, err := s.GetConversation(ctx, "alice", detail.ID)
	require.NoError(t, err)
	assert.Equal(t, "Secret plans", got.Title)

	page, err := s.GetEntries(ctx, "alice", detail.ID, nil, 50, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Contains(t, string(page.Data[0].Content), "launch code")
}
