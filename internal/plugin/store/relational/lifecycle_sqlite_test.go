package relational

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_ClaimAndDelete(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.CreateTask(ctx, "vector_store_delete", map[string]interface{}{"conversationGroupId": uuid.New().String()}))
	require.NoError(t, s.CreateTask(ctx, "vector_entry_delete", map[string]interface{}{"entryId": uuid.New().String()}))

	tasks, err := s.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.NotNil(t, task.ProcessingAt, "claimed tasks carry a claim timestamp")
	}

	// Claimed tasks are invisible until the claim TTL expires.
	again, err := s.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.DeleteTask(ctx, tasks[0].ID))
	require.NoError(t, s.DeleteTask(ctx, tasks[1].ID))
	var remaining int64
	require.NoError(t, s.db.Model(&model.Task{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestTaskQueue_FailAndRetry(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.CreateTask(ctx, "vector_store_delete", map[string]interface{}{}))
	tasks, err := s.ClaimReadyTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, s.FailTask(ctx, tasks[0].ID, "index unavailable", time.Millisecond))

	var task model.Task
	require.NoError(t, s.db.Where("id = ?", tasks[0].ID).First(&task).Error)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "index unavailable", *task.LastError)
	assert.Nil(t, task.ProcessingAt, "failing releases the claim")

	time.Sleep(5 * time.Millisecond)
	tasks, err = s.ClaimReadyTasks(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "failed task becomes claimable after the retry delay")
}

func TestTaskQueue_NamedTaskDeduplicates(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.CreateNamedTask(ctx, "nightly-reindex", "reindex", map[string]interface{}{}))
	require.NoError(t, s.CreateNamedTask(ctx, "nightly-reindex", "reindex", map[string]interface{}{}))

	var count int64
	require.NoError(t, s.db.Model(&model.Task{}).Where("task_name = ?", "nightly-reindex").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEviction_Lifecycle(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Doomed", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("bye")}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.DeleteConversation(ctx, "alice", detail.ID))

	// Not evictable before the retention cutoff passes.
	past := time.Now().Add(-time.Hour)
	count, err := s.CountEvictableGroups(ctx, past)
	require.NoError(t, err)
	assert.Zero(t, count)

	future := time.Now().Add(time.Hour)
	count, err = s.CountEvictableGroups(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	ids, err := s.FindEvictableGroupIDs(ctx, future, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, detail.ConversationGroupID, ids[0])

	require.NoError(t, s.HardDeleteConversationGroups(ctx, ids))

	var groups int64
	require.NoError(t, s.db.Model(&model.ConversationGroup{}).Count(&groups).Error)
	assert.Zero(t, groups)
	var convs int64
	require.NoError(t, s.db.Model(&model.Conversation{}).Count(&convs).Error)
	assert.Zero(t, convs)
}

func TestEvictSupersededEpochs(t *testing.T) {
	s, ctx := newTestStore(t)
	convID := uuid.New()

	memReq := func(content string) registrystore.CreateEntryRequest {
		return registrystore.CreateEntryRequest{
			Content:     json.RawMessage(content),
			ContentType: "application/json",
			Channel:     "memory",
		}
	}
	_, err := s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["old"]`), "assistant")
	require.NoError(t, err)
	_, err = s.SyncMemoryEntry(ctx, "alice", convID, memReq(`["replaced"]`), "assistant")
	require.NoError(t, err)

	// Epoch 1 was just superseded; a cutoff in the past keeps it.
	deleted, err := s.EvictSupersededEpochs(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = s.EvictSupersededEpochs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// A cleanup task was enqueued for the pruned entry.
	tasks, err := s.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "vector_entry_delete", tasks[0].TaskType)

	// The latest epoch survives.
	channel := model.ChannelMemory
	clientID := "assistant"
	page, err := s.GetEntries(ctx, "alice", convID, nil, 50, &channel, nil, &clientID, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.JSONEq(t, `["replaced"]`, string(page.Data[0].Content))
}

func TestIndexingLifecycle(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Indexed", nil, nil, nil)
	require.NoError(t, err)
	entries, err := s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("needle in a haystack")}, nil, nil)
	require.NoError(t, err)

	unindexed, _, err := s.ListUnindexedEntries(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, unindexed, 1)

	resp, err := s.IndexEntries(ctx, []registrystore.IndexEntryRequest{{
		EntryID:        entries[0].ID,
		ConversationID: detail.ID,
		IndexedContent: "needle in a haystack",
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Indexed)

	unindexed, _, err = s.ListUnindexedEntries(ctx, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, unindexed)

	pending, err := s.FindEntriesPendingVectorIndexing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.SetIndexedAt(ctx, entries[0].ID, detail.ConversationGroupID, time.Now()))
	pending, err = s.FindEntriesPendingVectorIndexing(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Indexing an entry through the wrong conversation is rejected.
	other, err := s.CreateConversation(ctx, "alice", "Other", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.IndexEntries(ctx, []registrystore.IndexEntryRequest{{
		EntryID:        entries[0].ID,
		ConversationID: other.ID,
		IndexedContent: "nope",
	}})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSearchEntries_MembershipScoped(t *testing.T) {
	s, ctx := newTestStore(t)

	mine, err := s.CreateConversation(ctx, "alice", "Mine", nil, nil, nil)
	require.NoError(t, err)
	mineEntries, err := s.AppendEntries(ctx, "alice", mine.ID, []registrystore.CreateEntryRequest{historyRequest("quarterly revenue report")}, nil, nil)
	require.NoError(t, err)
	_, err = s.IndexEntries(ctx, []registrystore.IndexEntryRequest{{EntryID: mineEntries[0].ID, ConversationID: mine.ID, IndexedContent: "quarterly revenue report"}})
	require.NoError(t, err)

	theirs, err := s.CreateConversation(ctx, "bob", "Theirs", nil, nil, nil)
	require.NoError(t, err)
	theirEntries, err := s.AppendEntries(ctx, "bob", theirs.ID, []registrystore.CreateEntryRequest{historyRequest("quarterly hiring plan")}, nil, nil)
	require.NoError(t, err)
	_, err = s.IndexEntries(ctx, []registrystore.IndexEntryRequest{{EntryID: theirEntries[0].ID, ConversationID: theirs.ID, IndexedContent: "quarterly hiring plan"}})
	require.NoError(t, err)

	results, err := s.SearchEntries(ctx, "alice", "quarterly", 10, false)
	require.NoError(t, err)
	require.Len(t, results.Data, 1, "search only covers conversations the user can read")
	assert.Equal(t, mineEntries[0].ID, results.Data[0].EntryID)

	// Word match is AND.
	results, err = s.SearchEntries(ctx, "alice", "quarterly missing", 10, false)
	require.NoError(t, err)
	assert.Empty(t, results.Data)
}

func TestAttachmentLifecycle(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "With files", nil, nil, nil)
	require.NoError(t, err)
	entries, err := s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("see attached")}, nil, nil)
	require.NoError(t, err)

	storageKey := "blobs/abc123"
	created, err := s.CreateAttachment(ctx, "alice", uuid.Nil, model.Attachment{
		StorageKey:  &storageKey,
		ContentType: "application/pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "ready", created.Status)
	assert.Nil(t, created.EntryID)

	// Unlinked attachments are private to the uploader.
	_, err = s.GetAttachment(ctx, "bob", uuid.Nil, created.ID)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	unlinked, _, err := s.ListAttachments(ctx, "alice", uuid.Nil, nil, 10)
	require.NoError(t, err)
	assert.Len(t, unlinked, 1)

	// Linking makes it visible to conversation readers.
	linked, err := s.UpdateAttachment(ctx, "alice", created.ID, registrystore.AttachmentUpdate{EntryID: &entries[0].ID})
	require.NoError(t, err)
	require.NotNil(t, linked.EntryID)

	_, err = s.ShareConversation(ctx, "alice", detail.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)
	got, err := s.GetAttachment(ctx, "bob", detail.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	inConv, _, err := s.ListAttachments(ctx, "bob", detail.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, inConv, 1)

	// Linked attachments cannot be deleted through the user API.
	err = s.DeleteAttachment(ctx, "alice", detail.ID, created.ID)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestAdminAttachments(t *testing.T) {
	s, ctx := newTestStore(t)

	storageKey := "blobs/expired"
	expiresAt := time.Now().Add(-time.Hour)
	created, err := s.CreateAttachment(ctx, "alice", uuid.Nil, model.Attachment{
		StorageKey:  &storageKey,
		ContentType: "image/png",
		ExpiresAt:   &expiresAt,
	})
	require.NoError(t, err)

	expired, _, err := s.AdminListAttachments(ctx, registrystore.AdminAttachmentQuery{Status: "expired", Limit: 10})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].RefCount)

	_, _, err = s.AdminListAttachments(ctx, registrystore.AdminAttachmentQuery{Status: "bogus", Limit: 10})
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)

	byKey, err := s.AdminGetAttachmentByStorageKey(ctx, storageKey)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byKey.ID)

	require.NoError(t, s.AdminDeleteAttachment(ctx, created.ID))
	err = s.AdminDeleteAttachment(ctx, created.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestAdminDeleteAndRestore(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Recoverable", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("keep me")}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.AdminDeleteConversation(ctx, detail.ID))

	// Admin delete keeps memberships and entries for restore.
	var entries int64
	require.NoError(t, s.db.Model(&model.Entry{}).Where("conversation_group_id = ?", detail.ConversationGroupID).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)

	_, err = s.GetConversation(ctx, "alice", detail.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf, "deleted conversations disappear from the user API")

	admin, err := s.AdminGetConversation(ctx, detail.ID)
	require.NoError(t, err)
	assert.NotNil(t, admin.DeletedAt)

	err = s.AdminRestoreConversation(ctx, uuid.New())
	assert.ErrorAs(t, err, &nf)

	require.NoError(t, s.AdminRestoreConversation(ctx, detail.ID))
	var conflict *ConflictError
	err = s.AdminRestoreConversation(ctx, detail.ID)
	assert.ErrorAs(t, err, &conflict, "restoring a live conversation conflicts")

	got, err := s.GetConversation(ctx, "alice", detail.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)

	page, err := s.GetEntries(ctx, "alice", detail.ID, nil, 50, nil, nil, nil, false)
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)
}

func TestAdminListConversations_DeletedFilters(t *testing.T) {
	s, ctx := newTestStore(t)

	live, err := s.CreateConversation(ctx, "alice", "Live", nil, nil, nil)
	require.NoError(t, err)
	dead, err := s.CreateConversation(ctx, "alice", "Dead", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AdminDeleteConversation(ctx, dead.ID))

	visible, _, err := s.AdminListConversations(ctx, registrystore.AdminConversationQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, live.ID, visible[0].ID)

	deleted, _, err := s.AdminListConversations(ctx, registrystore.AdminConversationQuery{OnlyDeleted: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, dead.ID, deleted[0].ID)

	all, _, err := s.AdminListConversations(ctx, registrystore.AdminConversationQuery{IncludeDeleted: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	owner := "alice"
	byOwner, _, err := s.AdminListConversations(ctx, registrystore.AdminConversationQuery{UserID: &owner, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, byOwner, 1)
}

func TestAdminGetEntries_IncludesDeletedConversations(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Audited", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("evidence")}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AdminDeleteConversation(ctx, detail.ID))

	page, err := s.AdminGetEntries(ctx, detail.ID, registrystore.AdminEntryQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Contains(t, string(page.Data[0].Content), "evidence")
}

func TestGetEntryGroupID(t *testing.T) {
	s, ctx := newTestStore(t)

	detail, err := s.CreateConversation(ctx, "alice", "Grouped", nil, nil, nil)
	require.NoError(t, err)
	entries, err := s.AppendEntries(ctx, "alice", detail.ID, []registrystore.CreateEntryRequest{historyRequest("hi")}, nil, nil)
	require.NoError(t, err)

	groupID, err := s.GetEntryGroupID(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, detail.ConversationGroupID, groupID)

	_, err = s.GetEntryGroupID(ctx, uuid.New())
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestListConversationGroupIDs(t *testing.T) {
	s, ctx := newTestStore(t)

	a, err := s.CreateConversation(ctx, "alice", "A", nil, nil, nil)
	require.NoError(t, err)
	b, err := s.CreateConversation(ctx, "alice", "B", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "bob", "C", nil, nil, nil)
	require.NoError(t, err)

	ids, err := s.ListConversationGroupIDs(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ConversationGroupID, b.ConversationGroupID}, ids)
}

func TestPing(t *testing.T) {
	s, ctx := newTestStore(t)
	assert.NoError(t, s.Ping(ctx))
}
