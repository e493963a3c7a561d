package service

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore stubs just the methods the background services touch. Anything
// else panics via the embedded nil interface.
type fakeStore struct {
	registrystore.ConversationStore

	tasks          []model.Task
	claimErr       error
	deletedTasks   []uuid.UUID
	failedTasks    []uuid.UUID
	createdTasks   []string
	evictableIDs   [][]uuid.UUID
	hardDeleted    [][]uuid.UUID
	epochCutoff    *time.Time
	pending        []model.Entry
	indexedAt      []uuid.UUID
	attachmentPage [][]registrystore.AdminAttachment
	deletedAttach  []uuid.UUID
}

func (f *fakeStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	return f.tasks, f.claimErr
}

func (f *fakeStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	f.deletedTasks = append(f.deletedTasks, taskID)
	return nil
}

func (f *fakeStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	f.failedTasks = append(f.failedTasks, taskID)
	return nil
}

func (f *fakeStore) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	f.createdTasks = append(f.createdTasks, taskType)
	return nil
}

func (f *fakeStore) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, batch := range f.evictableIDs {
		total += int64(len(batch))
	}
	return total, nil
}

func (f *fakeStore) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if len(f.evictableIDs) == 0 {
		return nil, nil
	}
	batch := f.evictableIDs[0]
	f.evictableIDs = f.evictableIDs[1:]
	return batch, nil
}

func (f *fakeStore) HardDeleteConversationGroups(ctx context.Context, groupIDs []uuid.UUID) error {
	f.hardDeleted = append(f.hardDeleted, groupIDs)
	return nil
}

func (f *fakeStore) EvictSupersededEpochs(ctx context.Context, cutoff time.Time) (int64, error) {
	f.epochCutoff = &cutoff
	return 0, nil
}

func (f *fakeStore) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	return f.pending, nil
}

func (f *fakeStore) SetIndexedAt(ctx context.Context, entryID uuid.UUID, conversationGroupID uuid.UUID, indexedAt time.Time) error {
	f.indexedAt = append(f.indexedAt, entryID)
	return nil
}

func (f *fakeStore) AdminListAttachments(ctx context.Context, query registrystore.AdminAttachmentQuery) ([]registrystore.AdminAttachment, *string, error) {
	if len(f.attachmentPage) == 0 {
		return nil, nil, nil
	}
	page := f.attachmentPage[0]
	f.attachmentPage = f.attachmentPage[1:]
	if len(f.attachmentPage) > 0 {
		cursor := "more"
		return page, &cursor, nil
	}
	return page, nil, nil
}

func (f *fakeStore) AdminDeleteAttachment(ctx context.Context, attachmentID uuid.UUID) error {
	f.deletedAttach = append(f.deletedAttach, attachmentID)
	return nil
}

type fakeCleaner struct {
	enabled       bool
	deletedGroups []uuid.UUID
	deletedEntry  []uuid.UUID
	err           error
}

func (c *fakeCleaner) Enabled() bool { return c.enabled }

func (c *fakeCleaner) DeleteByConversationGroupID(ctx context.Context, groupID uuid.UUID) error {
	c.deletedGroups = append(c.deletedGroups, groupID)
	return c.err
}

func (c *fakeCleaner) DeleteByEntryID(ctx context.Context, entryID uuid.UUID) error {
	c.deletedEntry = append(c.deletedEntry, entryID)
	return c.err
}

type fakeIndexer struct {
	enabled bool
	indexed []model.Entry
	err     error
}

func (i *fakeIndexer) Enabled() bool { return i.enabled }

func (i *fakeIndexer) Index(ctx context.Context, entries []model.Entry) error {
	i.indexed = append(i.indexed, entries...)
	return i.err
}

type fakeBlobs struct {
	deleted []string
}

func (b *fakeBlobs) Delete(ctx context.Context, storageKey string) error {
	b.deleted = append(b.deleted, storageKey)
	return nil
}

func TestTaskProcessor_DispatchesAndCompletes(t *testing.T) {
	entryID := uuid.New()
	groupID := uuid.New()
	store := &fakeStore{tasks: []model.Task{
		{ID: uuid.New(), TaskType: "vector_entry_delete", TaskBody: map[string]any{"entryId": entryID.String()}},
		{ID: uuid.New(), TaskType: "vector_store_delete", TaskBody: map[string]any{"conversationGroupId": groupID.String()}},
	}}
	cleaner := &fakeCleaner{enabled: true}

	p := NewTaskProcessor(store, cleaner, nil)
	p.processBatch(t.Context())

	assert.Equal(t, []uuid.UUID{entryID}, cleaner.deletedEntry)
	assert.Equal(t, []uuid.UUID{groupID}, cleaner.deletedGroups)
	assert.Len(t, store.deletedTasks, 2)
	assert.Empty(t, store.failedTasks)
}

func TestTaskProcessor_FailsBadTasks(t *testing.T) {
	store := &fakeStore{tasks: []model.Task{
		{ID: uuid.New(), TaskType: "vector_entry_delete", TaskBody: map[string]any{}},
		{ID: uuid.New(), TaskType: "mystery", TaskBody: map[string]any{}},
	}}

	p := NewTaskProcessor(store, &fakeCleaner{enabled: true}, nil)
	p.processBatch(t.Context())

	assert.Len(t, store.failedTasks, 2)
	assert.Empty(t, store.deletedTasks)
}

func TestTaskProcessor_NoCleanerCompletesVectorTasks(t *testing.T) {
	// Without a vector index, cleanup tasks are drained instead of retried
	// forever.
	store := &fakeStore{tasks: []model.Task{
		{ID: uuid.New(), TaskType: "vector_entry_delete", TaskBody: map[string]any{}},
	}}

	p := NewTaskProcessor(store, nil, nil)
	p.processBatch(t.Context())

	assert.Len(t, store.deletedTasks, 1)
	assert.Empty(t, store.failedTasks)
}

func TestTaskProcessor_ConfigOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TaskPollInterval = time.Second
	cfg.TaskBatchSize = 7

	p := NewTaskProcessor(&fakeStore{}, nil, &cfg)
	assert.Equal(t, time.Second, p.interval)
	assert.Equal(t, 7, p.batchSize)
}

func TestEvictionService_RunEviction(t *testing.T) {
	batch1 := []uuid.UUID{uuid.New(), uuid.New()}
	batch2 := []uuid.UUID{uuid.New()}
	store := &fakeStore{evictableIDs: [][]uuid.UUID{batch1, batch2}}

	e := NewEvictionService(store, nil)
	e.delay = 0
	e.runEviction(t.Context())

	require.Len(t, store.hardDeleted, 2)
	assert.Equal(t, batch1, store.hardDeleted[0])
	assert.Equal(t, batch2, store.hardDeleted[1])
	// One vector cleanup task per evicted group, enqueued before the delete.
	assert.Len(t, store.createdTasks, 3)
	for _, taskType := range store.createdTasks {
		assert.Equal(t, "vector_store_delete", taskType)
	}
}

func TestEvictionService_RunEpochEviction(t *testing.T) {
	store := &fakeStore{}
	e := NewEvictionService(store, nil)
	e.retention = 24 * time.Hour

	e.runEpochEviction(t.Context())

	require.NotNil(t, store.epochCutoff)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), *store.epochCutoff, time.Minute)
}

func TestBackgroundIndexer_IndexBatch(t *testing.T) {
	content := "searchable"
	ready := model.Entry{ID: uuid.New(), ConversationGroupID: uuid.New(), IndexedContent: &content}
	empty := ""
	blank := model.Entry{ID: uuid.New(), IndexedContent: &empty}
	store := &fakeStore{pending: []model.Entry{ready, blank}}
	indexer := &fakeIndexer{enabled: true}

	b := NewBackgroundIndexer(store, indexer, nil)
	b.indexBatch(t.Context())

	require.Len(t, indexer.indexed, 1)
	assert.Equal(t, ready.ID, indexer.indexed[0].ID)
	assert.Equal(t, []uuid.UUID{ready.ID}, store.indexedAt)
}

func TestBackgroundIndexer_DisabledIsNoOp(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	b := NewBackgroundIndexer(&fakeStore{}, nil, nil)
	b.Start(ctx) // returns immediately, nothing to index with
}

func TestAttachmentCleanup_DeletesExpiredUnlinked(t *testing.T) {
	key1 := "blobs/one"
	key2 := "blobs/shared"
	linkedEntry := uuid.New()

	unlinked := registrystore.AdminAttachment{
		Attachment: model.Attachment{ID: uuid.New(), StorageKey: &key1},
		RefCount:   1,
	}
	linked := registrystore.AdminAttachment{
		Attachment: model.Attachment{ID: uuid.New(), EntryID: &linkedEntry},
		RefCount:   1,
	}
	shared := registrystore.AdminAttachment{
		Attachment: model.Attachment{ID: uuid.New(), StorageKey: &key2},
		RefCount:   2,
	}

	store := &fakeStore{attachmentPage: [][]registrystore.AdminAttachment{
		{unlinked, linked},
		{shared},
	}}
	blobs := &fakeBlobs{}

	s := NewAttachmentCleanupService(store, blobs, time.Hour)
	s.cleanupOnce(t.Context())

	assert.ElementsMatch(t, []uuid.UUID{unlinked.ID, shared.ID}, store.deletedAttach, "linked attachments are left alone")
	assert.Equal(t, []string{key1}, blobs.deleted, "shared blobs survive while other references remain")
}
