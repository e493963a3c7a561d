package relational

import (
	"testing"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyEntry(convID uuid.UUID, at time.Time) model.Entry {
	return model.Entry{
		ID:             uuid.New(),
		ConversationID: convID,
		Channel:        model.ChannelHistory,
		ContentType:    "history",
		Content:        []byte(`[{"text":"hi","role":"USER"}]`),
		CreatedAt:      at,
	}
}

func memoryEntry(convID uuid.UUID, clientID string, epoch int64, at time.Time) model.Entry {
	return model.Entry{
		ID:             uuid.New(),
		ConversationID: convID,
		Channel:        model.ChannelMemory,
		ClientID:       &clientID,
		Epoch:          &epoch,
		ContentType:    "application/json",
		Content:        []byte(`["fact"]`),
		CreatedAt:      at,
	}
}

func entryIDs(entries []model.Entry) []uuid.UUID {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestFilterEntriesByAncestry(t *testing.T) {
	root := uuid.New()
	fork := uuid.New()
	base := time.Now()

	e1 := historyEntry(root, base)
	e2 := historyEntry(root, base.Add(time.Second))
	e3 := historyEntry(root, base.Add(2*time.Second)) // after fork point
	f1 := historyEntry(fork, base.Add(3*time.Second))

	ancestry := []forkAncestor{
		{ConversationID: root, StopAtEntryID: &e2.ID},
		{ConversationID: fork},
	}

	got := filterEntriesByAncestry([]model.Entry{e1, e2, e3, f1}, ancestry)
	assert.Equal(t, []uuid.UUID{e1.ID, e2.ID, f1.ID}, entryIDs(got))
	_ = e3
}

func TestFilterEntriesByAncestry_EmptyAncestryPassesThrough(t *testing.T) {
	root := uuid.New()
	e1 := historyEntry(root, time.Now())
	got := filterEntriesByAncestry([]model.Entry{e1}, nil)
	assert.Len(t, got, 1)
}

func TestFilterEntriesByAncestry_NestedForks(t *testing.T) {
	root := uuid.New()
	mid := uuid.New()
	leaf := uuid.New()
	base := time.Now()

	r1 := historyEntry(root, base)
	r2 := historyEntry(root, base.Add(time.Second)) // not visible from mid
	m1 := historyEntry(mid, base.Add(2*time.Second))
	m2 := historyEntry(mid, base.Add(3*time.Second)) // not visible from leaf
	l1 := historyEntry(leaf, base.Add(4*time.Second))

	ancestry := []forkAncestor{
		{ConversationID: root, StopAtEntryID: &r1.ID},
		{ConversationID: mid, StopAtEntryID: &m1.ID},
		{ConversationID: leaf},
	}

	got := filterEntriesByAncestry([]model.Entry{r1, r2, m1, m2, l1}, ancestry)
	assert.Equal(t, []uuid.UUID{r1.ID, m1.ID, l1.ID}, entryIDs(got))
}

func TestFilterEntriesByAncestry_AncestorWithoutStopContributesNothing(t *testing.T) {
	root := uuid.New()
	fork := uuid.New()
	base := time.Now()

	r1 := historyEntry(root, base)
	r2 := historyEntry(root, base.Add(time.Second))
	f1 := historyEntry(fork, base.Add(2*time.Second))

	// A fork taken at the root's first entry records no stop point: the fork
	// inherits nothing from the root.
	ancestry := []forkAncestor{
		{ConversationID: root},
		{ConversationID: fork},
	}

	got := filterEntriesByAncestry([]model.Entry{r1, r2, f1}, ancestry)
	assert.Equal(t, []uuid.UUID{f1.ID}, entryIDs(got))
}

func TestFilterMemoryEntriesWithEpoch_LatestResetsOnHigherEpoch(t *testing.T) {
	conv := uuid.New()
	base := time.Now()

	old1 := memoryEntry(conv, "client", 1, base)
	old2 := memoryEntry(conv, "client", 1, base.Add(time.Second))
	cur := memoryEntry(conv, "client", 2, base.Add(2*time.Second))

	ancestry := []forkAncestor{{ConversationID: conv}}
	got := filterMemoryEntriesWithEpoch([]model.Entry{old1, old2, cur}, ancestry, "client", nil)
	assert.Equal(t, []uuid.UUID{cur.ID}, entryIDs(got))
}

func TestFilterMemoryEntriesWithEpoch_SpecificEpoch(t *testing.T) {
	conv := uuid.New()
	base := time.Now()

	e1 := memoryEntry(conv, "client", 1, base)
	e2 := memoryEntry(conv, "client", 2, base.Add(time.Second))

	one := int64(1)
	filter := &registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeEpoch, Epoch: &one}
	ancestry := []forkAncestor{{ConversationID: conv}}
	got := filterMemoryEntriesWithEpoch([]model.Entry{e1, e2}, ancestry, "client", filter)
	assert.Equal(t, []uuid.UUID{e1.ID}, entryIDs(got))
}

func TestFilterMemoryEntriesWithEpoch_AllKeepsEveryEpoch(t *testing.T) {
	conv := uuid.New()
	base := time.Now()

	e1 := memoryEntry(conv, "client", 1, base)
	e2 := memoryEntry(conv, "client", 2, base.Add(time.Second))

	filter := &registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeAll}
	ancestry := []forkAncestor{{ConversationID: conv}}
	got := filterMemoryEntriesWithEpoch([]model.Entry{e1, e2}, ancestry, "client", filter)
	assert.Len(t, got, 2)
}

func TestFilterMemoryEntriesWithEpoch_IgnoresOtherClients(t *testing.T) {
	conv := uuid.New()
	base := time.Now()

	mine := memoryEntry(conv, "client-a", 1, base)
	theirs := memoryEntry(conv, "client-b", 5, base.Add(time.Second))

	ancestry := []forkAncestor{{ConversationID: conv}}
	got := filterMemoryEntriesWithEpoch([]model.Entry{mine, theirs}, ancestry, "client-a", nil)
	assert.Equal(t, []uuid.UUID{mine.ID}, entryIDs(got))
}

func TestFilterMemoryEntriesWithEpoch_EmptyAncestry(t *testing.T) {
	conv := uuid.New()
	e := memoryEntry(conv, "client", 1, time.Now())
	got := filterMemoryEntriesWithEpoch([]model.Entry{e}, nil, "client", nil)
	assert.Empty(t, got)
}

func TestFilterMemoryEntriesWithEpoch_ForkInheritsParentMemory(t *testing.T) {
	root := uuid.New()
	fork := uuid.New()
	base := time.Now()

	parentMem := memoryEntry(root, "client", 1, base)
	forkPoint := historyEntry(root, base.Add(time.Second))
	afterFork := memoryEntry(root, "client", 2, base.Add(2*time.Second)) // past fork point

	ancestry := []forkAncestor{
		{ConversationID: root, StopAtEntryID: &forkPoint.ID},
		{ConversationID: fork},
	}
	got := filterMemoryEntriesWithEpoch([]model.Entry{parentMem, forkPoint, afterFork}, ancestry, "client", nil)
	assert.Equal(t, []uuid.UUID{parentMem.ID}, entryIDs(got))
}

func TestFilterMemoryEntriesWithEpoch_AncestorWithoutStopContributesNothing(t *testing.T) {
	root := uuid.New()
	fork := uuid.New()
	base := time.Now()

	rootMem := memoryEntry(root, "client", 1, base)
	forkMem := memoryEntry(fork, "client", 1, base.Add(time.Second))

	ancestry := []forkAncestor{
		{ConversationID: root},
		{ConversationID: fork},
	}
	got := filterMemoryEntriesWithEpoch([]model.Entry{rootMem, forkMem}, ancestry, "client", nil)
	assert.Equal(t, []uuid.UUID{forkMem.ID}, entryIDs(got))
}

func TestFilterEntriesForAllForks(t *testing.T) {
	convA := uuid.New()
	convB := uuid.New()
	base := time.Now()

	h1 := historyEntry(convA, base)
	h2 := historyEntry(convB, base.Add(time.Second))
	m1 := memoryEntry(convA, "client", 1, base.Add(2*time.Second))
	m2 := memoryEntry(convB, "client", 2, base.Add(3*time.Second))

	entries := []model.Entry{h1, h2, m1, m2}

	history := filterEntriesForAllForks(entries, model.ChannelHistory, nil, nil)
	assert.Equal(t, []uuid.UUID{h1.ID, h2.ID}, entryIDs(history))

	clientID := "client"
	memory := filterEntriesForAllForks(entries, model.ChannelMemory, &clientID, nil)
	assert.Equal(t, []uuid.UUID{m2.ID}, entryIDs(memory), "latest mode keeps only the max epoch")

	all := filterEntriesForAllForks(entries, "", nil, nil)
	assert.Len(t, all, 4, "no channel filter passes everything through")
}

func TestPaginateEntries(t *testing.T) {
	conv := uuid.New()
	base := time.Now()
	entries := []model.Entry{
		historyEntry(conv, base),
		historyEntry(conv, base.Add(time.Second)),
		historyEntry(conv, base.Add(2*time.Second)),
	}

	page, cursor := paginateEntries(entries, nil, 2)
	require.Len(t, page, 2)
	require.NotNil(t, cursor)
	assert.Equal(t, entries[1].ID.String(), *cursor)

	page, cursor = paginateEntries(entries, cursor, 2)
	require.Len(t, page, 1)
	assert.Equal(t, entries[2].ID, page[0].ID)
	assert.Nil(t, cursor)

	unknown := uuid.New().String()
	page, cursor = paginateEntries(entries, &unknown, 2)
	assert.Len(t, page, 2, "unknown cursor restarts from the beginning")
	assert.NotNil(t, cursor)
}

func TestParseContentArray(t *testing.T) {
	assert.Equal(t, []any{"a", "b"}, parseContentArray([]byte(`["a","b"]`)))
	assert.Equal(t, []any{map[string]any{"k": "v"}}, parseContentArray([]byte(`{"k":"v"}`)))
	assert.Empty(t, parseContentArray([]byte("  ")))
}

func TestIsPrefixContent(t *testing.T) {
	assert.True(t, isPrefixContent([]any{}, []any{"a"}))
	assert.True(t, isPrefixContent([]any{"a"}, []any{"a", "b"}))
	assert.True(t, isPrefixContent([]any{"a", "b"}, []any{"a", "b"}))
	assert.False(t, isPrefixContent([]any{"a", "b"}, []any{"a"}))
	assert.False(t, isPrefixContent([]any{"a"}, []any{"b", "a"}))

	existing := []any{map[string]any{"k": "v"}}
	assert.True(t, isPrefixContent(existing, []any{map[string]any{"k": "v"}, "more"}))
	assert.False(t, isPrefixContent(existing, []any{map[string]any{"k": "other"}}))
}

func TestDeriveTitleFromContent(t *testing.T) {
	assert.Equal(t, "Hello world", deriveTitleFromContent(`[{"text":"Hello   world","role":"USER"}]`))
	assert.Equal(t, "From object", deriveTitleFromContent(`{"text":"From object"}`))
	assert.Equal(t, "", deriveTitleFromContent(`not json`))
	assert.Equal(t, "", deriveTitleFromContent(`[{"role":"USER"}]`))

	long := deriveTitleFromContent(`[{"text":"` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `"}]`)
	assert.Len(t, []rune(long), 40)
}

func TestNormalizeEpochFilter(t *testing.T) {
	assert.Equal(t, registrystore.MemoryEpochModeLatest, normalizeEpochFilter(nil).Mode)
	assert.Equal(t, registrystore.MemoryEpochModeLatest, normalizeEpochFilter(&registrystore.MemoryEpochFilter{}).Mode)
	assert.Equal(t, registrystore.MemoryEpochModeAll, normalizeEpochFilter(&registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeAll}).Mode)
}

func TestToPrefixTsQuery(t *testing.T) {
	assert.Equal(t, "hello:*", toPrefixTsQuery("hello"))
	assert.Equal(t, "hello:* & world:*", toPrefixTsQuery("hello world"))
	assert.Equal(t, "", toPrefixTsQuery("   "))
}
