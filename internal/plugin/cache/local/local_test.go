package local

import (
	"testing"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache_RoundTrip(t *testing.T) {
	c, err := New(time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Available())

	ctx := t.Context()
	convID := uuid.New()

	got, err := c.Get(ctx, convID, "assistant")
	require.NoError(t, err)
	assert.Nil(t, got, "miss returns nil without error")

	epoch := int64(3)
	cached := registrycache.CachedMemoryEntries{
		Entries: []model.Entry{{ID: uuid.New(), ConversationID: convID}},
		Epoch:   &epoch,
	}
	require.NoError(t, c.Set(ctx, convID, "assistant", cached, 0))

	got, err = c.Get(ctx, convID, "assistant")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cached.Entries[0].ID, got.Entries[0].ID)
	require.NotNil(t, got.Epoch)
	assert.Equal(t, int64(3), *got.Epoch)

	// Client IDs partition the cache.
	other, err := c.Get(ctx, convID, "indexer")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, c.Remove(ctx, convID, "assistant"))
	got, err = c.Get(ctx, convID, "assistant")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLocalCache_TTLExpiry(t *testing.T) {
	c, err := New(time.Minute)
	require.NoError(t, err)

	ctx := t.Context()
	convID := uuid.New()
	require.NoError(t, c.Set(ctx, convID, "assistant", registrycache.CachedMemoryEntries{}, 20*time.Millisecond))

	assert.Eventually(t, func() bool {
		got, err := c.Get(ctx, convID, "assistant")
		return err == nil && got == nil
	}, time.Second, 10*time.Millisecond)
}
