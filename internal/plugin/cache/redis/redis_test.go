package redis

import (
	"testing"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	"github.com/chirino/conversation-store/internal/testutil/testredis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_RoundTrip(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx := t.Context()

	c, err := LoadFromURL(ctx, url)
	require.NoError(t, err)
	assert.True(t, c.Available())

	convID := uuid.New()
	got, err := c.Get(ctx, convID, "assistant")
	require.NoError(t, err)
	assert.Nil(t, got)

	epoch := int64(2)
	entryID := uuid.New()
	cached := registrycache.CachedMemoryEntries{
		Entries: []model.Entry{{ID: entryID, ConversationID: convID, Content: []byte(`["fact"]`)}},
		Epoch:   &epoch,
	}
	require.NoError(t, c.Set(ctx, convID, "assistant", cached, 0))

	got, err = c.Get(ctx, convID, "assistant")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, entryID, got.Entries[0].ID)
	require.NotNil(t, got.Epoch)
	assert.Equal(t, int64(2), *got.Epoch)

	require.NoError(t, c.Remove(ctx, convID, "assistant"))
	got, err = c.Get(ctx, convID, "assistant")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCache_TTL(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx := t.Context()

	c, err := LoadFromURLWithTTL(ctx, url, time.Minute)
	require.NoError(t, err)

	convID := uuid.New()
	require.NoError(t, c.Set(ctx, convID, "assistant", registrycache.CachedMemoryEntries{}, 100*time.Millisecond))

	assert.Eventually(t, func() bool {
		got, err := c.Get(ctx, convID, "assistant")
		return err == nil && got == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLoadFromURL_Invalid(t *testing.T) {
	_, err := LoadFromURL(t.Context(), "not-a-url")
	assert.Error(t, err)
}
