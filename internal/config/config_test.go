package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAPIKeys(t *testing.T) {
	keys := loadAPIKeys([]string{
		"CONVERSATION_STORE_API_KEYS_ASSISTANT=key-one,key-two",
		"CONVERSATION_STORE_API_KEYS_Indexer= key-three ",
		"CONVERSATION_STORE_API_KEYS_=ignored",
		"PATH=/usr/bin",
	})
	require.Equal(t, map[string]string{
		"key-one":   "assistant",
		"key-two":   "assistant",
		"key-three": "indexer",
	}, keys)
}

func TestLoadAPIKeys_Empty(t *testing.T) {
	require.Empty(t, loadAPIKeys([]string{"PATH=/usr/bin"}))
}

func TestFromContext_Missing(t *testing.T) {
	require.Nil(t, FromContext(t.Context()))
}

func TestWithContext_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(t.Context(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
}
