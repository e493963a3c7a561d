package cryptobox

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T, n int) []byte {
	t.Helper()
	key := make([]byte, n)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec([][]byte{randomKey(t, 32)})
	require.NoError(t, err)

	plaintext := []byte(`[{"text":"hello","role":"USER"}]`)
	sealed, err := codec.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := codec.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCodecPassThroughWithoutKeys(t *testing.T) {
	codec, err := NewCodec(nil)
	require.NoError(t, err)
	assert.False(t, codec.Enabled())

	payload := []byte("plain")
	sealed, err := codec.Encrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, sealed)

	opened, err := codec.Decrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestCodecLegacyKeyRotation(t *testing.T) {
	oldKey := randomKey(t, 32)
	newKey := randomKey(t, 32)

	oldCodec, err := NewCodec([][]byte{oldKey})
	require.NoError(t, err)
	sealed, err := oldCodec.Encrypt([]byte("rotate me"))
	require.NoError(t, err)

	// After rotation: new primary encrypts, old key is decryption-only.
	rotated, err := NewCodec([][]byte{newKey, oldKey})
	require.NoError(t, err)
	opened, err := rotated.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate me"), opened)

	// A codec without the old key must fail.
	fresh, err := NewCodec([][]byte{newKey})
	require.NoError(t, err)
	_, err = fresh.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCodecRejectsBadKey(t *testing.T) {
	_, err := NewCodec([][]byte{make([]byte, 5)})
	assert.Error(t, err)
}

func TestNewCodecFromConfig(t *testing.T) {
	codec, err := NewCodecFromConfig("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.True(t, codec.Enabled())

	_, err = NewCodecFromConfig("not-a-key")
	assert.Error(t, err)
}
