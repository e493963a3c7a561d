// Package cryptobox provides the AES-GCM codec used to encrypt entry content
// and conversation titles at rest. The primary key encrypts; decryption trials
// the primary key first and then each legacy key in order, supporting
// zero-downtime key rotation.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/chirino/conversation-store/internal/config"
)

// Codec encrypts and decrypts byte payloads. A zero-key Codec passes data
// through unchanged.
type Codec struct {
	gcms []cipher.AEAD
}

// NewCodec builds a Codec from raw AES keys, primary first. An empty key list
// yields a pass-through codec.
func NewCodec(keys [][]byte) (*Codec, error) {
	c := &Codec{}
	for _, key := range keys {
		gcm, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		c.gcms = append(c.gcms, gcm)
	}
	return c, nil
}

// NewCodecFromConfig builds a Codec from the CSV encryption key config value.
func NewCodecFromConfig(encryptionKey string) (*Codec, error) {
	if encryptionKey == "" {
		return &Codec{}, nil
	}
	keys, err := config.DecodeEncryptionKeysCSV(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return NewCodec(keys)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM init failed: %w", err)
	}
	return gcm, nil
}

// Enabled reports whether the codec has at least one key configured.
func (c *Codec) Enabled() bool {
	return c != nil && len(c.gcms) > 0
}

// Encrypt seals plaintext with the primary key, prefixing the random nonce.
// Pass-through when no keys are configured.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	gcm := c.gcms[0]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext, trialing each key in order. Pass-through when no
// keys are configured.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	var lastErr error
	for _, gcm := range c.gcms {
		if len(ciphertext) < gcm.NonceSize() {
			lastErr = fmt.Errorf("ciphertext shorter than nonce")
			continue
		}
		nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
		plaintext, err := gcm.Open(nil, nonce, sealed, nil)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("decryption failed with all configured keys: %w", lastErr)
}
