package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// SecretsManager seals secret payloads before they are written to the
// store. Ciphertexts are bound to the row they belong to through the
// GCM additional data, so a sealed payload copied to another token does
// not open.
type SecretsManager struct {
	aead cipher.AEAD
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &SecretsManager{aead: gcm}, nil
}

// NewSecretsManagerFromPassword derives the AES key from a passphrase with SHA-256
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// Seal encrypts plaintext for the given row. The nonce is prepended.
func (sm *SecretsManager) Seal(row string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, sm.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return sm.aead.Seal(nonce, nonce, plaintext, []byte(row)), nil
}

// Open decrypts data produced by Seal for the same row
func (sm *SecretsManager) Open(row string, ciphertext []byte) ([]byte, error) {
	nonceSize := sm.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := sm.aead.Open(nil, nonce, sealed, []byte(row))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SealJSON marshals v and seals it, returning base64 text suitable for
// embedding in a JSON document
func (sm *SecretsManager) SealJSON(row string, v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sealed, err := sm.Seal(row, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenJSON reverses SealJSON into v
func (sm *SecretsManager) OpenJSON(row, sealed string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return fmt.Errorf("failed to decode sealed payload: %w", err)
	}
	plaintext, err := sm.Open(row, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}
