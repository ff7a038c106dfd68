// Package keys seals treasury secrets (signing keys, gateway tokens) so they
// can sit in config files and environment variables encrypted under one
// master key.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks a sealed value.
const SealedPrefix = "sealed:"

const masterKeySize = 32

var ErrNoMasterKey = errors.New("value is sealed but no master key is configured")

// IsSealed reports whether v was produced by Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// Seal encrypts secret with AES-256-GCM under a key derived from masterKey
// and label. A value sealed for one label cannot be opened under another.
func Seal(secret []byte, masterKey []byte, label string) (string, error) {
	gcm, err := newGCM(masterKey, label)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// nonce || ciphertext || tag
	ciphertext := gcm.Seal(nonce, nonce, secret, []byte(label))
	return SealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal with the same master key and label.
func Open(sealed string, masterKey []byte, label string) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, fmt.Errorf("value is not sealed")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := newGCM(masterKey, label)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s secret: %w", label, err)
	}
	return plaintext, nil
}

// Resolve returns v unchanged unless it is sealed, in which case it is
// opened with masterKey. masterKey may be nil when nothing is sealed.
func Resolve(v string, masterKey []byte, label string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if masterKey == nil {
		return "", fmt.Errorf("%s: %w", label, ErrNoMasterKey)
	}
	plain, err := Open(v, masterKey, label)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func newGCM(masterKey []byte, label string) (cipher.AEAD, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes (AES-256)", masterKeySize)
	}
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte("bridge-secret-"+label)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", label, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateMasterKey generates a new random 32-byte master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyFromBase64 decodes a base64-encoded master key. An empty string
// yields a nil key.
func MasterKeyFromBase64(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(key))
	}
	return key, nil
}

// MasterKeyToBase64 encodes a master key as base64 for storage
func MasterKeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
