// Package crypto decrypts account credentials stored as ENC[vN]:base64(nonce|ciphertext).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32

	prefixOpen = "ENC[v"
	prefixEnd  = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotLoaded      = errors.New("no key configured for ciphertext version")
)

// Box holds one AES-256-GCM key per version. Sealing uses the highest version.
type Box struct {
	aeads   map[int]cipher.AEAD
	current int
}

// NewBox builds a Box from raw 32-byte keys indexed by version.
func NewBox(keys map[int][]byte) (*Box, error) {
	b := &Box{aeads: make(map[int]cipher.AEAD, len(keys))}
	for v, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", v, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		b.aeads[v] = gcm
		if v > b.current {
			b.current = v
		}
	}
	return b, nil
}

// NewBoxFromBase64 builds a single-version (v1) Box from a base64 master key.
// An empty key yields a Box that only passes plaintext through.
func NewBoxFromBase64(master string) (*Box, error) {
	if master == "" {
		return &Box{aeads: map[int]cipher.AEAD{}}, nil
	}
	key, err := base64.StdEncoding.DecodeString(master)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return NewBox(map[int][]byte{1: key})
}

// IsEncrypted reports whether s carries the versioned prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, prefixOpen)
}

// Open decrypts an ENC[vN]: value; anything else is returned unchanged.
func (b *Box) Open(s string) (string, error) {
	if !IsEncrypted(s) {
		return s, nil
	}
	end := strings.Index(s, prefixEnd)
	if end == -1 {
		return "", ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(s[len(prefixOpen):end])
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	gcm, ok := b.aeads[version]
	if !ok {
		return "", fmt.Errorf("v%d: %w", version, ErrKeyNotLoaded)
	}

	data, err := base64.StdEncoding.DecodeString(s[end+len(prefixEnd):])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	ns := gcm.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Seal encrypts plaintext with the current key version.
func (b *Box) Seal(plaintext string) (string, error) {
	gcm, ok := b.aeads[b.current]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d%s", prefixOpen, b.current, prefixEnd) + base64.StdEncoding.EncodeToString(sealed), nil
}
