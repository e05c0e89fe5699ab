package mailstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ContentCodec transforms record bytes on their way to and from disk.
// Implementations must round-trip exactly.
type ContentCodec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// NopCodec stores records as-is.
type NopCodec struct{}

func (NopCodec) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (NopCodec) Decode(stored []byte) ([]byte, error) { return stored, nil }

// aeadCodec seals records with a random nonce prepended to the ciphertext.
type aeadCodec struct {
	aead cipher.AEAD
}

func (c *aeadCodec) Encode(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *aeadCodec) Decode(stored []byte) ([]byte, error) {
	if len(stored) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := stored[:c.aead.NonceSize()], stored[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}

// NewAESCodec returns an AES-256-GCM codec for a 32-byte key.
func NewAESCodec(key []byte) (ContentCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aeadCodec{aead: gcm}, nil
}

// NewXChaChaCodec returns an XChaCha20-Poly1305 codec for a 32-byte key.
func NewXChaChaCodec(key []byte) (ContentCodec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &aeadCodec{aead: aead}, nil
}

// NewCodec builds the codec named in configuration. The key is hex encoded
// and must decode to 32 bytes for the encrypting codecs.
func NewCodec(name, hexKey string) (ContentCodec, error) {
	if name == "" || name == "none" {
		return NopCodec{}, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	switch name {
	case "aes-gcm":
		return NewAESCodec(key)
	case "xchacha20poly1305":
		return NewXChaChaCodec(key)
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
