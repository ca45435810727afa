// Package seal implements the symmetric codec protecting all room traffic and
// persisted snapshots. Payloads are sealed with XChaCha20-Poly1305 under the
// room key; the relay and the durable store only ever see ciphertext.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

var (
	ErrBadKey        = errors.New("seal: key must be 32 bytes")
	ErrBadCiphertext = errors.New("seal: ciphertext too short")
)

// Key is a room key. It deliberately redacts itself when formatted or logged
// so it can never leak through a log line or an error message.
type Key [KeySize]byte

func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("seal: generating key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a base64url key as carried in room grants and share links.
func ParseKey(encoded string) (Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Key{}, fmt.Errorf("seal: decoding key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, ErrBadKey
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

func (k Key) Encode() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

func (k Key) String() string { return "[REDACTED]" }

func (k Key) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// MarshalText encodes the key for embedding in grants and share links. This
// is an explicit serialization point; incidental formatting stays redacted.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.Encode()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Codec seals and opens payloads for one room.
type Codec struct {
	key Key
}

func NewCodec(key Key) *Codec {
	return &Codec{key: key}
}

// Seal encrypts plaintext with a fresh random nonce prepended to the result.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal. An empty payload opens to nil:
// relay-originated frames (participant leave) carry no body.
func (c *Codec) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrBadCiphertext
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: opening payload: %w", err)
	}
	return plaintext, nil
}
