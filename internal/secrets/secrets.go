// Package secrets provides AES-256-GCM encryption for data at rest, used to
// store raw ingestion context without keeping plaintext in the database.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/rotisserie/eris"
)

const payloadVersion = "v1"

// gcmTagSize is the standard GCM authentication tag length in bytes.
const gcmTagSize = 16

// Encryptor seals and opens opaque versioned ciphertexts. The payload format
// is "v1.<nonce>.<tag>.<ciphertext>" with each part URL-safe unpadded base64.
type Encryptor struct {
	aead cipher.AEAD
}

// New creates an Encryptor from a base64-encoded 32-byte key.
func New(encodedKey string) (*Encryptor, error) {
	if encodedKey == "" {
		return nil, eris.New("secrets: missing encryption key")
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		// Accept URL-safe encoding too; keys arrive from env vars both ways.
		key, err = base64.URLEncoding.DecodeString(encodedKey)
		if err != nil {
			return nil, eris.Wrap(err, "secrets: decode key")
		}
	}
	if len(key) != 32 {
		return nil, eris.New("secrets: encryption key must decode to 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: init gcm")
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random 96-bit nonce.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", eris.Wrap(err, "secrets: generate nonce")
	}

	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	body := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	enc := base64.RawURLEncoding
	parts := []string{
		payloadVersion,
		enc.EncodeToString(nonce),
		enc.EncodeToString(tag),
		enc.EncodeToString(body),
	}
	return strings.Join(parts, "."), nil
}

// Decrypt opens a payload produced by Encrypt.
func (e *Encryptor) Decrypt(payload string) (string, error) {
	parts := strings.Split(payload, ".")
	if len(parts) != 4 {
		return "", eris.New("secrets: invalid payload format")
	}
	if parts[0] != payloadVersion {
		return "", eris.Errorf("secrets: unsupported payload version %q", parts[0])
	}

	enc := base64.RawURLEncoding
	nonce, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode nonce")
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode tag")
	}
	body, err := enc.DecodeString(parts[3])
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode ciphertext")
	}

	plaintext, err := e.aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", eris.Wrap(err, "secrets: open payload")
	}
	return string(plaintext), nil
}
