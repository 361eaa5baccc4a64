// Package crypto implements at-rest encryption of mailbox credentials and
// hashing of access tokens.
//
// Credential blobs are AES-256-GCM: a fresh 96-bit IV per encryption, packed
// as IV || tag || ciphertext and base64-encoded for storage. Tokens are
// stored as SHA-256 hex digests only.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/themadorg/madgate/internal/exterrors"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

// Keyring holds the process-wide encryption key. Loaded once at startup,
// read-only afterwards.
type Keyring struct {
	aead cipher.AEAD
}

// NewKeyring derives the 32-byte AES key from the configured secret. A
// 64-char hex string is decoded directly; anything else is reduced with
// SHA-256. The secret itself must never be logged.
func NewKeyring(secret string) (*Keyring, error) {
	if secret == "" {
		return nil, exterrors.New(exterrors.Encryption, "encryption key is not configured")
	}

	var key []byte
	if len(secret) == keySize*2 {
		decoded, err := hex.DecodeString(secret)
		if err == nil {
			key = decoded
		}
	}
	if key == nil {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, exterrors.Wrap(exterrors.Encryption, "cipher init failed", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, exterrors.Wrap(exterrors.Encryption, "GCM init failed", err)
	}
	return &Keyring{aead: aead}, nil
}

// Encrypt seals plaintext into an opaque base64 blob.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", exterrors.Wrap(exterrors.Encryption, "IV generation failed", err)
	}

	// Seal appends ciphertext||tag; the stored layout is IV||tag||ciphertext.
	sealed := k.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, ivSize+tagSize+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Tampered or truncated blobs fail
// with an Encryption-kind error.
func (k *Keyring) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", exterrors.Wrap(exterrors.Encryption, "malformed credential blob", err)
	}
	if len(raw) < ivSize+tagSize+1 {
		return "", exterrors.New(exterrors.Encryption, "credential blob too short")
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := k.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", exterrors.Wrap(exterrors.Encryption, "credential decryption failed", err)
	}
	return string(plaintext), nil
}

// HashToken returns the 64-char hex SHA-256 digest of a raw token. Only the
// digest is ever persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewToken generates a fresh opaque bearer token: 32 random bytes, hex.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Charsets for RandString.
const (
	LowerAlnum    = "abcdefghijklmnopqrstuvwxyz0123456789"
	PasswordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// RandString draws n characters from charset. Used for mailbox names and
// generated upstream passwords, not key material.
func RandString(charset string, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("random string generation failed: %w", err)
	}
	for i := range b {
		b[i] = charset[b[i]%byte(len(charset))]
	}
	return string(b), nil
}

// ChecksumSHA256 returns the hex SHA-256 of content, used for attachment
// integrity.
func ChecksumSHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
