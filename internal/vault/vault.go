// Package vault seals data at rest under a device master key.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"secumsg/internal/memzero"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize  = chacha20poly1305.KeySize
	SaltSize = 16

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrSealedDataInvalid = errors.New("vault: sealed data invalid")
	ErrInvalidKey        = errors.New("vault: invalid master key")
)

// Sealer encrypts and decrypts opaque blobs with a key the caller never sees.
type Sealer interface {
	Seal(plaintext, associatedData []byte) ([]byte, error)
	Open(sealed, associatedData []byte) ([]byte, error)
}

// MasterKey is a Sealer backed by XChaCha20-Poly1305. Sealed blobs are the
// random nonce followed by the ciphertext.
type MasterKey struct {
	key [KeySize]byte
}

func NewMasterKey(key []byte) (*MasterKey, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	mk := &MasterKey{}
	copy(mk.key[:], key)
	return mk, nil
}

// NewMasterKeyFromBase64 decodes a standard base64 encoded key.
func NewMasterKeyFromBase64(s string) (*MasterKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer memzero.Zero(raw)
	return NewMasterKey(raw)
}

// FromPassphrase derives a master key with Argon2id.
func FromPassphrase(passphrase string, salt []byte) (*MasterKey, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("%w: salt shorter than %d bytes", ErrInvalidKey, SaltSize)
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
	defer memzero.Zero(key)
	return NewMasterKey(key)
}

// GenerateKey returns a random master key encoded as standard base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	defer memzero.Zero(key)
	return base64.StdEncoding.EncodeToString(key), nil
}

func (m *MasterKey) Seal(plaintext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

func (m *MasterKey) Open(sealed, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedDataInvalid
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, associatedData)
	if err != nil {
		return nil, ErrSealedDataInvalid
	}
	return plaintext, nil
}

// Wipe zeroes the key. The MasterKey is unusable afterwards.
func (m *MasterKey) Wipe() {
	memzero.Zero(m.key[:])
}
