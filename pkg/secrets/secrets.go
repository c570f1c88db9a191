// Package secrets seals credentials stored at rest, such as media server admin tokens.
//
// Keys are derived per purpose with HKDF-SHA256 from one application secret,
// and values are encrypted with AES-256-GCM. Sealed values carry a version
// prefix so plaintext rows written before encryption was enabled still open.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32
	prefix  = "v1:"
)

var (
	ErrEmptyKey          = errors.New("secrets: application key is empty")
	ErrKeyDerivation     = errors.New("secrets: key derivation failed")
	ErrEncryptionFailed  = errors.New("secrets: encryption failed")
	ErrDecryptionFailed  = errors.New("secrets: decryption failed")
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
)

// Sealer encrypts and decrypts short strings.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Box is an AES-GCM Sealer bound to one purpose.
type Box struct {
	aead cipher.AEAD
}

// New derives a purpose-scoped key from appKey.
func New(appKey, purpose string) (*Box, error) {
	if appKey == "" {
		return nil, ErrEmptyKey
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(appKey), nil, []byte("mediagate/"+purpose)), key); err != nil {
		return nil, errors.Join(ErrKeyDerivation, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Join(ErrKeyDerivation, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Join(ErrKeyDerivation, err)
	}
	return &Box{aead: aead}, nil
}

func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the version prefix are returned unchanged.
func (b *Box) Open(sealed string) (string, error) {
	raw, ok := strings.CutPrefix(sealed, prefix)
	if !ok {
		return sealed, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return "", errors.Join(ErrInvalidCiphertext, err)
	}
	ns := b.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := b.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errors.Join(ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// Plaintext is a Sealer that stores values as-is, for development without APP_SECRET.
type Plaintext struct{}

func (Plaintext) Seal(s string) (string, error) { return s, nil }

func (Plaintext) Open(s string) (string, error) {
	if strings.HasPrefix(s, prefix) {
		return "", errors.Join(ErrDecryptionFailed, errors.New("value is sealed but no key is configured"))
	}
	return s, nil
}
