package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/goliatone/go-mailsync/core"
)

var ErrDecrypt = errors.New("security: decrypt failed")

type Option func(*Cipher)

// Cipher seals secrets at rest with AES-256-GCM under a key derived from a
// passphrase with PBKDF2-SHA256.
type Cipher struct {
	passphrase []byte
	salt       []byte
	iterations int
	keyID      string
	version    int
	aead       cipher.AEAD
}

func WithSalt(salt string) Option {
	return func(c *Cipher) {
		if trimmed := strings.TrimSpace(salt); trimmed != "" {
			c.salt = []byte(trimmed)
		}
	}
}

func WithIterations(iterations int) Option {
	return func(c *Cipher) {
		if iterations > 0 {
			c.iterations = iterations
		}
	}
}

func WithKeyID(id string) Option {
	return func(c *Cipher) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			c.keyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(c *Cipher) {
		if version > 0 {
			c.version = version
		}
	}
}

func NewCipher(passphrase string, opts ...Option) (*Cipher, error) {
	passphrase = strings.TrimSpace(passphrase)
	if passphrase == "" {
		return nil, fmt.Errorf("security: encryption key is required")
	}
	c := &Cipher{
		passphrase: []byte(passphrase),
		salt:       []byte(core.DefaultKDFSalt),
		iterations: core.DefaultKDFIter,
		keyID:      "mailsync",
		version:    1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	key := pbkdf2.Key(c.passphrase, c.salt, c.iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	c.aead = aead
	return c, nil
}

func (c *Cipher) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, fmt.Errorf("security: cipher is not configured")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, c.additionalData())
	return encodeEnvelope(envelope{
		KeyID:      c.keyID,
		Version:    c.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (c *Cipher) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, fmt.Errorf("security: cipher is not configured")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if parsed.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrDecrypt, parsed.Algorithm)
	}
	if parsed.KeyID != c.keyID || parsed.Version != c.version {
		return nil, fmt.Errorf("%w: key mismatch: got %s/%d want %s/%d",
			ErrDecrypt, parsed.KeyID, parsed.Version, c.keyID, c.version)
	}

	nonce, err := decodeField("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodeField("ciphertext", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size", ErrDecrypt)
	}
	plaintext, err := c.aead.Open(nil, nonce, sealed, c.additionalData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func (c *Cipher) KeyID() string {
	if c == nil {
		return ""
	}
	return c.keyID
}

func (c *Cipher) Version() int {
	if c == nil {
		return 0
	}
	return c.version
}

func (c *Cipher) additionalData() []byte {
	return []byte(fmt.Sprintf("%s:%d", c.keyID, c.version))
}

var _ core.SecretProvider = (*Cipher)(nil)
