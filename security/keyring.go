package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

// KeyDiagnostic reports a decrypt that could not use the active key.
type KeyDiagnostic struct {
	OccurredAt time.Time
	Operation  string
	Outcome    string
	KeyID      string
	Version    int
	Error      string
}

type KeyDiagnosticHook func(event KeyDiagnostic)

type KeyringOption func(*Keyring)

// Keyring seals with the active cipher and still opens values sealed under
// a retired key version. Tokens move to the active key the next time they
// are refreshed and persisted.
type Keyring struct {
	active         *Cipher
	retired        map[int]*Cipher
	diagnosticHook KeyDiagnosticHook
	now            func() time.Time
}

func NewKeyring(active *Cipher, opts ...KeyringOption) (*Keyring, error) {
	if active == nil {
		return nil, fmt.Errorf("security: active cipher is required")
	}
	k := &Keyring{
		active:  active,
		retired: map[int]*Cipher{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	if _, clash := k.retired[active.Version()]; clash {
		return nil, fmt.Errorf("security: retired key reuses active version %d", active.Version())
	}
	return k, nil
}

// NewKeyringFromConfig builds the active cipher from encryption_key and,
// when previous_encryption_key is set, registers it one version below.
func NewKeyringFromConfig(cfg core.Config, opts ...KeyringOption) (*Keyring, error) {
	version := cfg.EncryptionKeyVersion
	if version <= 0 {
		version = 1
	}
	active, err := NewCipher(cfg.EncryptionKey,
		WithSalt(cfg.EncryptionSalt),
		WithIterations(cfg.KDFIterations),
		WithVersion(version),
	)
	if err != nil {
		return nil, err
	}
	if previous := strings.TrimSpace(cfg.PreviousEncryptionKey); previous != "" && version > 1 {
		retired, err := NewCipher(previous,
			WithSalt(cfg.EncryptionSalt),
			WithIterations(cfg.KDFIterations),
			WithVersion(version-1),
		)
		if err != nil {
			return nil, err
		}
		opts = append([]KeyringOption{WithRetiredCipher(retired)}, opts...)
	}
	return NewKeyring(active, opts...)
}

func WithRetiredCipher(c *Cipher) KeyringOption {
	return func(k *Keyring) {
		if k == nil || c == nil {
			return
		}
		k.retired[c.Version()] = c
	}
}

func WithKeyDiagnostics(hook KeyDiagnosticHook) KeyringOption {
	return func(k *Keyring) {
		if k == nil {
			return
		}
		k.diagnosticHook = hook
	}
}

func WithKeyringClock(now func() time.Time) KeyringOption {
	return func(k *Keyring) {
		if k == nil || now == nil {
			return
		}
		k.now = now
	}
}

func (k *Keyring) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("security: keyring is nil")
	}
	return k.active.Encrypt(ctx, plaintext)
}

func (k *Keyring) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("security: keyring is nil")
	}
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return nil, err
	}
	if meta.KeyID == k.active.KeyID() && meta.Version == k.active.Version() {
		return k.active.Decrypt(ctx, ciphertext)
	}
	retired, ok := k.retired[meta.Version]
	if !ok || retired.KeyID() != meta.KeyID {
		err := fmt.Errorf("%w: no key for %s/%d", ErrDecrypt, meta.KeyID, meta.Version)
		k.emit("decrypt", "unknown_key", meta, err)
		return nil, err
	}
	plaintext, err := retired.Decrypt(ctx, ciphertext)
	if err != nil {
		k.emit("decrypt", "retired_key_failed", meta, err)
		return nil, err
	}
	k.emit("decrypt", "retired_key", meta, nil)
	return plaintext, nil
}

func (k *Keyring) Metadata() (string, int) {
	if k == nil {
		return "", 0
	}
	return k.active.KeyID(), k.active.Version()
}

func (k *Keyring) emit(operation, outcome string, meta EnvelopeMetadata, err error) {
	if k.diagnosticHook == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	k.diagnosticHook(KeyDiagnostic{
		OccurredAt: k.now(),
		Operation:  operation,
		Outcome:    outcome,
		KeyID:      meta.KeyID,
		Version:    meta.Version,
		Error:      msg,
	})
}

var _ core.SecretProvider = (*Keyring)(nil)
