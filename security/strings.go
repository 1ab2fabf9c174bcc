package security

import (
	"context"

	"github.com/goliatone/go-mailsync/core"
)

// SealString encrypts s with any core.SecretProvider. Empty input stays
// empty.
func SealString(ctx context.Context, provider core.SecretProvider, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := provider.Encrypt(ctx, []byte(s))
	if err != nil {
		return "", err
	}
	return string(sealed), nil
}

func OpenString(ctx context.Context, provider core.SecretProvider, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	plaintext, err := provider.Decrypt(ctx, []byte(s))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
