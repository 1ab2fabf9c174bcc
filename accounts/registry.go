// Package accounts registers mail accounts and keeps their client secrets
// sealed at rest.
package accounts

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/security"
)

type RegistryOption func(*Registry)

func WithRegistryObserver(observer core.Observer) RegistryOption {
	return func(r *Registry) {
		if r == nil {
			return
		}
		r.observer = observer
	}
}

type Registration struct {
	Email        string
	DisplayName  string
	AuthType     core.AuthType
	ClientID     string
	TenantID     string
	RedirectURI  string
	ClientSecret string
}

// Registry is the account directory used by the engines. Writes seal the
// client secret before it reaches the store; reads open it again.
type Registry struct {
	store    core.AccountStore
	secrets  core.SecretProvider
	observer core.Observer
}

func NewRegistry(store core.AccountStore, secrets core.SecretProvider, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("accounts: account store is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("accounts: secret provider is required")
	}
	registry := &Registry{store: store, secrets: secrets}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

// Register validates the registration against its auth type and stores the
// account as inactive and unauthenticated.
func (r *Registry) Register(ctx context.Context, reg Registration) (account core.Account, err error) {
	startedAt := time.Now()
	fields := map[string]any{"auth_type": string(reg.AuthType)}
	defer func() {
		if account.ID != "" {
			fields["account_id"] = account.ID
		}
		r.observer.Observe(ctx, startedAt, "account_register", err, fields)
	}()

	candidate, err := buildAccount(reg)
	if err != nil {
		return core.Account{}, core.MapError(err)
	}
	sealed, err := r.seal(ctx, candidate)
	if err != nil {
		return core.Account{}, err
	}
	created, err := r.store.Create(ctx, sealed)
	if err != nil {
		return core.Account{}, core.MapError(err)
	}
	created.AuthCode = cloneAuthCode(candidate.AuthCode)
	return created, nil
}

func buildAccount(reg Registration) (core.Account, error) {
	email := strings.ToLower(strings.TrimSpace(reg.Email))
	if email == "" {
		return core.Account{}, core.BadInputError("account email is required", nil)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return core.Account{}, core.BadInputError(fmt.Sprintf("account email %q is invalid", email), err)
	}
	authType, err := core.ParseAuthType(string(reg.AuthType))
	if err != nil {
		return core.Account{}, core.ConfigurationError(err.Error(), err)
	}

	account := core.Account{
		Email:       email,
		DisplayName: strings.TrimSpace(reg.DisplayName),
		AuthType:    authType,
	}
	switch authType {
	case core.AuthTypeAuthorizationCode:
		cfg, err := core.NewAuthCodeConfig(reg.ClientID, reg.TenantID, reg.RedirectURI, reg.ClientSecret)
		if err != nil {
			return core.Account{}, core.ConfigurationError(err.Error(), err)
		}
		account.AuthCode = cfg
	case core.AuthTypeDeviceCode:
		if strings.TrimSpace(reg.ClientSecret) != "" {
			return core.Account{}, core.ConfigurationError(core.ErrClientSecretNotAllowed.Error(), core.ErrClientSecretNotAllowed)
		}
		cfg, err := core.NewDeviceCodeConfig(reg.ClientID, reg.TenantID)
		if err != nil {
			return core.Account{}, core.ConfigurationError(err.Error(), err)
		}
		account.DeviceCode = cfg
	}
	return account, nil
}

func (r *Registry) Get(ctx context.Context, id string) (core.Account, error) {
	account, err := r.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return core.Account{}, core.MapError(err)
	}
	return r.open(ctx, account)
}

func (r *Registry) GetByEmail(ctx context.Context, email string) (core.Account, error) {
	account, err := r.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return core.Account{}, core.MapError(err)
	}
	return r.open(ctx, account)
}

// Resolve accepts either an account id or an email address.
func (r *Registry) Resolve(ctx context.Context, idOrEmail string) (core.Account, error) {
	if strings.Contains(idOrEmail, "@") {
		return r.GetByEmail(ctx, idOrEmail)
	}
	return r.Get(ctx, idOrEmail)
}

// List returns accounts without their secrets.
func (r *Registry) List(ctx context.Context) ([]core.Account, error) {
	accounts, err := r.store.List(ctx)
	if err != nil {
		return nil, core.MapError(err)
	}
	out := make([]core.Account, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, redactSecret(account))
	}
	return out, nil
}

func (r *Registry) UpdateAuthState(ctx context.Context, update core.AuthStateUpdate) (core.Account, error) {
	account, err := r.store.UpdateAuthState(ctx, update)
	if err != nil {
		return core.Account{}, core.MapError(err)
	}
	return r.open(ctx, account)
}

func (r *Registry) UpdateStatus(ctx context.Context, id string, status core.AccountStatus, reason string) (core.Account, error) {
	account, err := r.store.UpdateStatus(ctx, id, status, reason)
	if err != nil {
		return core.Account{}, core.MapError(err)
	}
	return r.open(ctx, account)
}

func (r *Registry) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	return core.MapError(r.store.TouchLastSync(ctx, id, at))
}

// Delete removes the account together with its token, cursor, history,
// messages and subscriptions.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	startedAt := time.Now()
	defer func() {
		r.observer.Observe(ctx, startedAt, "account_delete", err, map[string]any{"account_id": id})
	}()
	return core.MapError(r.store.Delete(ctx, strings.TrimSpace(id)))
}

func (r *Registry) seal(ctx context.Context, account core.Account) (core.Account, error) {
	if account.AuthCode == nil {
		return account, nil
	}
	sealed, err := security.SealString(ctx, r.secrets, account.AuthCode.ClientSecret)
	if err != nil {
		return core.Account{}, core.PersistenceError("seal client secret", err)
	}
	cfg := cloneAuthCode(account.AuthCode)
	cfg.ClientSecret = sealed
	account.AuthCode = cfg
	return account, nil
}

func (r *Registry) open(ctx context.Context, account core.Account) (core.Account, error) {
	if account.AuthCode == nil {
		return account, nil
	}
	plaintext, err := security.OpenString(ctx, r.secrets, account.AuthCode.ClientSecret)
	if err != nil {
		return core.Account{}, core.PersistenceError("open client secret", err)
	}
	cfg := cloneAuthCode(account.AuthCode)
	cfg.ClientSecret = plaintext
	account.AuthCode = cfg
	return account, nil
}

func redactSecret(account core.Account) core.Account {
	if account.AuthCode != nil {
		cfg := cloneAuthCode(account.AuthCode)
		cfg.ClientSecret = ""
		account.AuthCode = cfg
	}
	return account
}

func cloneAuthCode(in *core.AuthCodeConfig) *core.AuthCodeConfig {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

var _ core.AccountDirectory = (*Registry)(nil)
