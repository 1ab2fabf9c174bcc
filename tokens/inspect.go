package tokens

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	expiryMatchTolerance      = 60 * time.Second
	expiryConsistentTolerance = 300 * time.Second
)

// TokenStatus describes the stored token without exposing it.
type TokenStatus struct {
	AccountID       string
	TokenType       string
	Scope           string
	ExpiresAt       time.Time
	Expired         bool
	NeedsRefresh    bool
	HasRefreshToken bool

	// JWT reports whether the access token decoded as a JWT. The fields
	// below are only set when it did.
	JWT          bool
	JWTExpiresAt *time.Time
	ExpiryDelta  time.Duration
	Match        bool
	Consistent   bool
}

// Inspect compares the exp claim of the access token with the stored expiry.
// The signature is not verified.
func (m *Manager) Inspect(ctx context.Context, accountID string) (status TokenStatus, err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "token_inspect", err, map[string]any{
			"account_id": accountID,
			"jwt":        status.JWT,
		})
	}()

	accountID = strings.TrimSpace(accountID)
	set, err := m.load(ctx, accountID)
	if err != nil {
		return TokenStatus{}, err
	}
	now := m.now()
	status = TokenStatus{
		AccountID:       accountID,
		TokenType:       set.TokenType,
		Scope:           set.Scope,
		ExpiresAt:       set.ExpiresAt,
		Expired:         !set.ExpiresAt.After(now),
		NeedsRefresh:    set.ExpiresWithin(m.margin, now),
		HasRefreshToken: set.RefreshToken != "",
	}

	exp, ok := jwtExpiry(set.AccessToken)
	if !ok {
		return status, nil
	}
	status.JWT = true
	status.JWTExpiresAt = &exp
	status.ExpiryDelta = exp.Sub(set.ExpiresAt)
	delta := status.ExpiryDelta
	if delta < 0 {
		delta = -delta
	}
	status.Match = delta <= expiryMatchTolerance
	status.Consistent = delta <= expiryConsistentTolerance
	return status, nil
}

func jwtExpiry(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.UTC(), true
}
