// Package auth keeps the OAuth access and refresh tokens, decides whether the
// access token is still usable and coordinates refresh exchanges.
package auth

import (
	"context"
	"time"
)

// StorageKey is the storage key holding the token record.
const StorageKey = "playerAuthToken"

// Cookie names set by the backend callback for a new grant.
const (
	CookieAccessToken  = "access_token"
	CookieRefreshToken = "refresh_token"
	CookieExpiresIn    = "expires_in"
	CookieIssuedAt     = "issued_at"
	CookieExpiresAt    = "expires_at"
)

// CookieNames lists every grant cookie in the order they are written.
var CookieNames = []string{CookieAccessToken, CookieRefreshToken, CookieExpiresIn, CookieIssuedAt, CookieExpiresAt}

// Token is an access/refresh pair with its validity window. It is always
// written as a single record so expiry never disagrees with the token.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ValidAt reports whether the access token may be used at now.
func (t *Token) ValidAt(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// normalize fills whichever of IssuedAt/ExpiresAt is missing from ExpiresIn.
func (t *Token) normalize(now time.Time) {
	if t.IssuedAt.IsZero() {
		t.IssuedAt = now
	}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if t.ExpiresIn == 0 && t.ExpiresAt.After(t.IssuedAt) {
		t.ExpiresIn = int(t.ExpiresAt.Sub(t.IssuedAt) / time.Second)
	}
}

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// CookieJar is the cookie surface the bootstrap reads a new grant from.
type CookieJar interface {
	Get(name string) (string, bool)
	Clear(names ...string)
}
