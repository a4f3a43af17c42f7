// Package broker performs the OAuth authorization-code and refresh-token
// exchanges with the streaming service's accounts endpoint.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mixdeck/internal/auth"
	"mixdeck/internal/core"
)

const (
	// MaxPendingStates bounds the number of outstanding authorization requests.
	MaxPendingStates = 256
	// StateTTL is how long an authorization request may take to come back.
	StateTTL = 10 * time.Minute
)

// Scopes requested for a new grant.
var Scopes = []string{
	spotifyauth.ScopeUserReadPrivate,
	spotifyauth.ScopePlaylistReadPrivate,
	spotifyauth.ScopePlaylistReadCollaborative,
	spotifyauth.ScopeUserLibraryRead,
	spotifyauth.ScopeUserReadPlaybackState,
	spotifyauth.ScopeUserModifyPlaybackState,
}

var ErrInvalidState = errors.New("unknown or expired authorization state")

type Options struct {
	// Endpoint overrides the accounts service endpoint.
	Endpoint *oauth2.Endpoint
	Now      func() time.Time
}

type Broker struct {
	config   *oauth2.Config
	lifetime time.Duration
	now      func() time.Time
	logger   *zap.Logger
	states   *expirable.LRU[string, struct{}]
}

func New(cfg *core.SpotifyConfig, logger *zap.Logger, opts Options) *Broker {
	endpoint := oauth2.Endpoint{
		AuthURL:   spotifyauth.AuthURL,
		TokenURL:  spotifyauth.TokenURL,
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	if opts.Endpoint != nil {
		endpoint = *opts.Endpoint
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	lifetime := cfg.TokenLifetime
	if lifetime <= 0 {
		lifetime = core.DefaultTokenLifetime
	}

	return &Broker{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		lifetime: lifetime,
		now:      opts.Now,
		logger:   logger,
		states:   expirable.NewLRU[string, struct{}](MaxPendingStates, nil, StateTTL),
	}
}

// AuthURL returns the authorization URL for a new grant and the state it carries.
func (b *Broker) AuthURL() (string, string) {
	state := uuid.NewString()
	b.states.Add(state, struct{}{})
	return b.config.AuthCodeURL(state), state
}

// ConsumeState reports whether state was issued by AuthURL and not used yet.
func (b *Broker) ConsumeState(state string) bool {
	if state == "" {
		return false
	}
	return b.states.Remove(state)
}

// Exchange trades an authorization code for a token.
func (b *Broker) Exchange(ctx context.Context, code string) (*auth.Token, error) {
	tok, err := b.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %v", core.ErrNotAuthenticated, err)
	}
	b.logger.Info("Authorization code exchanged")
	return b.toToken(tok), nil
}

// Refresh exchanges a refresh token. It implements auth.Refresher.
func (b *Broker) Refresh(ctx context.Context, refreshToken string) (*auth.Token, error) {
	if refreshToken == "" {
		return nil, core.ErrNoRefreshToken
	}

	tok, err := b.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRefreshRejected, err)
	}
	return b.toToken(tok), nil
}

func (b *Broker) toToken(tok *oauth2.Token) *auth.Token {
	issued := b.now()
	expires := issued.Add(b.lifetime)
	if !tok.Expiry.IsZero() && tok.Expiry.Before(expires) {
		expires = tok.Expiry
	}
	return &auth.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    int(expires.Sub(issued) / time.Second),
		IssuedAt:     issued,
		ExpiresAt:    expires,
	}
}
