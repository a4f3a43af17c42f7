package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mixdeck/internal/core"
	"mixdeck/internal/events"
	"mixdeck/internal/storage"
)

const refreshKey = "refresh"

type Options struct {
	Now     func() time.Time
	Metrics core.MetricsRecorder
}

// Store owns the persisted token. Reads are cheap; refreshes are coalesced so
// concurrent callers with an expired token share a single exchange.
type Store struct {
	storage   core.Storage
	refresher Refresher
	bus       *events.Bus
	logger    *zap.Logger
	metrics   core.MetricsRecorder
	now       func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	token   *Token
	waiters []func()
}

// NewStore loads the stored token, if any.
func NewStore(ctx context.Context, store core.Storage, refresher Refresher, bus *events.Bus, logger *zap.Logger, opts Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = core.NopMetrics{}
	}

	s := &Store{
		storage:   store,
		refresher: refresher,
		bus:       bus,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}

	var token Token
	err := storage.GetJSON(ctx, store, StorageKey, &token)
	switch {
	case err == nil:
		s.token = &token
	case errors.Is(err, core.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return s, nil
}

// CurrentToken returns the access token only while it is still valid.
func (s *Store) CurrentToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.token.ValidAt(s.now()) {
		return "", false
	}
	return s.token.AccessToken, true
}

// Token returns a copy of the stored token record.
func (s *Store) Token() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil {
		return Token{}, false
	}
	return *s.token, true
}

// AccessToken returns the current access token, refreshing it first when expired.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	if token, ok := s.CurrentToken(); ok {
		return token, nil
	}
	token, err := s.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Refresh exchanges the stored refresh token. Calls made while an exchange is
// in flight wait for and share its result. On failure the prior token stays.
func (s *Store) Refresh(ctx context.Context) (*Token, error) {
	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.doRefresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		token := *res.Val.(*Token)
		return &token, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) doRefresh(ctx context.Context) (*Token, error) {
	s.mu.RLock()
	var refreshToken string
	if s.token != nil {
		refreshToken = s.token.RefreshToken
	}
	s.mu.RUnlock()

	if refreshToken == "" {
		s.fail(core.ErrNoRefreshToken)
		return nil, core.ErrNoRefreshToken
	}

	s.logger.Debug("Refreshing access token")
	fresh, err := s.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, core.ErrRefreshRejected) {
			err = fmt.Errorf("%w: %v", core.ErrRefreshRejected, err)
		}
		s.fail(err)
		return nil, err
	}

	token := *fresh
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	if err := s.commit(ctx, &token); err != nil {
		s.fail(err)
		return nil, err
	}

	s.metrics.RecordTokenRefresh("success")
	s.logger.Info("Access token refreshed", zap.Time("expires_at", token.ExpiresAt))
	return &token, nil
}

func (s *Store) fail(err error) {
	s.metrics.RecordTokenRefresh("error")
	s.logger.Warn("Token refresh failed", zap.Error(err))
	s.bus.Publish(events.Event{Kind: events.AuthFailed, Err: err})
}

// Set stores a newly granted token.
func (s *Store) Set(ctx context.Context, token Token) error {
	return s.commit(ctx, &token)
}

// commit persists token and only then makes it current, then runs any
// continuations waiting for authorization.
func (s *Store) commit(ctx context.Context, token *Token) error {
	token.normalize(s.now())
	if err := storage.SetJSON(ctx, s.storage, StorageKey, token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	var waiters []func()
	if token.ValidAt(s.now()) {
		waiters = s.waiters
		s.waiters = nil
	}
	s.mu.Unlock()

	if token.ValidAt(s.now()) {
		s.bus.Publish(events.Event{Kind: events.AuthReady})
	}
	for _, fn := range waiters {
		fn()
	}
	return nil
}

// Clear forgets the token, forcing a new authorization.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.storage.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
	return nil
}

// Bootstrap migrates a grant delivered as cookies into storage and clears the
// cookies. It reports whether a grant was found.
func (s *Store) Bootstrap(ctx context.Context, jar CookieJar) (bool, error) {
	access, ok := jar.Get(CookieAccessToken)
	if !ok || access == "" {
		return false, nil
	}

	token := Token{AccessToken: access}
	token.RefreshToken, _ = jar.Get(CookieRefreshToken)
	if v, ok := jar.Get(CookieExpiresIn); ok {
		token.ExpiresIn, _ = strconv.Atoi(v)
	}
	if v, ok := jar.Get(CookieIssuedAt); ok {
		token.IssuedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := jar.Get(CookieExpiresAt); ok {
		token.ExpiresAt, _ = time.Parse(time.RFC3339, v)
	}

	// Keep the previous refresh token when the grant did not carry one.
	if token.RefreshToken == "" {
		if prior, ok := s.Token(); ok {
			token.RefreshToken = prior.RefreshToken
		}
	}

	if err := s.commit(ctx, &token); err != nil {
		return false, err
	}
	jar.Clear(CookieNames...)

	s.logger.Info("Migrated token from cookies", zap.Time("expires_at", token.ExpiresAt))
	return true, nil
}

// Start validates the stored token, refreshing it when expired.
func (s *Store) Start(ctx context.Context) error {
	if _, ok := s.CurrentToken(); ok {
		s.bus.Publish(events.Event{Kind: events.AuthReady})
		return nil
	}

	s.mu.RLock()
	hasRefresh := s.token != nil && s.token.RefreshToken != ""
	s.mu.RUnlock()

	if !hasRefresh {
		s.bus.Publish(events.Event{Kind: events.AuthFailed, Err: core.ErrNotAuthenticated})
		return core.ErrNotAuthenticated
	}

	_, err := s.Refresh(ctx)
	return err
}

// OnReady runs fn once a valid access token is available: immediately when
// the current token is valid, otherwise after the next successful refresh,
// which is started in the background when a refresh token is stored.
func (s *Store) OnReady(ctx context.Context, fn func()) {
	s.mu.Lock()
	if s.token.ValidAt(s.now()) {
		s.mu.Unlock()
		fn()
		return
	}
	s.waiters = append(s.waiters, fn)
	canRefresh := s.token != nil && s.token.RefreshToken != ""
	s.mu.Unlock()

	if canRefresh {
		go func() {
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Debug("Background refresh failed", zap.Error(err))
			}
		}()
	}
}

// Pending returns how many continuations are waiting for authorization.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waiters)
}

// TokenSource adapts the store to oauth2 so upstream HTTP clients refresh
// through the same coalesced path.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, store: s}
}

type tokenSource struct {
	ctx   context.Context
	store *Store
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	access, err := ts.store.AccessToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	token, _ := ts.store.Token()
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      token.ExpiresAt,
	}, nil
}
