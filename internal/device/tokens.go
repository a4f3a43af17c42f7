package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"mixdeck/internal/core"
)

// RemoteTokens fetches helper tokens from the backend's /auth/getplaytokens
// route and caches them until Invalidate is called.
type RemoteTokens struct {
	endpoint   string
	httpClient *http.Client

	mu     sync.Mutex
	cached *PlayTokens
}

func NewRemoteTokens(backendURL string, timeout time.Duration) *RemoteTokens {
	return &RemoteTokens{
		endpoint:   strings.TrimRight(backendURL, "/") + "/auth/getplaytokens",
		httpClient: &http.Client{Timeout: timeout},
	}
}

type playTokensResponse struct {
	Success bool       `json:"success"`
	Tokens  PlayTokens `json:"tokens"`
	Error   string     `json:"error,omitempty"`
}

func (r *RemoteTokens) Tokens(ctx context.Context) (PlayTokens, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return *r.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, http.NoBody)
	if err != nil {
		return PlayTokens{}, fmt.Errorf("failed to build token request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return PlayTokens{}, fmt.Errorf("failed to fetch play tokens: %w", err)
	}
	defer resp.Body.Close()

	var parsed playTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return PlayTokens{}, fmt.Errorf("%w: play tokens: %v", core.ErrMalformedResponse, err)
	}
	if !parsed.Success || parsed.Tokens.CSRF == "" || parsed.Tokens.Access == "" {
		return PlayTokens{}, fmt.Errorf("%w: play tokens unavailable: %s", core.ErrNotAuthenticated, parsed.Error)
	}

	r.cached = &parsed.Tokens
	return parsed.Tokens, nil
}

// Invalidate drops the cached tokens so the next call fetches fresh ones.
func (r *RemoteTokens) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}
