package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mixdeck/internal/core"
)

// RefreshResponse is the body of GET /auth/refreshtoken.
type RefreshResponse struct {
	Success      bool      `json:"success"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Error        string    `json:"error,omitempty"`
}

// BackendClient refreshes tokens through a remote backend.
type BackendClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewBackendClient(baseURL string, timeout time.Duration) *BackendClient {
	return &BackendClient{
		endpoint:   strings.TrimRight(baseURL, "/") + "/auth/refreshtoken",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *BackendClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	reqURL := c.endpoint + "?refresh_token=" + url.QueryEscape(refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	var body RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: refresh response: %v", core.ErrMalformedResponse, err)
	}
	if !body.Success || body.Error != "" || body.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s", core.ErrRefreshRejected, body.Error)
	}

	return &Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresIn:    body.ExpiresIn,
		IssuedAt:     body.IssuedAt,
		ExpiresAt:    body.ExpiresAt,
	}, nil
}
