// Package device implements playback devices: the local web helper reached
// over HTTP and an MPD server (for example Mopidy with a streaming backend).
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mixdeck/internal/core"
)

const (
	playSuffixFormat = "uri=%s&context=%s"
	pauseSuffix      = "pause=true"
	statusSuffix     = "returnon=login,logout,play,pause,error,ap&returnafter=60"
)

// PlayTokens are the two rotating security tokens the helper requires.
type PlayTokens struct {
	CSRF   string `json:"csrf"`
	Access string `json:"access"`
}

// TokenProvider supplies helper tokens.
type TokenProvider interface {
	Tokens(ctx context.Context) (PlayTokens, error)
}

// invalidator is implemented by providers whose tokens can go stale.
type invalidator interface {
	Invalidate()
}

// StaticTokens returns fixed tokens.
type StaticTokens PlayTokens

func (s StaticTokens) Tokens(context.Context) (PlayTokens, error) {
	if s.CSRF == "" || s.Access == "" {
		return PlayTokens{}, fmt.Errorf("%w: helper tokens not configured", core.ErrNotAuthenticated)
	}
	return PlayTokens(s), nil
}

// helperResponse is the helper's reply to every command.
type helperResponse struct {
	Playing bool `json:"playing"`
	Track   *struct {
		TrackResource struct {
			URI string `json:"uri"`
		} `json:"track_resource"`
	} `json:"track,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Helper talks to the local web helper.
type Helper struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHelper(baseURL string, tokens TokenProvider, timeout time.Duration, logger *zap.Logger) *Helper {
	return &Helper{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (h *Helper) Play(ctx context.Context, uri string) (*core.DeviceStatus, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty resource uri", core.ErrDeviceFailure)
	}
	escaped := url.QueryEscape(uri)
	return h.command(ctx, "play", fmt.Sprintf(playSuffixFormat, escaped, escaped))
}

func (h *Helper) Pause(ctx context.Context) (*core.DeviceStatus, error) {
	return h.command(ctx, "pause", pauseSuffix)
}

func (h *Helper) Status(ctx context.Context) (*core.DeviceStatus, error) {
	return h.command(ctx, "status", statusSuffix)
}

func (h *Helper) commandURL(action string, tokens PlayTokens, suffix string) string {
	return fmt.Sprintf("%s/%s.json?csrf=%s&oauth=%s&%s&ref=&cors",
		h.baseURL, action, url.QueryEscape(tokens.CSRF), url.QueryEscape(tokens.Access), suffix)
}

func (h *Helper) command(ctx context.Context, action, suffix string) (*core.DeviceStatus, error) {
	tokens, err := h.tokens.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get helper tokens: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.commandURL(action, tokens, suffix), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", action, err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s request: %v", core.ErrDeviceFailure, action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", core.ErrDeviceFailure, action, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", core.ErrDeviceFailure, action, resp.StatusCode)
	}

	var parsed helperResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		h.logger.Warn("Malformed helper response",
			zap.String("action", action),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", core.ErrMalformedResponse, action, err)
	}

	if parsed.Error != nil && parsed.Error.Type != "" {
		devErr := core.NewDeviceError(parsed.Error.Type)
		if devErr.Code != core.DeviceErrorResourceUnavailable {
			// Rotated tokens surface as helper errors; fetch fresh ones next time.
			if inv, ok := h.tokens.(invalidator); ok {
				inv.Invalidate()
			}
		}
		return nil, devErr
	}

	status := &core.DeviceStatus{Playing: parsed.Playing}
	if parsed.Track != nil {
		status.TrackURI = parsed.Track.TrackResource.URI
	}
	return status, nil
}
