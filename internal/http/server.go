package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mixdeck/internal/auth"
	"mixdeck/internal/core"
	"mixdeck/internal/flood"
	"mixdeck/internal/session"
)

const shutdownTimeout = 10 * time.Second

// AuthBroker performs the OAuth exchanges behind the /auth routes.
type AuthBroker interface {
	AuthURL() (authURL, state string)
	ConsumeState(state string) bool
	Exchange(ctx context.Context, code string) (*auth.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.Token, error)
}

// Deps are the collaborators behind the routes. A nil Broker disables the
// /auth routes and a nil Session disables /api.
type Deps struct {
	Broker    AuthBroker
	Floodgate *flood.Floodgate
	Session   *session.Session
	Metrics   *Metrics
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
}

type Server struct {
	config  *core.ServerConfig
	device  *core.DeviceConfig
	deps    Deps
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

func NewServer(config *core.Config, deps Deps, logger *zap.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	s := &Server{
		config:  &config.Server,
		device:  &config.Device,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
	}
	s.server = createHTTPServer(s.config, s.setupRoutes())
	return s
}

func createHTTPServer(config *core.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "mixdeck"})
	})
	mux.HandleFunc("GET /readyz", s.readyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	if s.deps.Broker != nil {
		mux.HandleFunc("GET /auth/requestauth", s.requestAuthHandler)
		mux.HandleFunc("GET /auth/callback", s.callbackHandler)
		mux.HandleFunc("GET /auth/refreshtoken", s.refreshTokenHandler)
	}
	mux.HandleFunc("GET /auth/getplaytokens", s.playTokensHandler)

	if s.deps.Session != nil {
		s.setupAPIRoutes(mux)
	}

	home := homeHandler(s.logger)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		s.bootstrapFromCookies(r, w)
		home(w, r)
	})
	return mux
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading", "service": "mixdeck"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "mixdeck"})
}

func homeHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>mixdeck</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1 class="header">mixdeck</h1>
    <p>Curate a master playlist from your Spotify playlists, library and search.</p>

    <h2>Endpoints</h2>
    <div class="endpoint"><a href="/auth/requestauth">Sign in</a> - Authorize with Spotify</div>
    <div class="endpoint"><a href="/api/state">State</a> - Queue, player and notices</div>
    <div class="endpoint"><a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint"><a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint"><a href="/readyz">Ready</a> - Readiness check</div>
</body>
</html>`)); err != nil {
			logger.Debug("Failed to write home page", zap.Error(err))
		}
	}
}

func (s *Server) requestAuthHandler(w http.ResponseWriter, r *http.Request) {
	authURL, _ := s.deps.Broker.AuthURL()
	http.Redirect(w, r, authURL, http.StatusFound)
}

// callbackHandler completes the authorization code flow and hands the grant
// to the client as cookies.
func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		s.logger.Warn("Authorization denied", zap.String("error", errParam))
		writeError(w, http.StatusUnauthorized, "authorization denied: "+errParam)
		return
	}
	if !s.deps.Broker.ConsumeState(query.Get("state")) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}

	code := query.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	token, err := s.deps.Broker.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warn("Code exchange failed", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "code exchange failed")
		return
	}

	s.setGrantCookies(w, token)
	s.logger.Info("Authorization completed", zap.Time("expires_at", token.ExpiresAt))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) setGrantCookies(w http.ResponseWriter, token *auth.Token) {
	values := map[string]string{
		auth.CookieAccessToken:  token.AccessToken,
		auth.CookieRefreshToken: token.RefreshToken,
		auth.CookieExpiresIn:    fmt.Sprint(token.ExpiresIn),
		auth.CookieIssuedAt:     token.IssuedAt.UTC().Format(time.RFC3339),
		auth.CookieExpiresAt:    token.ExpiresAt.UTC().Format(time.RFC3339),
	}
	for _, name := range auth.CookieNames {
		if values[name] == "" {
			continue
		}
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    values[name],
			Path:     "/",
			MaxAge:   int(s.config.CookieMaxAge / time.Second),
			Secure:   s.config.SecureCookies,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (s *Server) refreshTokenHandler(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)
	if s.deps.Floodgate != nil && !s.deps.Floodgate.Allow(client) {
		s.metrics.recordRateLimited()
		retry := s.deps.Floodgate.RetryAfter(client)
		w.Header().Set("Retry-After", fmt.Sprint(int((retry+time.Second-1)/time.Second)))
		writeJSON(w, http.StatusTooManyRequests, auth.RefreshResponse{Error: "rate limited"})
		return
	}

	refreshToken := r.URL.Query().Get("refresh_token")
	if refreshToken == "" {
		writeJSON(w, http.StatusBadRequest, auth.RefreshResponse{Error: "missing refresh_token"})
		return
	}

	token, err := s.deps.Broker.Refresh(r.Context(), refreshToken)
	if err != nil {
		s.logger.Warn("Token refresh failed", zap.String("client", client), zap.Error(err))
		s.metrics.RecordTokenRefresh("rejected")
		writeJSON(w, http.StatusBadRequest, auth.RefreshResponse{Error: "refresh rejected"})
		return
	}

	s.metrics.RecordTokenRefresh("issued")
	writeJSON(w, http.StatusOK, auth.RefreshResponse{
		Success:      true,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    token.ExpiresIn,
		IssuedAt:     token.IssuedAt,
		ExpiresAt:    token.ExpiresAt,
	})
}

type playTokensResponse struct {
	Success bool        `json:"success"`
	Tokens  *playTokens `json:"tokens,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type playTokens struct {
	CSRF   string `json:"csrf"`
	Access string `json:"access"`
}

func (s *Server) playTokensHandler(w http.ResponseWriter, _ *http.Request) {
	if s.device.CSRFToken == "" || s.device.OAuthToken == "" {
		writeJSON(w, http.StatusServiceUnavailable, playTokensResponse{Error: "play tokens not configured"})
		return
	}
	writeJSON(w, http.StatusOK, playTokensResponse{
		Success: true,
		Tokens:  &playTokens{CSRF: s.device.CSRFToken, Access: s.device.OAuthToken},
	})
}

// clientKey identifies the caller for rate limiting: the first forwarded
// address when behind a proxy, otherwise the remote host.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}
