package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"mixdeck/internal/auth"
	"mixdeck/internal/core"
	"mixdeck/internal/dragdrop"
	"mixdeck/internal/events"
	"mixdeck/internal/flood"
	"mixdeck/internal/player"
	"mixdeck/internal/playlist"
	"mixdeck/internal/session"
	"mixdeck/internal/storage"
	"mixdeck/internal/store"
)

var issued = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeBroker struct {
	states map[string]bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{states: map[string]bool{}}
}

func (b *fakeBroker) AuthURL() (string, string) {
	b.states["state-1"] = true
	return "https://accounts.example.com/authorize?state=state-1", "state-1"
}

func (b *fakeBroker) ConsumeState(state string) bool {
	if !b.states[state] {
		return false
	}
	delete(b.states, state)
	return true
}

func (b *fakeBroker) Exchange(_ context.Context, code string) (*auth.Token, error) {
	if code != "good-code" {
		return nil, core.ErrNotAuthenticated
	}
	return &auth.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(time.Hour),
	}, nil
}

func (b *fakeBroker) Refresh(_ context.Context, refreshToken string) (*auth.Token, error) {
	if refreshToken != "refresh-1" {
		return nil, core.ErrRefreshRejected
	}
	return &auth.Token{
		AccessToken: "access-2",
		ExpiresIn:   3600,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(time.Hour),
	}, nil
}

type fakeDevice struct {
	played []string
}

func (d *fakeDevice) Play(_ context.Context, uri string) (*core.DeviceStatus, error) {
	d.played = append(d.played, uri)
	return &core.DeviceStatus{Playing: true, TrackURI: uri}, nil
}

func (d *fakeDevice) Pause(context.Context) (*core.DeviceStatus, error) {
	return &core.DeviceStatus{Playing: false}, nil
}

func (d *fakeDevice) Status(context.Context) (*core.DeviceStatus, error) {
	return &core.DeviceStatus{}, nil
}

type fakeAuth struct {
	token string
}

func (a *fakeAuth) Start(context.Context) error { return nil }
func (a *fakeAuth) CurrentToken() (string, bool) {
	return a.token, a.token != ""
}
func (a *fakeAuth) Clear(context.Context) error { a.token = ""; return nil }
func (a *fakeAuth) Bootstrap(_ context.Context, jar auth.CookieJar) (bool, error) {
	v, ok := jar.Get(auth.CookieAccessToken)
	if !ok {
		return false, nil
	}
	a.token = v
	jar.Clear(auth.CookieNames...)
	return true, nil
}

func newTestSession(t *testing.T, a *fakeAuth) (*session.Session, *fakeDevice) {
	t.Helper()
	ctx := context.Background()

	bus := events.NewBus()
	queue, err := playlist.NewQueue(ctx, storage.NewMemory(), store.NewUnplayableSet(100, 0.01), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	device := &fakeDevice{}
	ctrl := player.NewController(device, bus, zap.NewNop(), player.Options{})

	deps := session.Deps{
		Bus:    bus,
		Queue:  queue,
		Player: ctrl,
		Drag:   dragdrop.NewCoordinator(queue, bus, zap.NewNop()),
		Logger: zap.NewNop(),
	}
	if a != nil {
		deps.Auth = a
	}
	s := session.New(deps)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		_ = ctrl.StopPlayback(ctx)
		s.Close()
	})
	return s, device
}

func newTestServer(deps Deps) *Server {
	config := core.DefaultConfig()
	config.Server.CookieMaxAge = time.Hour
	config.Device.CSRFToken = "csrf-token"
	config.Device.OAuthToken = "oauth-token"
	return NewServer(config, deps, zap.NewNop())
}

func serve(s *Server, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateHTTPServer(t *testing.T) {
	config := &core.ServerConfig{
		Host:         "0.0.0.0",
		Port:         9090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	mux := http.NewServeMux()
	server := createHTTPServer(config, mux)

	expectedAddr := "0.0.0.0:9090"
	if server.Addr != expectedAddr {
		t.Errorf("createHTTPServer() Addr = %q, expected %q", server.Addr, expectedAddr)
	}

	if server.Handler != mux {
		t.Errorf("createHTTPServer() Handler mismatch")
	}

	if server.ReadTimeout != config.ReadTimeout {
		t.Errorf("createHTTPServer() ReadTimeout = %v, expected %v", server.ReadTimeout, config.ReadTimeout)
	}

	if server.WriteTimeout != config.WriteTimeout {
		t.Errorf("createHTTPServer() WriteTimeout = %v, expected %v", server.WriteTimeout, config.WriteTimeout)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(Deps{})
	rec := serve(s, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if contentType := rec.Header().Get("Content-Type"); contentType != "application/json" {
		t.Errorf("/healthz Content-Type = %q, expected %q", contentType, "application/json")
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"service":"mixdeck","status":"ok"}` {
		t.Errorf("Expected healthy body, got %q", body)
	}
}

func TestReadyzEndpoint(t *testing.T) {
	ready := false
	s := newTestServer(Deps{Ready: func() bool { return ready }})

	if rec := serve(s, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready = %d, want 503", rec.Code)
	}

	ready = true
	rec := serve(s, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz after ready = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Errorf("Expected ready body, got %q", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := NewMetrics()
	metrics.SetQueueLength(3)
	metrics.SetResourcesReady(true)
	metrics.RecordPlaybackCommand("play", "success")

	s := newTestServer(Deps{Metrics: metrics})
	rec := serve(s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics returned status %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"mixdeck_queue_length 3",
		"mixdeck_resources_ready 1",
		`mixdeck_playback_commands_total{command="play",status="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestNewMetricsIndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	if a.Registry() == b.Registry() {
		t.Error("NewMetrics() shares a registry")
	}
}

func TestHomeHandler(t *testing.T) {
	handler := homeHandler(zap.NewNop())

	req := httptest.NewRequest("GET", "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	if contentType := rec.Header().Get("Content-Type"); contentType != "text/html" {
		t.Errorf("Expected Content-Type text/html, got %q", contentType)
	}

	body := rec.Body.String()
	for _, element := range []string{
		"<!DOCTYPE html>",
		"<title>mixdeck</title>",
		"/auth/requestauth",
		"/metrics",
		"/healthz",
		"/readyz",
	} {
		if !strings.Contains(body, element) {
			t.Errorf("Expected body to contain %q", element)
		}
	}
}

func TestRequestAuthRedirects(t *testing.T) {
	s := newTestServer(Deps{Broker: newFakeBroker()})
	rec := serve(s, http.MethodGet, "/auth/requestauth", "")

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "state=state-1") {
		t.Errorf("Location = %q", loc)
	}
}

func TestAuthRoutesDisabledWithoutBroker(t *testing.T) {
	s := newTestServer(Deps{})
	if rec := serve(s, http.MethodGet, "/auth/requestauth", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCallback(t *testing.T) {
	broker := newFakeBroker()
	s := newTestServer(Deps{Broker: broker})

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"unknown state", "?state=forged&code=good-code", http.StatusBadRequest},
		{"denied", "?error=access_denied", http.StatusUnauthorized},
		{"missing code", "?state=state-1", http.StatusBadRequest},
		{"bad code", "?state=state-1&code=bad", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker.AuthURL()
			rec := serve(s, http.MethodGet, "/auth/callback"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if len(rec.Result().Cookies()) != 0 {
				t.Error("cookies set on a failed callback")
			}
		})
	}

	t.Run("success", func(t *testing.T) {
		broker.AuthURL()
		rec := serve(s, http.MethodGet, "/auth/callback?state=state-1&code=good-code", "")
		if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
			t.Fatalf("status = %d, location = %q", rec.Code, rec.Header().Get("Location"))
		}

		cookies := map[string]*http.Cookie{}
		for _, c := range rec.Result().Cookies() {
			cookies[c.Name] = c
		}
		want := map[string]string{
			auth.CookieAccessToken:  "access-1",
			auth.CookieRefreshToken: "refresh-1",
			auth.CookieExpiresIn:    "3600",
			auth.CookieIssuedAt:     "2024-05-01T12:00:00Z",
			auth.CookieExpiresAt:    "2024-05-01T13:00:00Z",
		}
		for name, value := range want {
			c, ok := cookies[name]
			if !ok {
				t.Errorf("cookie %s missing", name)
				continue
			}
			if c.Value != value {
				t.Errorf("cookie %s = %q, want %q", name, c.Value, value)
			}
			if c.MaxAge != 3600 || c.Path != "/" {
				t.Errorf("cookie %s MaxAge = %d, Path = %q", name, c.MaxAge, c.Path)
			}
		}

		// The state is single use.
		if rec := serve(s, http.MethodGet, "/auth/callback?state=state-1&code=good-code", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("replayed state status = %d, want 400", rec.Code)
		}
	})
}

func TestRefreshToken(t *testing.T) {
	s := newTestServer(Deps{Broker: newFakeBroker()})

	tests := []struct {
		name        string
		query       string
		wantStatus  int
		wantSuccess bool
		wantAccess  string
	}{
		{"success", "?refresh_token=refresh-1", http.StatusOK, true, "access-2"},
		{"missing", "", http.StatusBadRequest, false, ""},
		{"rejected", "?refresh_token=revoked", http.StatusBadRequest, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, http.MethodGet, "/auth/refreshtoken"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body auth.RefreshResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Success != tt.wantSuccess || body.AccessToken != tt.wantAccess {
				t.Errorf("body = %+v", body)
			}
			if !tt.wantSuccess && body.Error == "" {
				t.Error("error message missing")
			}
			if tt.wantSuccess && !body.ExpiresAt.Equal(issued.Add(time.Hour)) {
				t.Errorf("ExpiresAt = %v", body.ExpiresAt)
			}
		})
	}
}

func TestRefreshTokenRateLimited(t *testing.T) {
	gate := flood.New(2)
	t.Cleanup(gate.Stop)
	metrics := NewMetrics()
	s := newTestServer(Deps{Broker: newFakeBroker(), Floodgate: gate, Metrics: metrics})

	for i := 0; i < 2; i++ {
		if rec := serve(s, http.MethodGet, "/auth/refreshtoken?refresh_token=refresh-1", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}

	rec := serve(s, http.MethodGet, "/auth/refreshtoken?refresh_token=refresh-1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// Another client has its own window.
	req := httptest.NewRequest(http.MethodGet, "/auth/refreshtoken?refresh_token=refresh-1", http.NoBody)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	other := httptest.NewRecorder()
	s.Handler().ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", other.Code)
	}

	if body := serve(s, http.MethodGet, "/metrics", "").Body.String(); !strings.Contains(body, "mixdeck_refresh_rate_limited_total 1") {
		t.Error("rate limited request not counted")
	}
}

func TestPlayTokens(t *testing.T) {
	s := newTestServer(Deps{})
	rec := serve(s, http.MethodGet, "/auth/getplaytokens", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := `{"success":true,"tokens":{"csrf":"csrf-token","access":"oauth-token"}}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("body = %s, want %s", got, want)
	}

	unconfigured := NewServer(core.DefaultConfig(), Deps{}, zap.NewNop())
	if rec := serve(unconfigured, http.MethodGet, "/auth/getplaytokens", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d, want 503", rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote host", "198.51.100.4:5120", "", "198.51.100.4"},
		{"forwarded", "10.0.0.1:80", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"no port", "unix", "", "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientKey(req); got != tt.want {
				t.Errorf("clientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
