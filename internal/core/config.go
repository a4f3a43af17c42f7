package core

import (
	"time"

	"mixdeck/internal/i18n"
)

const (
	// DefaultCacheTTL is how long fetched playlists and library stay fresh.
	DefaultCacheTTL = 60 * time.Minute
	// DefaultPageSize is the upstream pagination page size.
	DefaultPageSize = 50
	// DefaultTickInterval is the progress timer granularity.
	DefaultTickInterval = 250 * time.Millisecond
	// DefaultReverseThreshold is the elapsed fraction after which the remaining time is shown instead.
	DefaultReverseThreshold = 0.3
	// DefaultTokenLifetime is the lifetime granted to issued access tokens.
	DefaultTokenLifetime = 3600 * time.Second
)

type Config struct {
	Spotify SpotifyConfig
	Backend BackendConfig
	Device  DeviceConfig
	Storage StorageConfig
	Cache   CacheConfig
	Player  PlayerConfig
	Server  ServerConfig
	Log     LogConfig
	App     AppConfig
}

type SpotifyConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	TokenLifetime time.Duration
}

// BackendConfig points the token store at an external auth backend.
// When BaseURL is empty the in-process broker performs refresh exchanges.
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

type DeviceConfig struct {
	Kind         string // "helper" or "mpd"
	HelperURL    string
	CSRFToken    string
	OAuthToken   string
	MPDAddress   string
	MPDPassword  string
	PollInterval time.Duration
	Timeout      time.Duration
}

type StorageConfig struct {
	Path string
}

type CacheConfig struct {
	TTL               time.Duration
	PageSize          int
	FetchConcurrency  int
	SearchCacheSize   int
	SearchCacheTTL    time.Duration
	RequestsPerSecond float64
}

type PlayerConfig struct {
	TickInterval     time.Duration
	ReverseThreshold float64
}

type ServerConfig struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	RefreshPerMinute int
	SecureCookies    bool
	CookieMaxAge     time.Duration
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type AppConfig struct {
	Language string
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL:   "http://localhost:8080/auth/callback",
			TokenLifetime: DefaultTokenLifetime,
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			Kind:         "helper",
			HelperURL:    "http://127.0.0.1:4380/remote",
			MPDAddress:   "localhost:6600",
			PollInterval: 5 * time.Second,
			Timeout:      5 * time.Second,
		},
		Storage: StorageConfig{
			Path: "./mixdeck.db",
		},
		Cache: CacheConfig{
			TTL:               DefaultCacheTTL,
			PageSize:          DefaultPageSize,
			FetchConcurrency:  4,
			SearchCacheSize:   128,
			SearchCacheTTL:    5 * time.Minute,
			RequestsPerSecond: 10,
		},
		Player: PlayerConfig{
			TickInterval:     DefaultTickInterval,
			ReverseThreshold: DefaultReverseThreshold,
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     10 * time.Second,
			RefreshPerMinute: 10,
			CookieMaxAge:     5 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		App: AppConfig{
			Language: i18n.DefaultLanguage,
		},
	}
}
