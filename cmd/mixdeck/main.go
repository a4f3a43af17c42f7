// Package main provides the mixdeck CLI application entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"mixdeck/internal/auth"
	"mixdeck/internal/broker"
	"mixdeck/internal/core"
	"mixdeck/internal/device"
	"mixdeck/internal/dragdrop"
	"mixdeck/internal/events"
	"mixdeck/internal/flood"
	httpserver "mixdeck/internal/http"
	"mixdeck/internal/i18n"
	"mixdeck/internal/player"
	"mixdeck/internal/playlist"
	"mixdeck/internal/resources"
	"mixdeck/internal/session"
	"mixdeck/internal/spotify"
	"mixdeck/internal/storage"
	"mixdeck/internal/store"
)

const (
	defaultServerHost = "0.0.0.0"
	envPrefix         = "MIXDECK"
	memoryStorage     = ":memory:"

	deviceHelper = "helper"
	deviceMPD    = "mpd"

	maxUnplayableURIs       = 10000
	unplayableFalsePositive = 0.001
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mixdeck",
	Short: "mixdeck - curate and play a master playlist from your Spotify catalog",
	Long: `mixdeck loads your Spotify playlists and saved tracks, lets you build a master
playlist by drag and drop, and drives a local playback device through it.`,
	RunE: runMixdeck,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	registerFlags(rootCmd.PersistentFlags())

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func registerFlags(flags *pflag.FlagSet) {
	d := core.DefaultConfig()

	flags.StringVar(&cfgFile, "config", "", "config file (default is .env)")
	flags.Bool("generate-env-example", false, "Generate .env.example file from current configuration and exit")

	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", d.Log.Format, "log format (json, console)")
	flags.String("log-file", "", "also write logs to this file, rotated")
	flags.Int("log-max-size-mb", d.Log.MaxSizeMB, "rotate the log file after this many megabytes")
	flags.Int("log-max-backups", d.Log.MaxBackups, "number of rotated log files to keep")
	flags.Int("log-max-age-days", d.Log.MaxAgeDays, "days to keep rotated log files")

	flags.String("spotify-client-id", "", "Spotify client ID")
	flags.String("spotify-client-secret", "", "Spotify client secret")
	flags.String("spotify-redirect-url", d.Spotify.RedirectURL, "OAuth callback URL")
	flags.Duration("spotify-token-lifetime", d.Spotify.TokenLifetime, "lifetime of issued access tokens")

	flags.String("backend-url", "", "refresh tokens through this backend instead of the accounts service")
	flags.Duration("backend-timeout", d.Backend.Timeout, "backend request timeout")

	flags.String("device-kind", d.Device.Kind, "playback device (helper, mpd)")
	flags.String("device-helper-url", d.Device.HelperURL, "local web helper base URL")
	flags.String("device-csrf-token", "", "web helper CSRF token")
	flags.String("device-oauth-token", "", "web helper OAuth token")
	flags.String("device-mpd-address", d.Device.MPDAddress, "MPD server address")
	flags.String("device-mpd-password", "", "MPD server password")
	flags.Duration("device-poll-interval", d.Device.PollInterval, "device status poll interval (0 disables)")
	flags.Duration("device-timeout", d.Device.Timeout, "device request timeout")

	flags.String("storage-path", d.Storage.Path, "SQLite database path (:memory: keeps state in memory)")

	flags.Duration("cache-ttl", d.Cache.TTL, "how long playlists and library stay fresh")
	flags.Int("cache-page-size", d.Cache.PageSize, "upstream page size")
	flags.Int("cache-fetch-concurrency", d.Cache.FetchConcurrency, "playlists fetched in parallel")
	flags.Int("cache-search-size", d.Cache.SearchCacheSize, "search results kept in memory")
	flags.Duration("cache-search-ttl", d.Cache.SearchCacheTTL, "how long search results are reused")
	flags.Float64("cache-requests-per-second", d.Cache.RequestsPerSecond, "upstream API request rate")

	flags.Duration("player-tick-interval", d.Player.TickInterval, "progress timer granularity")
	flags.Float64("player-reverse-threshold", d.Player.ReverseThreshold, "elapsed fraction after which remaining time is shown")

	flags.String("server-host", defaultServerHost, "HTTP server host")
	flags.Int("server-port", d.Server.Port, "HTTP server port")
	flags.Duration("server-read-timeout", d.Server.ReadTimeout, "HTTP read timeout")
	flags.Duration("server-write-timeout", d.Server.WriteTimeout, "HTTP write timeout")
	flags.Int("server-refresh-per-minute", d.Server.RefreshPerMinute, "token refreshes allowed per client per minute")
	flags.Bool("server-secure-cookies", false, "mark grant cookies Secure")
	flags.Duration("server-cookie-max-age", d.Server.CookieMaxAge, "lifetime of grant cookies")

	supportedLangs := strings.Join(i18n.GetSupportedLanguages(), ", ")
	flags.String("language", i18n.DefaultLanguage, fmt.Sprintf("Notice language (%s)", supportedLangs))
}

func initConfig() {
	// Load .env file explicitly using gotenv
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(&config.Log, os.Stderr)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")
	cfg.Log.File = viper.GetString("log-file")
	cfg.Log.MaxSizeMB = viper.GetInt("log-max-size-mb")
	cfg.Log.MaxBackups = viper.GetInt("log-max-backups")
	cfg.Log.MaxAgeDays = viper.GetInt("log-max-age-days")

	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	cfg.Spotify.RedirectURL = viper.GetString("spotify-redirect-url")
	cfg.Spotify.TokenLifetime = viper.GetDuration("spotify-token-lifetime")

	cfg.Backend.BaseURL = viper.GetString("backend-url")
	cfg.Backend.Timeout = viper.GetDuration("backend-timeout")

	cfg.Device.Kind = strings.ToLower(viper.GetString("device-kind"))
	cfg.Device.HelperURL = viper.GetString("device-helper-url")
	cfg.Device.CSRFToken = viper.GetString("device-csrf-token")
	cfg.Device.OAuthToken = viper.GetString("device-oauth-token")
	cfg.Device.MPDAddress = viper.GetString("device-mpd-address")
	cfg.Device.MPDPassword = viper.GetString("device-mpd-password")
	cfg.Device.PollInterval = viper.GetDuration("device-poll-interval")
	cfg.Device.Timeout = viper.GetDuration("device-timeout")

	cfg.Storage.Path = viper.GetString("storage-path")

	cfg.Cache.TTL = viper.GetDuration("cache-ttl")
	cfg.Cache.PageSize = viper.GetInt("cache-page-size")
	if cfg.Cache.PageSize <= 0 || cfg.Cache.PageSize > spotify.MaxPageSize {
		cfg.Cache.PageSize = core.DefaultPageSize
	}
	cfg.Cache.FetchConcurrency = viper.GetInt("cache-fetch-concurrency")
	cfg.Cache.SearchCacheSize = viper.GetInt("cache-search-size")
	cfg.Cache.SearchCacheTTL = viper.GetDuration("cache-search-ttl")
	cfg.Cache.RequestsPerSecond = viper.GetFloat64("cache-requests-per-second")

	cfg.Player.TickInterval = viper.GetDuration("player-tick-interval")
	cfg.Player.ReverseThreshold = viper.GetFloat64("player-reverse-threshold")

	configureServer(cfg)
	configureApp(cfg)

	return cfg
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Server.ReadTimeout = viper.GetDuration("server-read-timeout")
	cfg.Server.WriteTimeout = viper.GetDuration("server-write-timeout")
	cfg.Server.RefreshPerMinute = viper.GetInt("server-refresh-per-minute")
	cfg.Server.SecureCookies = viper.GetBool("server-secure-cookies")
	cfg.Server.CookieMaxAge = viper.GetDuration("server-cookie-max-age")

	// Build default redirect URL based on server configuration if not explicitly set
	if cfg.Spotify.RedirectURL == "" {
		serverHost := cfg.Server.Host
		if serverHost == defaultServerHost {
			serverHost = "127.0.0.1"
		}
		cfg.Spotify.RedirectURL = fmt.Sprintf("http://%s:%d/auth/callback", serverHost, cfg.Server.Port)
	}
}

func configureApp(cfg *core.Config) {
	cfg.App.Language = viper.GetString("language")
	if cfg.App.Language == "" {
		cfg.App.Language = i18n.DefaultLanguage
	}
	if !i18n.IsSupported(cfg.App.Language) {
		fmt.Fprintf(os.Stderr, "Warning: Unsupported language '%s', falling back to '%s'. Supported languages: %s\n",
			cfg.App.Language, i18n.DefaultLanguage, strings.Join(i18n.GetSupportedLanguages(), ", "))
		cfg.App.Language = i18n.DefaultLanguage
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildLogger writes to out and, when a log file is configured, tees into a
// rotating file.
func buildLogger(cfg *core.LogConfig, out io.Writer) *zap.Logger {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(out), level)}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func runMixdeck(cmd *cobra.Command, _ []string) error {
	if viper.GetBool("generate-env-example") {
		return generateEnvExample(cmd)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mixdeck",
		zap.String("device", config.Device.Kind),
		zap.String("storage", config.Storage.Path),
		zap.Bool("backend_refresh", config.Backend.BaseURL != ""),
		zap.String("language", config.App.Language))

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	svcs, err := initializeServices(ctx, config)
	if err != nil {
		return err
	}
	defer svcs.close()

	return runServices(ctx, svcs)
}

type services struct {
	storage    core.Storage
	closers    []io.Closer
	cache      *resources.Cache
	player     *player.Controller
	session    *session.Session
	floodgate  *flood.Floodgate
	httpServer *httpserver.Server
}

func (s *services) close() {
	s.floodgate.Stop()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.Debug("Failed to close resource", zap.Error(err))
		}
	}
}

func initializeServices(ctx context.Context, cfg *core.Config) (*services, error) {
	svcs := &services{}
	metrics := httpserver.NewMetrics()

	st, err := openStorage(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	svcs.storage = st
	if c, ok := st.(io.Closer); ok {
		svcs.closers = append(svcs.closers, c)
	}

	bus := events.NewBus()

	var authBroker *broker.Broker
	var refresher auth.Refresher
	if cfg.Spotify.ClientID != "" {
		authBroker = broker.New(&cfg.Spotify, logger.Named("broker"), broker.Options{})
		refresher = authBroker
	}
	if cfg.Backend.BaseURL != "" {
		refresher = auth.NewBackendClient(cfg.Backend.BaseURL, cfg.Backend.Timeout)
	}

	authStore, err := auth.NewStore(ctx, st, refresher, bus, logger.Named("auth"), auth.Options{Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}

	catalogAPI := spotify.NewClient(ctx, authStore.TokenSource(ctx), logger.Named("spotify"), spotify.Options{
		RequestsPerSecond: cfg.Cache.RequestsPerSecond,
	})
	cache := resources.NewCache(catalogAPI, st, authStore, bus, logger.Named("resources"), resources.Options{
		TTL:         cfg.Cache.TTL,
		PageSize:    cfg.Cache.PageSize,
		Concurrency: cfg.Cache.FetchConcurrency,
		Metrics:     metrics,
	})
	searcher := resources.NewSearcher(catalogAPI, cfg.Cache.SearchCacheSize, cfg.Cache.SearchCacheTTL, logger.Named("search"))

	unplayable := store.NewUnplayableSet(maxUnplayableURIs, unplayableFalsePositive)
	queue, err := playlist.NewQueue(ctx, st, unplayable, logger.Named("playlist"), metrics)
	if err != nil {
		return nil, err
	}

	playbackDevice, closer := createDevice(&cfg.Device, &cfg.Backend)
	if closer != nil {
		svcs.closers = append(svcs.closers, closer)
	}
	ctrl := player.NewController(playbackDevice, bus, logger.Named("player"), player.Options{
		TickInterval:     cfg.Player.TickInterval,
		ReverseThreshold: cfg.Player.ReverseThreshold,
		Metrics:          metrics,
	})

	sess := session.New(session.Deps{
		Bus:       bus,
		Queue:     queue,
		Player:    ctrl,
		Drag:      dragdrop.NewCoordinator(queue, bus, logger.Named("dragdrop")),
		Resources: cache,
		Searcher:  searcher,
		Auth:      authStore,
		Localizer: i18n.NewLocalizer(cfg.App.Language),
		Logger:    logger.Named("session"),
	})

	svcs.floodgate = flood.New(cfg.Server.RefreshPerMinute)
	deps := httpserver.Deps{
		Floodgate: svcs.floodgate,
		Session:   sess,
		Metrics:   metrics,
		Ready:     cache.IsReady,
	}
	if authBroker != nil {
		deps.Broker = authBroker
	}

	svcs.cache = cache
	svcs.player = ctrl
	svcs.session = sess
	svcs.httpServer = httpserver.NewServer(cfg, deps, logger.Named("http"))
	return svcs, nil
}

func openStorage(ctx context.Context, path string) (core.Storage, error) {
	if path == "" || path == memoryStorage {
		logger.Info("Using in-memory storage")
		return storage.NewMemory(), nil
	}
	db, err := storage.OpenSQLite(ctx, path, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return db, nil
}

func createDevice(cfg *core.DeviceConfig, backend *core.BackendConfig) (core.PlaybackDevice, io.Closer) {
	if cfg.Kind == deviceMPD {
		mpd := device.NewMPD(cfg.MPDAddress, cfg.MPDPassword, logger.Named("mpd"))
		logger.Info("Using MPD playback device", zap.String("address", cfg.MPDAddress))
		return mpd, mpd
	}

	var tokens device.TokenProvider = device.StaticTokens{CSRF: cfg.CSRFToken, Access: cfg.OAuthToken}
	if (cfg.CSRFToken == "" || cfg.OAuthToken == "") && backend.BaseURL != "" {
		tokens = device.NewRemoteTokens(backend.BaseURL, backend.Timeout)
	}
	logger.Info("Using web helper playback device", zap.String("url", cfg.HelperURL))
	return device.NewHelper(cfg.HelperURL, tokens, cfg.Timeout, logger.Named("helper")), nil
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return svcs.player.Run(gCtx, config.Device.PollInterval)
	})

	g.Go(func() error {
		if err := svcs.session.Start(gCtx); err != nil {
			return err
		}
		<-gCtx.Done()
		return nil
	})

	logger.Info("mixdeck started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	err := g.Wait()
	svcs.session.Close()
	svcs.cache.Wait()

	if err != nil {
		logger.Error("mixdeck stopped with error", zap.Error(err))
		return err
	}
	logger.Info("mixdeck stopped gracefully")
	return nil
}

func validateConfig(cfg *core.Config) error {
	switch cfg.Device.Kind {
	case deviceHelper, deviceMPD:
	default:
		return fmt.Errorf("unknown device kind %q (want %s or %s)", cfg.Device.Kind, deviceHelper, deviceMPD)
	}

	if cfg.Backend.BaseURL == "" {
		if cfg.Spotify.ClientID == "" {
			return errors.New("spotify client ID is required unless a backend URL is set")
		}
		if cfg.Spotify.ClientSecret == "" {
			return errors.New("spotify client secret is required unless a backend URL is set")
		}
	}

	if cfg.Server.RefreshPerMinute <= 0 {
		return errors.New("server refresh limit must be positive")
	}
	if cfg.Player.ReverseThreshold <= 0 || cfg.Player.ReverseThreshold >= 1 {
		return fmt.Errorf("player reverse threshold %v must be between 0 and 1", cfg.Player.ReverseThreshold)
	}
	if cfg.Cache.TTL < time.Minute {
		return fmt.Errorf("cache TTL %v is below one minute", cfg.Cache.TTL)
	}
	return nil
}

func generateEnvExample(cmd *cobra.Command) error {
	fmt.Println("Generating .env.example file from current configuration...")

	content := generateEnvExampleContent(cmd)

	if err := os.WriteFile(".env.example", []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write .env.example: %w", err)
	}

	fmt.Println("✅ Successfully generated .env.example file")
	return nil
}

type envSection struct {
	title string
	note  string
	flags []string
}

var envSections = []envSection{
	{
		title: "SPOTIFY - Required unless a backend handles refreshes",
		note:  "Get these from https://developer.spotify.com/dashboard",
		flags: []string{"spotify-client-id", "spotify-client-secret", "spotify-redirect-url", "spotify-token-lifetime"},
	},
	{
		title: "AUTH BACKEND - Optional",
		flags: []string{"backend-url", "backend-timeout"},
	},
	{
		title: "PLAYBACK DEVICE",
		note:  "helper drives the local web helper, mpd drives a Music Player Daemon",
		flags: []string{
			"device-kind", "device-helper-url", "device-csrf-token", "device-oauth-token",
			"device-mpd-address", "device-mpd-password", "device-poll-interval", "device-timeout",
		},
	},
	{
		title: "STORAGE AND CACHE",
		flags: []string{
			"storage-path", "cache-ttl", "cache-page-size", "cache-fetch-concurrency",
			"cache-search-size", "cache-search-ttl", "cache-requests-per-second",
		},
	},
	{
		title: "PLAYER",
		flags: []string{"player-tick-interval", "player-reverse-threshold", "language"},
	},
	{
		title: "HTTP SERVER",
		flags: []string{
			"server-host", "server-port", "server-read-timeout", "server-write-timeout",
			"server-refresh-per-minute", "server-secure-cookies", "server-cookie-max-age",
		},
	},
	{
		title: "LOGGING",
		flags: []string{"log-level", "log-format", "log-file", "log-max-size-mb", "log-max-backups", "log-max-age-days"},
	},
}

var envPlaceholders = map[string]string{
	"spotify-client-id":     "your_spotify_client_id_here",
	"spotify-client-secret": "your_spotify_client_secret_here",
	"device-csrf-token":     "your_helper_csrf_token_here",
	"device-oauth-token":    "your_helper_oauth_token_here",
}

func generateEnvExampleContent(cmd *cobra.Command) string {
	var content strings.Builder

	content.WriteString("# =============================================================================\n")
	content.WriteString("# mixdeck Configuration\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# Copy this file to .env and update with your values\n")
	content.WriteString("# All environment variables have CLI flag equivalents (use --help to see them)\n")
	content.WriteString("#\n")
	fmt.Fprintf(&content, "# Format: %s_<SECTION>_<SETTING>=value\n", envPrefix)
	content.WriteString("# CLI equivalent: --<section>-<setting>\n")
	content.WriteString("#\n")

	for _, section := range envSections {
		generateSection(&content, cmd, section)
	}

	return content.String()
}

func generateSection(content *strings.Builder, cmd *cobra.Command, section envSection) {
	content.WriteString("# =============================================================================\n")
	fmt.Fprintf(content, "# %s\n", section.title)
	content.WriteString("# =============================================================================\n")
	if section.note != "" {
		fmt.Fprintf(content, "# %s\n", section.note)
	}
	fmt.Fprintf(content, "# CLI: --%s\n", strings.Join(section.flags, ", --"))

	for _, name := range section.flags {
		f := cmd.PersistentFlags().Lookup(name)
		if f == nil {
			continue
		}
		value := getDefaultValueString(cmd, name)
		if placeholder, ok := envPlaceholders[name]; ok {
			value = placeholder
		}
		if value == "" {
			fmt.Fprintf(content, "# %s=  # %s\n", flagToEnvVar(name), f.Usage)
			continue
		}
		fmt.Fprintf(content, "%s=%s  # %s\n", flagToEnvVar(name), value, f.Usage)
	}
	content.WriteString("\n")
}

func flagToEnvVar(flagName string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func getDefaultValueString(cmd *cobra.Command, flagName string) string {
	if f := cmd.PersistentFlags().Lookup(flagName); f != nil {
		return f.DefValue
	}
	return ""
}
