// Package resources builds and caches the user's playlists and saved-track
// library and announces when both are available.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mixdeck/internal/catalog"
	"mixdeck/internal/core"
	"mixdeck/internal/events"
	"mixdeck/internal/storage"
)

// Storage keys of the cached collections.
const (
	KeyPlaylists = "playlists"
	KeyLibrary   = "library"
)

// DefaultRetryBackoff is the delay before a failed rebuild runs again.
const DefaultRetryBackoff = time.Minute

// Authorizer runs continuations once a valid access token is available.
type Authorizer interface {
	OnReady(ctx context.Context, fn func())
}

type Options struct {
	TTL time.Duration
	// PageSize is the upstream page size.
	PageSize int
	// Concurrency bounds how many playlists have their tracks fetched at once.
	Concurrency int
	// RetryBackoff delays the next attempt after a failed rebuild. It never
	// exceeds TTL.
	RetryBackoff time.Duration
	Now          func() time.Time
	Metrics      core.MetricsRecorder
}

type entry[T any] struct {
	Value     T         `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Cache struct {
	api     core.CatalogAPI
	storage core.Storage
	auth    Authorizer
	bus     *events.Bus
	logger  *zap.Logger
	metrics core.MetricsRecorder
	opts    Options

	mu                 sync.RWMutex
	playlists          []core.Playlist
	library            []core.Track
	playlistsExpiresAt time.Time
	libraryExpiresAt   time.Time
	timer              *time.Timer
	stopped            bool

	ready     chan struct{}
	readyOnce sync.Once
	building  atomic.Bool
	wg        sync.WaitGroup
}

func NewCache(api core.CatalogAPI, store core.Storage, auth Authorizer, bus *events.Bus, logger *zap.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = core.DefaultCacheTTL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = core.DefaultPageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.RetryBackoff > opts.TTL {
		opts.RetryBackoff = opts.TTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = core.NopMetrics{}
	}

	return &Cache{
		api:     api,
		storage: store,
		auth:    auth,
		bus:     bus,
		logger:  logger,
		metrics: opts.Metrics,
		opts:    opts,
		ready:   make(chan struct{}),
	}
}

// Start loads the stored collections and schedules a rebuild, behind
// authorization, for any that are missing or expired. Expired collections
// are still served until the rebuild replaces them.
func (c *Cache) Start(ctx context.Context) error {
	var (
		playlists entry[[]core.Playlist]
		library   entry[[]core.Track]
	)
	hasPlaylists, err := load(ctx, c.storage, KeyPlaylists, &playlists)
	if err != nil {
		return err
	}
	hasLibrary, err := load(ctx, c.storage, KeyLibrary, &library)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if hasPlaylists {
		c.playlists = nonNil(playlists.Value)
		c.playlistsExpiresAt = playlists.ExpiresAt
	}
	if hasLibrary {
		c.library = nonNil(library.Value)
		c.libraryExpiresAt = library.ExpiresAt
	}
	c.mu.Unlock()

	c.logger.Info("Loaded cached resources",
		zap.Bool("playlists", hasPlaylists),
		zap.Bool("library", hasLibrary))
	c.checkReady()

	if c.needsRebuild() {
		c.scheduleRebuild(ctx)
		return nil
	}
	c.scheduleExpiry(ctx)
	return nil
}

func load[T any](ctx context.Context, s core.Storage, key string, e *entry[T]) (bool, error) {
	err := storage.GetJSON(ctx, s, key, e)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func (c *Cache) needsRebuild() bool {
	now := c.opts.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playlists == nil || c.library == nil ||
		!now.Before(c.playlistsExpiresAt) || !now.Before(c.libraryExpiresAt)
}

// scheduleRebuild queues a rebuild as a one-shot continuation of authorization.
func (c *Cache) scheduleRebuild(ctx context.Context) {
	c.auth.OnReady(ctx, func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.Rebuild(ctx); err != nil {
				c.logger.Warn("Resource rebuild failed", zap.Error(err))
			}
		}()
	})
}

func (c *Cache) scheduleExpiry(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.playlistsExpiresAt
	if c.libraryExpiresAt.Before(expiresAt) {
		expiresAt = c.libraryExpiresAt
	}
	delay := expiresAt.Sub(c.opts.Now())
	if delay < 0 {
		delay = 0
	}
	c.armLocked(ctx, delay, "Cached resources expired")
}

// scheduleRetry re-arms the timer after a failed rebuild. The stale
// collections keep being served until the retry succeeds.
func (c *Cache) scheduleRetry(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(ctx, c.opts.RetryBackoff, "Retrying resource rebuild")
}

func (c *Cache) armLocked(ctx context.Context, delay time.Duration, reason string) {
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		c.logger.Debug(reason)
		c.scheduleRebuild(ctx)
	})
}

// Rebuild fetches playlists and library concurrently. A collection that fails
// to build keeps its prior value. Concurrent calls while a rebuild runs are no-ops.
func (c *Cache) Rebuild(ctx context.Context) error {
	if !c.building.CompareAndSwap(false, true) {
		return nil
	}
	defer c.building.Store(false)

	c.logger.Info("Rebuilding resources")
	var g errgroup.Group
	g.Go(func() error { return c.rebuildPlaylists(ctx) })
	g.Go(func() error { return c.rebuildLibrary(ctx) })
	err := g.Wait()

	switch {
	case ctx.Err() != nil:
	case err != nil:
		c.scheduleRetry(ctx)
	default:
		c.scheduleExpiry(ctx)
	}
	return err
}

func (c *Cache) rebuildPlaylists(ctx context.Context) error {
	playlists, err := c.buildPlaylists(ctx)
	if err != nil {
		c.metrics.RecordResourceBuild(KeyPlaylists, "error")
		c.logger.Warn("Failed to build playlists", zap.Error(err))
		return fmt.Errorf("playlists: %w", err)
	}

	e := newEntry(c.opts.Now(), c.opts.TTL, playlists)
	if err := storage.SetJSON(ctx, c.storage, KeyPlaylists, e); err != nil {
		c.logger.Warn("Failed to store playlists", zap.Error(err))
	}

	c.mu.Lock()
	c.playlists = playlists
	c.playlistsExpiresAt = e.ExpiresAt
	c.mu.Unlock()

	c.metrics.RecordResourceBuild(KeyPlaylists, "success")
	c.logger.Info("Playlists built", zap.Int("count", len(playlists)))
	c.checkReady()
	return nil
}

func (c *Cache) rebuildLibrary(ctx context.Context) error {
	raw, err := FetchAll(ctx, c.opts.PageSize, c.api.GetSavedTracks)
	if err != nil {
		c.metrics.RecordResourceBuild(KeyLibrary, "error")
		c.logger.Warn("Failed to build library", zap.Error(err))
		return fmt.Errorf("library: %w", err)
	}
	library := nonNil(catalog.FormatTracks(raw))

	e := newEntry(c.opts.Now(), c.opts.TTL, library)
	if err := storage.SetJSON(ctx, c.storage, KeyLibrary, e); err != nil {
		c.logger.Warn("Failed to store library", zap.Error(err))
	}

	c.mu.Lock()
	c.library = library
	c.libraryExpiresAt = e.ExpiresAt
	c.mu.Unlock()

	c.metrics.RecordResourceBuild(KeyLibrary, "success")
	c.logger.Info("Library built", zap.Int("tracks", len(library)))
	c.checkReady()
	return nil
}

func newEntry[T any](now time.Time, ttl time.Duration, value T) entry[T] {
	return entry[T]{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
}

// buildPlaylists fetches every playlist header, then each playlist's tracks
// with bounded parallelism.
func (c *Cache) buildPlaylists(ctx context.Context) ([]core.Playlist, error) {
	summaries, err := FetchAll(ctx, c.opts.PageSize, c.api.GetUserPlaylists)
	if err != nil {
		return nil, err
	}

	playlists := make([]core.Playlist, len(summaries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i := range summaries {
		summary := summaries[i]
		g.Go(func() error {
			raw, err := FetchAll(gctx, c.opts.PageSize, func(ctx context.Context, opts core.PageOptions) (core.Page[core.RawTrack], error) {
				return c.api.GetPlaylistTracks(ctx, summary.ID, opts)
			})
			if err != nil {
				return fmt.Errorf("playlist %s: %w", summary.ID, err)
			}
			playlists[i] = core.Playlist{
				ID:         summary.ID,
				Name:       summary.Name,
				ImageURL:   catalog.Thumbnail(summary.Images, catalog.ThumbnailSize, true),
				TrackCount: summary.TrackCount,
				Tracks:     nonNil(catalog.FormatTracks(raw)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return playlists, nil
}

// checkReady closes the readiness channel and publishes ResourcesReady the
// first time both collections are present.
func (c *Cache) checkReady() {
	c.mu.RLock()
	both := c.playlists != nil && c.library != nil
	c.mu.RUnlock()
	if !both {
		return
	}

	c.readyOnce.Do(func() {
		close(c.ready)
		c.metrics.SetResourcesReady(true)
		c.logger.Info("Resources ready")
		c.bus.Publish(events.Event{Kind: events.ResourcesReady})
	})
}

// Ready is closed once both collections have been loaded.
func (c *Cache) Ready() <-chan struct{} {
	return c.ready
}

func (c *Cache) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Playlists returns the cached playlists; false until they have loaded.
func (c *Cache) Playlists() ([]core.Playlist, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playlists, c.playlists != nil
}

func (c *Cache) Playlist(id string) (core.Playlist, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.playlists {
		if c.playlists[i].ID == id {
			return c.playlists[i], true
		}
	}
	return core.Playlist{}, false
}

// Library returns the cached saved tracks; false until they have loaded.
func (c *Cache) Library() ([]core.Track, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.library, c.library != nil
}

// Wait blocks until background rebuilds started by Start or expiry finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Stop cancels the expiry timer; later rebuilds no longer re-arm it.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
