// Package session is the coordinating context of a running deck. It owns the
// event bus subscriptions that connect the queue, the player, the drag
// coordinator and the resource cache, and keeps the user-facing notices.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mixdeck/internal/auth"
	"mixdeck/internal/catalog"
	"mixdeck/internal/core"
	"mixdeck/internal/dragdrop"
	"mixdeck/internal/events"
	"mixdeck/internal/i18n"
	"mixdeck/internal/player"
	"mixdeck/internal/playlist"
)

// MaxNotices bounds the notice backlog; the oldest notice is dropped first.
const MaxNotices = 50

// Notice levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Resources is the cached catalog of the signed-in user.
type Resources interface {
	Start(ctx context.Context) error
	IsReady() bool
	Playlists() ([]core.Playlist, bool)
	Playlist(id string) (core.Playlist, bool)
	Library() ([]core.Track, bool)
	Stop()
}

// Searcher runs upstream searches.
type Searcher interface {
	Search(ctx context.Context, query string) (*core.SearchResults, error)
}

// Authenticator is the token store as seen by the session.
type Authenticator interface {
	Start(ctx context.Context) error
	CurrentToken() (string, bool)
	Bootstrap(ctx context.Context, jar auth.CookieJar) (bool, error)
	Clear(ctx context.Context) error
}

// Deps are the components a session wires together. Resources, Searcher and
// Auth may be nil.
type Deps struct {
	Bus       *events.Bus
	Queue     *playlist.Queue
	Player    *player.Controller
	Drag      *dragdrop.Coordinator
	Resources Resources
	Searcher  Searcher
	Auth      Authenticator
	Localizer *i18n.Localizer
	Logger    *zap.Logger
	Now       func() time.Time
}

// Notice is a localized message for the user.
type Notice struct {
	ID      string    `json:"id"`
	Level   string    `json:"level"`
	Key     string    `json:"key"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// State is a snapshot of everything a view renders.
type State struct {
	Queue          playlist.State     `json:"queue"`
	Player         player.Status      `json:"player"`
	Drag           dragdrop.DragState `json:"drag"`
	ResourcesReady bool               `json:"resources_ready"`
	SignedIn       bool               `json:"signed_in"`
	Notices        []Notice           `json:"notices"`
}

type Session struct {
	bus       *events.Bus
	queue     *playlist.Queue
	player    *player.Controller
	drag      *dragdrop.Coordinator
	resources Resources
	searcher  Searcher
	auth      Authenticator
	localizer *i18n.Localizer
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	notices     []Notice
	unsubscribe []func()
}

func New(deps Deps) *Session {
	if deps.Localizer == nil {
		deps.Localizer = i18n.NewLocalizer(i18n.DefaultLanguage)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Session{
		bus:       deps.Bus,
		queue:     deps.Queue,
		player:    deps.Player,
		drag:      deps.Drag,
		resources: deps.Resources,
		searcher:  deps.Searcher,
		auth:      deps.Auth,
		localizer: deps.Localizer,
		logger:    deps.Logger,
		now:       deps.Now,
	}
}

// Start subscribes the bus handlers, validates authorization and starts the
// resource cache. A missing grant is reported as a notice, not an error.
func (s *Session) Start(ctx context.Context) error {
	s.logger.Info("Starting session")
	s.subscribe(ctx)

	if s.auth != nil {
		if err := s.auth.Start(ctx); err != nil {
			s.logger.Warn("Not authorized yet", zap.Error(err))
		}
	}
	if s.resources != nil {
		if err := s.resources.Start(ctx); err != nil {
			return fmt.Errorf("failed to start resources: %w", err)
		}
	}
	return nil
}

// Close removes the bus handlers and stops the cache expiry timer.
func (s *Session) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if s.resources != nil {
		s.resources.Stop()
	}
	s.logger.Info("Session closed")
}

func (s *Session) subscribe(ctx context.Context) {
	handlers := map[events.Kind]events.Handler{
		events.PlayRequested:     func(e events.Event) { s.onPlayRequested(ctx, e) },
		events.StopRequested:     func(events.Event) { s.onStopRequested(ctx) },
		events.NextRequested:     func(events.Event) { s.onNext(ctx, false) },
		events.PreviousRequested: func(events.Event) { s.onPrevious(ctx) },
		events.NowPlaying:        func(e events.Event) { s.onNowPlaying(ctx, e) },
		events.Stopped:           func(events.Event) { s.onStopped(ctx) },
		events.TrackEnded:        func(events.Event) { s.onNext(ctx, true) },
		events.TrackUnplayable:   func(e events.Event) { s.onTrackUnplayable(ctx, e) },
		events.AddToQueue:        func(e events.Event) { s.onAddToQueue(ctx, e) },
		events.AuthFailed:        s.onAuthFailed,
		events.PlaybackFailed:    s.onPlaybackFailed,
		events.ResourcesReady:    func(events.Event) { s.notify(LevelInfo, "notice.resources_ready") },
	}

	unsubscribe := make([]func(), 0, len(handlers))
	for kind, h := range handlers {
		unsubscribe = append(unsubscribe, s.bus.Subscribe(kind, h))
	}

	s.mu.Lock()
	s.unsubscribe = append(s.unsubscribe, unsubscribe...)
	s.mu.Unlock()
}

func (s *Session) onPlayRequested(ctx context.Context, e events.Event) {
	if e.Track == nil {
		return
	}
	if err := s.play(ctx, *e.Track, e.EntryID); err != nil {
		s.logger.Debug("Requested play failed", zap.Error(err))
	}
}

func (s *Session) onStopRequested(ctx context.Context) {
	if err := s.player.StopPlayback(ctx); err != nil {
		s.logger.Debug("Requested stop failed", zap.Error(err))
	}
}

func (s *Session) onNowPlaying(ctx context.Context, e events.Event) {
	s.queue.SetPlaying(true)
	if e.Track == nil {
		return
	}
	if _, err := s.queue.SetActive(ctx, e.Track.URI, e.EntryID); err != nil {
		s.logger.Warn("Failed to mark active entry", zap.Error(err))
	}
	s.notify(LevelInfo, "notice.now_playing", e.Track.DisplayTitle)
}

func (s *Session) onStopped(ctx context.Context) {
	s.queue.SetPlaying(false)
	if err := s.queue.ClearActive(ctx); err != nil {
		s.logger.Warn("Failed to clear active entry", zap.Error(err))
	}
}

// onNext advances to the next playable entry, or stops at the end of the queue.
func (s *Session) onNext(ctx context.Context, ended bool) {
	next, ok := s.queue.Advance(playlist.Next)
	if !ok {
		if ended {
			s.notify(LevelInfo, "notice.queue_finished")
		}
		s.bus.Publish(events.Event{Kind: events.StopRequested})
		return
	}
	s.requestPlay(next)
}

func (s *Session) onPrevious(ctx context.Context) {
	prev, ok := s.queue.Advance(playlist.Previous)
	if !ok {
		s.logger.Debug("No previous playable entry")
		return
	}
	s.requestPlay(prev)
}

// onTrackUnplayable flags the track and, for queued tracks, moves on to the
// next playable entry.
func (s *Session) onTrackUnplayable(ctx context.Context, e events.Event) {
	if e.Track == nil {
		return
	}

	var (
		next    playlist.Entry
		hasNext bool
	)
	if e.EntryID != "" {
		next, hasNext = s.queue.Advance(playlist.Next)
	}

	if _, err := s.queue.MarkUnplayable(ctx, e.Track.URI); err != nil {
		s.logger.Error("Failed to flag unplayable track", zap.String("uri", e.Track.URI), zap.Error(err))
	}
	s.notify(LevelError, "error.playback.unavailable", e.Track.DisplayTitle)

	if hasNext {
		s.requestPlay(next)
	}
}

func (s *Session) onAddToQueue(ctx context.Context, e events.Event) {
	if e.Track == nil {
		return
	}
	if _, err := s.AddToQueue(ctx, *e.Track, e.Index); err != nil {
		s.logger.Debug("Queue insert from event failed", zap.Error(err))
	}
}

func (s *Session) onAuthFailed(e events.Event) {
	if errors.Is(e.Err, core.ErrNotAuthenticated) || errors.Is(e.Err, core.ErrNoRefreshToken) {
		s.notify(LevelError, "error.auth.not_authorized")
		return
	}
	s.notify(LevelError, "error.auth.refresh_failed")
}

func (s *Session) onPlaybackFailed(e events.Event) {
	// Unavailable tracks get their own notice from onTrackUnplayable.
	if errors.Is(e.Err, core.ErrResourceUnavailable) {
		return
	}
	s.notify(LevelError, "error.playback.device")
}

func (s *Session) requestPlay(entry playlist.Entry) {
	t := entry.Track
	s.bus.Publish(events.Event{Kind: events.PlayRequested, Track: &t, EntryID: entry.EntryID})
}

func (s *Session) play(ctx context.Context, track core.Track, entryID string) error {
	t := track
	s.queue.SetCurrent(&t, entryID)
	err := s.player.PlayTrack(ctx, track, entryID)
	if err != nil && !errors.Is(err, core.ErrResourceUnavailable) {
		// The queue follows the last track the device confirmed.
		current, currentEntryID := s.player.CurrentTrack()
		s.queue.SetCurrent(current, currentEntryID)
	}
	return err
}

// notify appends a localized notice, dropping the oldest beyond MaxNotices.
func (s *Session) notify(level, key string, args ...any) Notice {
	n := Notice{
		ID:      uuid.NewString(),
		Level:   level,
		Key:     key,
		Message: s.localizer.T(key, args...),
		Time:    s.now(),
	}

	s.mu.Lock()
	s.notices = append(s.notices, n)
	if over := len(s.notices) - MaxNotices; over > 0 {
		s.notices = append([]Notice(nil), s.notices[over:]...)
	}
	s.mu.Unlock()

	if level == LevelError {
		s.logger.Warn("User notice", zap.String("key", key), zap.String("message", n.Message))
	} else {
		s.logger.Debug("User notice", zap.String("key", key))
	}
	return n
}

// Notices returns pending notices, oldest first.
func (s *Session) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

// DismissNotice removes the notice with id and reports whether it existed.
func (s *Session) DismissNotice(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notices {
		if s.notices[i].ID == id {
			s.notices = append(s.notices[:i], s.notices[i+1:]...)
			return true
		}
	}
	return false
}

// State returns a snapshot for presentation.
func (s *Session) State() State {
	st := State{
		Queue:   s.queue.State(),
		Player:  s.player.Status(),
		Drag:    s.drag.State(),
		Notices: s.Notices(),
	}
	if s.resources != nil {
		st.ResourcesReady = s.resources.IsReady()
	}
	if s.auth != nil {
		_, st.SignedIn = s.auth.CurrentToken()
	}
	return st
}

// PlayIndex plays the queue entry at index.
func (s *Session) PlayIndex(ctx context.Context, index int) error {
	entry, err := s.queue.At(index)
	if err != nil {
		s.notify(LevelError, "error.queue.index")
		return err
	}
	return s.play(ctx, entry.Track, entry.EntryID)
}

// PlayTrack plays a track from outside the queue.
func (s *Session) PlayTrack(ctx context.Context, track core.Track) error {
	return s.play(ctx, track, "")
}

// Toggle pauses while playing, otherwise resumes the current track.
func (s *Session) Toggle(ctx context.Context) error {
	err := s.player.TogglePlayPause(ctx)
	if errors.Is(err, core.ErrNoCurrentTrack) {
		if s.queue.Len() == 0 {
			s.notify(LevelError, "error.playback.no_track")
			return err
		}
		return s.PlayIndex(ctx, 0)
	}
	return err
}

func (s *Session) Stop(ctx context.Context) error {
	return s.player.StopPlayback(ctx)
}

// Next advances forward; at the end of the queue playback stops.
func (s *Session) Next() {
	s.bus.Publish(events.Event{Kind: events.NextRequested})
}

func (s *Session) Previous() {
	s.bus.Publish(events.Event{Kind: events.PreviousRequested})
}

// AddToQueue inserts track at index, or appends it when index is playlist.Append.
func (s *Session) AddToQueue(ctx context.Context, track core.Track, index int) (playlist.Entry, error) {
	entry, err := s.queue.Insert(ctx, track, index)
	if err != nil {
		s.queueError(err)
		return playlist.Entry{}, err
	}
	return entry, nil
}

// Remove deletes the queue entry at index.
func (s *Session) Remove(ctx context.Context, index int) (playlist.Entry, error) {
	entry, err := s.queue.RemoveAt(ctx, index)
	if err != nil {
		s.queueError(err)
		return playlist.Entry{}, err
	}
	return entry, nil
}

func (s *Session) queueError(err error) {
	if errors.Is(err, core.ErrIndexOutOfRange) {
		s.notify(LevelError, "error.queue.index")
		return
	}
	s.notify(LevelError, "error.queue.save")
}

// BeginDrag starts dragging track. sourceIndex is its queue index, or
// dragdrop.NoSource for tracks dragged in from a playlist, the library or search.
func (s *Session) BeginDrag(track core.Track, sourceIndex int) error {
	err := s.drag.BeginDrag(track, sourceIndex)
	if errors.Is(err, core.ErrDragInProgress) {
		s.notify(LevelError, "error.drag.in_progress")
	}
	return err
}

// Drop resolves the drag at dropY against the queue row offsets.
func (s *Session) Drop(ctx context.Context, dropY float64, rowTops []float64) (dragdrop.Plan, error) {
	plan, err := s.drag.CompleteDrop(ctx, dropY, rowTops)
	if err != nil && !errors.Is(err, core.ErrNoActiveDrag) {
		s.queueError(err)
	}
	return plan, err
}

func (s *Session) CancelDrag() {
	s.drag.Cancel()
}

// Playlists returns named playlists matching query; false until loaded.
func (s *Session) Playlists(query string) ([]core.Playlist, bool) {
	if s.resources == nil {
		return nil, false
	}
	playlists, ok := s.resources.Playlists()
	if !ok {
		return nil, false
	}
	return catalog.FilterPlaylists(playlists, query), true
}

// Playlist returns one playlist with its tracks filtered by query.
func (s *Session) Playlist(id, query string) (core.Playlist, bool) {
	if s.resources == nil {
		return core.Playlist{}, false
	}
	p, ok := s.resources.Playlist(id)
	if !ok {
		return core.Playlist{}, false
	}
	p.Tracks = catalog.FilterTracks(p.Tracks, query)
	return p, true
}

// Library returns saved tracks matching query; false until loaded.
func (s *Session) Library(query string) ([]core.Track, bool) {
	if s.resources == nil {
		return nil, false
	}
	library, ok := s.resources.Library()
	if !ok {
		return nil, false
	}
	return catalog.FilterTracks(library, query), true
}

// Search queries the upstream catalog.
func (s *Session) Search(ctx context.Context, query string) (*core.SearchResults, error) {
	if s.searcher == nil {
		return &core.SearchResults{}, nil
	}
	results, err := s.searcher.Search(ctx, query)
	if err != nil {
		if errors.Is(err, core.ErrNotAuthenticated) {
			s.notify(LevelError, "error.auth.not_authorized")
		} else {
			s.notify(LevelError, "error.generic")
		}
		return nil, err
	}
	return results, nil
}

// Bootstrap migrates a grant delivered in cookies into the token store.
func (s *Session) Bootstrap(ctx context.Context, jar auth.CookieJar) (bool, error) {
	if s.auth == nil {
		return false, nil
	}
	found, err := s.auth.Bootstrap(ctx, jar)
	if err != nil {
		s.notify(LevelError, "error.generic")
		return false, err
	}
	if found {
		s.notify(LevelInfo, "notice.signed_in")
	}
	return found, nil
}

// SignOut forgets the stored grant.
func (s *Session) SignOut(ctx context.Context) error {
	if s.auth == nil {
		return nil
	}
	return s.auth.Clear(ctx)
}
