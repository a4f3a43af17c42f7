package core

import (
	"context"
	"time"
)

// Image is an artwork rendition reported by the upstream API.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// RawTrack is a track record as received from the upstream API, before formatting.
type RawTrack struct {
	ID         string
	URI        string
	Name       string
	Artists    []string
	Album      string
	DurationMs int
	Images     []Image
}

// Track is a display-ready track. It is the stored representation as well,
// so the JSON field names are part of the persisted format.
type Track struct {
	ID           string   `json:"id"`
	URI          string   `json:"uri"`
	Name         string   `json:"name"`
	Artists      []string `json:"artists"`
	Album        string   `json:"album"`
	DurationMs   int      `json:"duration_ms"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	ArtistString string   `json:"artist_string"`
	DisplayTitle string   `json:"display_title"`
}

// Duration returns the track length.
func (t Track) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

type Playlist struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	ImageURL   string  `json:"image_url,omitempty"`
	TrackCount int     `json:"track_count"`
	Tracks     []Track `json:"tracks"`
}

type Artist struct {
	ID   string `json:"id"`
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type Album struct {
	ID       string   `json:"id"`
	URI      string   `json:"uri"`
	Name     string   `json:"name"`
	Artists  []string `json:"artists"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Page is one slice of a paginated upstream collection.
// Total is authoritative for loop termination.
type Page[T any] struct {
	Items []T
	Total int
	Limit int
}

type PageOptions struct {
	Offset int
	Limit  int
}

type SearchType int

const (
	SearchTracks SearchType = 1 << iota
	SearchArtists
	SearchAlbums

	SearchAll = SearchTracks | SearchArtists | SearchAlbums
)

type SearchResults struct {
	Tracks  []Track  `json:"tracks"`
	Artists []Artist `json:"artists"`
	Albums  []Album  `json:"albums"`
}

// RawSearchResults holds unformatted search hits.
type RawSearchResults struct {
	Tracks  []RawTrack
	Artists []Artist
	Albums  []Album
}

// PlaylistSummary is a playlist header without its tracks.
type PlaylistSummary struct {
	ID         string
	Name       string
	Images     []Image
	TrackCount int
}

// DeviceStatus is the normalized response of a playback device command.
type DeviceStatus struct {
	Playing  bool   `json:"playing"`
	TrackURI string `json:"track_uri,omitempty"`
}

// Interfaces for dependency injection

// CatalogAPI is the upstream music-streaming API.
type CatalogAPI interface {
	GetUserPlaylists(ctx context.Context, opts PageOptions) (Page[PlaylistSummary], error)
	GetPlaylistTracks(ctx context.Context, playlistID string, opts PageOptions) (Page[RawTrack], error)
	GetSavedTracks(ctx context.Context, opts PageOptions) (Page[RawTrack], error)
	Search(ctx context.Context, query string, types SearchType) (*RawSearchResults, error)
}

// Storage is durable local key/value storage. Get returns ErrNotFound for missing keys.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// PlaybackDevice is the external process rendering audio.
type PlaybackDevice interface {
	Play(ctx context.Context, uri string) (*DeviceStatus, error)
	Pause(ctx context.Context) (*DeviceStatus, error)
	Status(ctx context.Context) (*DeviceStatus, error)
}

// MetricsRecorder receives operational counters from the core components.
type MetricsRecorder interface {
	RecordPlaybackCommand(command, status string)
	RecordUnplayable()
	RecordTokenRefresh(status string)
	RecordResourceBuild(resource, status string)
	SetQueueLength(n int)
	SetResourcesReady(ready bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordPlaybackCommand(string, string) {}
func (NopMetrics) RecordUnplayable()                    {}
func (NopMetrics) RecordTokenRefresh(string)            {}
func (NopMetrics) RecordResourceBuild(string, string)   {}
func (NopMetrics) SetQueueLength(int)                   {}
func (NopMetrics) SetResourcesReady(bool)               {}
