// Package spotify provides the Spotify Web API catalog used to build the
// playlists, library and search results.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"mixdeck/internal/core"
)

const (
	// MaxPageSize is the largest page the Web API serves.
	MaxPageSize = 50
	// MaxSearchResults limits each result type of a search.
	MaxSearchResults = 20
	// DefaultRequestsPerSecond paces upstream calls when no rate is configured.
	DefaultRequestsPerSecond = 10
)

type Options struct {
	// BaseURL overrides the Web API address.
	BaseURL           string
	RequestsPerSecond float64
}

// Client implements core.CatalogAPI on top of the Web API.
type Client struct {
	logger  *zap.Logger
	client  *spotify.Client
	limiter *rate.Limiter
}

// NewClient builds a catalog whose requests are authorized by ts.
func NewClient(ctx context.Context, ts oauth2.TokenSource, logger *zap.Logger, opts Options) *Client {
	return NewClientWithHTTP(oauth2.NewClient(ctx, ts), logger, opts)
}

func NewClientWithHTTP(httpClient *http.Client, logger *zap.Logger, opts Options) *Client {
	var clientOpts []spotify.ClientOption
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		clientOpts = append(clientOpts, spotify.WithBaseURL(base))
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}

	return &Client{
		logger:  logger,
		client:  spotify.New(httpClient, clientOpts...),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func pageOptions(opts core.PageOptions) []spotify.RequestOption {
	limit := opts.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	return []spotify.RequestOption{spotify.Limit(limit), spotify.Offset(opts.Offset)}
}

func (c *Client) GetUserPlaylists(ctx context.Context, opts core.PageOptions) (core.Page[core.PlaylistSummary], error) {
	if err := c.wait(ctx); err != nil {
		return core.Page[core.PlaylistSummary]{}, err
	}

	page, err := c.client.CurrentUsersPlaylists(ctx, pageOptions(opts)...)
	if err != nil {
		return core.Page[core.PlaylistSummary]{}, classify("get playlists", err)
	}

	out := core.Page[core.PlaylistSummary]{
		Items: make([]core.PlaylistSummary, 0, len(page.Playlists)),
		Total: int(page.Total),
		Limit: int(page.Limit),
	}
	for i := range page.Playlists {
		p := &page.Playlists[i]
		out.Items = append(out.Items, core.PlaylistSummary{
			ID:         string(p.ID),
			Name:       p.Name,
			Images:     convertImages(p.Images),
			TrackCount: int(p.Tracks.Total),
		})
	}
	return out, nil
}

func (c *Client) GetPlaylistTracks(ctx context.Context, playlistID string, opts core.PageOptions) (core.Page[core.RawTrack], error) {
	if err := c.wait(ctx); err != nil {
		return core.Page[core.RawTrack]{}, err
	}

	page, err := c.client.GetPlaylistItems(ctx, spotify.ID(playlistID), pageOptions(opts)...)
	if err != nil {
		return core.Page[core.RawTrack]{}, classify("get playlist items", err)
	}

	out := core.Page[core.RawTrack]{
		Items: make([]core.RawTrack, 0, len(page.Items)),
		Total: int(page.Total),
		Limit: int(page.Limit),
	}
	for i := range page.Items {
		// Only tracks; episodes and removed items have no track.
		if track := page.Items[i].Track.Track; track != nil {
			out.Items = append(out.Items, convertTrack(track))
		}
	}
	return out, nil
}

func (c *Client) GetSavedTracks(ctx context.Context, opts core.PageOptions) (core.Page[core.RawTrack], error) {
	if err := c.wait(ctx); err != nil {
		return core.Page[core.RawTrack]{}, err
	}

	page, err := c.client.CurrentUsersTracks(ctx, pageOptions(opts)...)
	if err != nil {
		return core.Page[core.RawTrack]{}, classify("get saved tracks", err)
	}

	out := core.Page[core.RawTrack]{
		Items: make([]core.RawTrack, 0, len(page.Tracks)),
		Total: int(page.Total),
		Limit: int(page.Limit),
	}
	for i := range page.Tracks {
		out.Items = append(out.Items, convertTrack(&page.Tracks[i].FullTrack))
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, query string, types core.SearchType) (*core.RawSearchResults, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var searchType spotify.SearchType
	if types&core.SearchTracks != 0 {
		searchType |= spotify.SearchTypeTrack
	}
	if types&core.SearchArtists != 0 {
		searchType |= spotify.SearchTypeArtist
	}
	if types&core.SearchAlbums != 0 {
		searchType |= spotify.SearchTypeAlbum
	}
	if searchType == 0 {
		return &core.RawSearchResults{}, nil
	}

	results, err := c.client.Search(ctx, query, searchType, spotify.Limit(MaxSearchResults))
	if err != nil {
		return nil, classify("search", err)
	}

	out := &core.RawSearchResults{}
	if results.Tracks != nil {
		for i := range results.Tracks.Tracks {
			out.Tracks = append(out.Tracks, convertTrack(&results.Tracks.Tracks[i]))
		}
	}
	if results.Artists != nil {
		for i := range results.Artists.Artists {
			a := &results.Artists.Artists[i]
			out.Artists = append(out.Artists, core.Artist{ID: string(a.ID), URI: string(a.URI), Name: a.Name})
		}
	}
	if results.Albums != nil {
		for i := range results.Albums.Albums {
			a := &results.Albums.Albums[i]
			album := core.Album{
				ID:      string(a.ID),
				URI:     string(a.URI),
				Name:    a.Name,
				Artists: artistNames(a.Artists),
			}
			if len(a.Images) > 0 {
				album.ImageURL = a.Images[0].URL
			}
			out.Albums = append(out.Albums, album)
		}
	}

	c.logger.Debug("Search completed",
		zap.String("query", query),
		zap.Int("tracks", len(out.Tracks)),
		zap.Int("artists", len(out.Artists)),
		zap.Int("albums", len(out.Albums)))
	return out, nil
}

func convertTrack(track *spotify.FullTrack) core.RawTrack {
	return core.RawTrack{
		ID:         string(track.ID),
		URI:        string(track.URI),
		Name:       track.Name,
		Artists:    artistNames(track.Artists),
		Album:      track.Album.Name,
		DurationMs: int(track.Duration),
		Images:     convertImages(track.Album.Images),
	}
}

func artistNames(artists []spotify.SimpleArtist) []string {
	names := make([]string, 0, len(artists))
	for _, artist := range artists {
		names = append(names, artist.Name)
	}
	return names
}

func convertImages(images []spotify.Image) []core.Image {
	out := make([]core.Image, 0, len(images))
	for _, img := range images {
		out = append(out, core.Image{URL: img.URL, Width: int(img.Width), Height: int(img.Height)})
	}
	return out
}

// classify maps authorization failures onto core.ErrNotAuthenticated.
func classify(op string, err error) error {
	var apiErr spotify.Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w: %v", op, core.ErrNotAuthenticated, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
