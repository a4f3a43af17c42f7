// Package catalog turns raw upstream records into display-ready tracks and
// provides the local filters used by the library and playlist views.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"mixdeck/internal/core"
)

// ThumbnailSize is the preferred artwork width for track rows.
const ThumbnailSize = 300

// FormatTrack derives the display fields of a raw track.
func FormatTrack(raw core.RawTrack) core.Track {
	artists := make([]string, len(raw.Artists))
	copy(artists, raw.Artists)

	artistString := strings.Join(artists, ", ")
	displayTitle := raw.Name
	if artistString != "" {
		displayTitle = artistString + " - " + raw.Name
	}

	return core.Track{
		ID:           raw.ID,
		URI:          raw.URI,
		Name:         raw.Name,
		Artists:      artists,
		Album:        raw.Album,
		DurationMs:   raw.DurationMs,
		ThumbnailURL: Thumbnail(raw.Images, ThumbnailSize, true),
		ArtistString: artistString,
		DisplayTitle: displayTitle,
	}
}

// FormatTracks formats every record, skipping ones without a URI (local files, removed tracks).
func FormatTracks(raws []core.RawTrack) []core.Track {
	tracks := make([]core.Track, 0, len(raws))
	for _, raw := range raws {
		if raw.URI == "" {
			continue
		}
		tracks = append(tracks, FormatTrack(raw))
	}
	return tracks
}

// Thumbnail returns the URL of the image with the given width. When none
// matches and fallback is set, the first image is used.
func Thumbnail(images []core.Image, size int, fallback bool) string {
	for _, img := range images {
		if img.Width == size {
			return img.URL
		}
	}
	if fallback && len(images) > 0 {
		return images[0].URL
	}
	return ""
}

// PlayingTime renders d as m:ss, rounded to the nearest second.
func PlayingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
