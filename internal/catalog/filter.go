package catalog

import (
	"mixdeck/internal/core"
	"mixdeck/pkg/fuzzy"
)

var normalizer = fuzzy.NewNormalizer()

// FilterTracks keeps tracks whose name or artists match query.
func FilterTracks(tracks []core.Track, query string) []core.Track {
	q := normalizer.Compile(query)
	if q.Empty() {
		return tracks
	}

	out := make([]core.Track, 0, len(tracks))
	for _, t := range tracks {
		if normalizer.Match(q, t.Name, t.ArtistString) {
			out = append(out, t)
		}
	}
	return out
}

// FilterPlaylists keeps named playlists whose name matches query.
func FilterPlaylists(playlists []core.Playlist, query string) []core.Playlist {
	q := normalizer.Compile(query)

	out := make([]core.Playlist, 0, len(playlists))
	for _, p := range playlists {
		if p.Name == "" {
			continue
		}
		if normalizer.Match(q, p.Name) {
			out = append(out, p)
		}
	}
	return out
}
