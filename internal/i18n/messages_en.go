package i18n

// englishMessages contains all English translations.
var englishMessages = map[string]string{
	// Error states
	"error.generic":              "Something went wrong. Please try again.",
	"error.auth.not_authorized":  "You are not signed in. Please authorize mixdeck with your music account.",
	"error.auth.refresh_failed":  "Your session expired and could not be renewed. Please sign in again.",
	"error.auth.rate_limited":    "Too many token requests. Please wait a moment.",
	"error.playback.unavailable": "%s is not available for playback and was marked unplayable.",
	"error.playback.device":      "The playback device did not respond. Check that the local player is running.",
	"error.playback.no_track":    "Nothing to play. Add a track to the master playlist first.",
	"error.resources.load":       "Could not refresh your playlists and library. Showing the last loaded copy.",
	"error.queue.save":           "Could not save the master playlist. The change was not applied.",
	"error.queue.index":          "That position is not in the master playlist.",
	"error.drag.in_progress":     "Finish the current drag before starting another one.",

	// Notices
	"notice.resources_ready": "Your playlists and library are ready.",
	"notice.now_playing":     "Now playing: %s",
	"notice.queue_finished":  "Reached the end of the master playlist.",
	"notice.signed_in":       "Signed in.",
}
