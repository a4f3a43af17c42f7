package i18n

// berneseGermanMessages contains all Bernese Swiss German (Bärndütsch) translations
var berneseGermanMessages = map[string]string{
	// Error states
	"error.generic":              "Öppis isch schief gloffe. Probier's haut nomau, bitte.",
	"error.auth.not_authorized":  "Du bisch nid aagmäudet. Bitte gib mixdeck Zuegriff uf di Musigkonto.",
	"error.auth.refresh_failed":  "Dini Sitzig isch abgloffe und het nid chönne verlängeret wärde. Bitte mäud di nomau aa.",
	"error.auth.rate_limited":    "Z viu Token-Aafrage. Wart bitte e Momänt.",
	"error.playback.unavailable": "%s cha nid abgspiut wärde und isch aus nid abspiubar markiert worde.",
	"error.playback.device":      "Ds Abspiugrät git kei Antwort. Lueg, ob dr lokau Player louft.",
	"error.playback.no_track":    "Es git nüt zum Abspile. Füeg zersch es Lied zur Master-Playliste hinzue.",
	"error.resources.load":       "Dini Playliste und Bibliothek hei nid chönne aktualisiert wärde. Du gsehsch di letschti Version.",
	"error.queue.save":           "D Master-Playliste het nid chönne gspicheret wärde. D Änderig isch nid übernoh worde.",
	"error.queue.index":          "Di Position git's i dr Master-Playliste nid.",
	"error.drag.in_progress":     "Mach zersch ds aktuelle Zie fertig.",

	// Notices
	"notice.resources_ready": "Dini Playliste und Bibliothek sy parat.",
	"notice.now_playing":     "Jitz louft: %s",
	"notice.queue_finished":  "Ds Ändi vor Master-Playliste isch erreicht.",
	"notice.signed_in":       "Aagmäudet.",
}
