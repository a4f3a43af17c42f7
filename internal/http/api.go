package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"mixdeck/internal/auth"
	"mixdeck/internal/core"
	"mixdeck/internal/dragdrop"
	"mixdeck/internal/playlist"
)

const maxBodyBytes = 1 << 20

type addRequest struct {
	Track core.Track `json:"track"`
	// Index is the insert position; omitted appends.
	Index *int `json:"index,omitempty"`
}

type trackRequest struct {
	Track core.Track `json:"track"`
}

type dragRequest struct {
	Track       core.Track `json:"track"`
	SourceIndex *int       `json:"source_index,omitempty"`
}

type dropRequest struct {
	Y       float64   `json:"y"`
	RowTops []float64 `json:"row_tops"`
}

func (s *Server) setupAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", s.stateHandler)

	mux.HandleFunc("POST /api/queue", s.addHandler)
	mux.HandleFunc("DELETE /api/queue/{index}", s.removeHandler)
	mux.HandleFunc("POST /api/queue/{index}/play", s.playIndexHandler)

	mux.HandleFunc("POST /api/player/play", s.playTrackHandler)
	mux.HandleFunc("POST /api/player/toggle", s.playerAction(s.toggle))
	mux.HandleFunc("POST /api/player/stop", s.playerAction(s.stop))
	mux.HandleFunc("POST /api/player/next", s.playerAction(s.next))
	mux.HandleFunc("POST /api/player/previous", s.playerAction(s.previous))

	mux.HandleFunc("POST /api/drag/start", s.dragStartHandler)
	mux.HandleFunc("POST /api/drag/drop", s.dropHandler)
	mux.HandleFunc("POST /api/drag/cancel", s.dragCancelHandler)

	mux.HandleFunc("GET /api/playlists", s.playlistsHandler)
	mux.HandleFunc("GET /api/playlists/{id}", s.playlistHandler)
	mux.HandleFunc("GET /api/library", s.libraryHandler)
	mux.HandleFunc("GET /api/search", s.searchHandler)

	mux.HandleFunc("POST /api/session/bootstrap", s.bootstrapHandler)
	mux.HandleFunc("POST /api/session/signout", s.signOutHandler)
	mux.HandleFunc("GET /api/notices", s.noticesHandler)
	mux.HandleFunc("DELETE /api/notices/{id}", s.dismissHandler)
}

func (s *Server) stateHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.State())
}

func (s *Server) addHandler(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Track.URI == "" {
		writeError(w, http.StatusBadRequest, "track uri is required")
		return
	}
	index := playlist.Append
	if req.Index != nil {
		index = *req.Index
	}

	entry, err := s.deps.Session.AddToQueue(r.Context(), req.Track, index)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) removeHandler(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	entry, err := s.deps.Session.Remove(r.Context(), index)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) playIndexHandler(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	if err := s.deps.Session.PlayIndex(r.Context(), index); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.State())
}

func (s *Server) playTrackHandler(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Track.URI == "" {
		writeError(w, http.StatusBadRequest, "track uri is required")
		return
	}
	if err := s.deps.Session.PlayTrack(r.Context(), req.Track); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.State())
}

func (s *Server) playerAction(action func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(r); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Session.State())
	}
}

func (s *Server) toggle(r *http.Request) error { return s.deps.Session.Toggle(r.Context()) }
func (s *Server) stop(r *http.Request) error   { return s.deps.Session.Stop(r.Context()) }
func (s *Server) next(*http.Request) error     { s.deps.Session.Next(); return nil }
func (s *Server) previous(*http.Request) error { s.deps.Session.Previous(); return nil }

func (s *Server) dragStartHandler(w http.ResponseWriter, r *http.Request) {
	var req dragRequest
	if !decodeBody(w, r, &req) {
		return
	}
	source := dragdrop.NoSource
	if req.SourceIndex != nil {
		source = *req.SourceIndex
	}
	if err := s.deps.Session.BeginDrag(req.Track, source); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.State().Drag)
}

func (s *Server) dropHandler(w http.ResponseWriter, r *http.Request) {
	var req dropRequest
	if !decodeBody(w, r, &req) {
		return
	}
	plan, err := s.deps.Session.Drop(r.Context(), req.Y, req.RowTops)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) dragCancelHandler(w http.ResponseWriter, _ *http.Request) {
	s.deps.Session.CancelDrag()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) playlistsHandler(w http.ResponseWriter, r *http.Request) {
	playlists, ok := s.deps.Session.Playlists(r.URL.Query().Get("q"))
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "resources not loaded")
		return
	}
	writeJSON(w, http.StatusOK, playlists)
}

func (s *Server) playlistHandler(w http.ResponseWriter, r *http.Request) {
	if _, loaded := s.deps.Session.Playlists(""); !loaded {
		writeError(w, http.StatusServiceUnavailable, "resources not loaded")
		return
	}
	p, ok := s.deps.Session.Playlist(r.PathValue("id"), r.URL.Query().Get("q"))
	if !ok {
		writeError(w, http.StatusNotFound, "playlist not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) libraryHandler(w http.ResponseWriter, r *http.Request) {
	tracks, ok := s.deps.Session.Library(r.URL.Query().Get("q"))
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "resources not loaded")
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Session.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) bootstrapHandler(w http.ResponseWriter, r *http.Request) {
	found, err := s.deps.Session.Bootstrap(r.Context(), newCookieJar(w, r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"bootstrapped": found})
}

// bootstrapFromCookies migrates a grant left by the callback redirect.
func (s *Server) bootstrapFromCookies(r *http.Request, w http.ResponseWriter) {
	if s.deps.Session == nil {
		return
	}
	if _, err := r.Cookie(auth.CookieAccessToken); err != nil {
		return
	}
	if _, err := s.deps.Session.Bootstrap(r.Context(), newCookieJar(w, r)); err != nil {
		s.logger.Warn("Cookie bootstrap failed", zap.Error(err))
	}
}

func (s *Server) signOutHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.SignOut(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) noticesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Notices())
}

func (s *Server) dismissHandler(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Session.DismissNotice(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "notice not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps sentinel errors to status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrIndexOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrDragInProgress),
		errors.Is(err, core.ErrNoActiveDrag),
		errors.Is(err, core.ErrNoCurrentTrack):
		status = http.StatusConflict
	case errors.Is(err, core.ErrNotAuthenticated),
		errors.Is(err, core.ErrRefreshRejected),
		errors.Is(err, core.ErrNoRefreshToken):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrResourceUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrDeviceFailure):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return 0, false
	}
	return index, true
}

// cookieJar reads grant cookies from the request and expires them on the response.
type cookieJar struct {
	w http.ResponseWriter
	r *http.Request
}

func newCookieJar(w http.ResponseWriter, r *http.Request) *cookieJar {
	return &cookieJar{w: w, r: r}
}

func (j *cookieJar) Get(name string) (string, bool) {
	c, err := j.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (j *cookieJar) Clear(names ...string) {
	for _, name := range names {
		http.SetCookie(j.w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}
