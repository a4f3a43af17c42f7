// Package playlist implements the master playlist: the user-curated, ordered
// queue of tracks, persisted wholesale after every mutation.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mixdeck/internal/core"
	"mixdeck/internal/storage"
	"mixdeck/internal/store"
)

const (
	// StorageKey holds the serialized entry sequence.
	StorageKey = "playerMasterPlaylist"
	// UnplayableKey holds URIs the device has rejected.
	UnplayableKey = "playerUnplayableTracks"
	// Append as an insert index adds the track at the end.
	Append = -1
)

// Direction selects the neighbour returned by Advance.
type Direction int

const (
	Next Direction = iota
	Previous
)

func (d Direction) String() string {
	if d == Previous {
		return "previous"
	}
	return "next"
}

// Entry is a queued track. Position is implicit in the sequence order.
type Entry struct {
	core.Track
	EntryID    string `json:"entry_id"`
	Active     bool   `json:"active,omitempty"`
	Unplayable bool   `json:"unplayable,omitempty"`
}

// State is a snapshot of the queue.
type State struct {
	Entries        []Entry     `json:"entries"`
	Current        *core.Track `json:"current,omitempty"`
	CurrentEntryID string      `json:"current_entry_id,omitempty"`
	Playing        bool        `json:"playing"`
}

// Queue is safe for concurrent use. Every mutation is applied to a copy,
// persisted, and only then committed, so a failed write leaves both memory
// and storage untouched.
type Queue struct {
	mu             sync.RWMutex
	entries        []Entry
	current        *core.Track
	currentEntryID string
	playing        bool

	storage    core.Storage
	unplayable *store.UnplayableSet
	logger     *zap.Logger
	metrics    core.MetricsRecorder
}

// NewQueue loads the persisted queue, or starts empty when nothing is stored.
// Active flags are not restored since nothing is playing at startup.
func NewQueue(ctx context.Context, s core.Storage, unplayable *store.UnplayableSet,
	logger *zap.Logger, metrics core.MetricsRecorder) (*Queue, error) {
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	q := &Queue{
		storage:    s,
		unplayable: unplayable,
		logger:     logger,
		metrics:    metrics,
	}

	var uris []string
	switch err := storage.GetJSON(ctx, s, UnplayableKey, &uris); {
	case err == nil:
		unplayable.Load(uris)
	case errors.Is(err, core.ErrNotFound):
	default:
		logger.Warn("Failed to load unplayable tracks, starting empty", zap.Error(err))
	}

	var entries []Entry
	switch err := storage.GetJSON(ctx, s, StorageKey, &entries); {
	case err == nil:
	case errors.Is(err, core.ErrNotFound):
		entries = nil
	default:
		return nil, fmt.Errorf("failed to load master playlist: %w", err)
	}

	for i := range entries {
		entries[i].Active = false
		if entries[i].EntryID == "" {
			entries[i].EntryID = uuid.NewString()
		}
		if entries[i].Unplayable {
			unplayable.Add(entries[i].URI)
		}
	}
	if entries == nil {
		entries = []Entry{}
	}
	q.entries = entries
	metrics.SetQueueLength(len(entries))

	logger.Info("Master playlist loaded", zap.Int("entries", len(entries)))
	return q, nil
}

// mutate runs fn on a copy of the entries and commits the result only after it was persisted.
func (q *Queue) mutate(ctx context.Context, fn func([]Entry) ([]Entry, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next, err := fn(q.copyEntries())
	if err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, q.storage, StorageKey, next); err != nil {
		q.logger.Error("Failed to persist master playlist", zap.Error(err))
		return fmt.Errorf("failed to persist master playlist: %w", err)
	}

	q.entries = next
	q.metrics.SetQueueLength(len(next))
	return nil
}

func (q *Queue) copyEntries() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) newEntry(track core.Track) Entry {
	return Entry{
		Track:      track,
		EntryID:    uuid.NewString(),
		Unplayable: q.unplayable.Has(track.URI),
	}
}

func insertAt(entries []Entry, e Entry, index int) ([]Entry, int, error) {
	if index == Append {
		index = len(entries)
	}
	if index < 0 || index > len(entries) {
		return nil, 0, fmt.Errorf("%w: insert at %d, length %d", core.ErrIndexOutOfRange, index, len(entries))
	}
	entries = append(entries, Entry{})
	copy(entries[index+1:], entries[index:])
	entries[index] = e
	return entries, index, nil
}

func removeAt(entries []Entry, index int) ([]Entry, Entry, error) {
	if index < 0 || index >= len(entries) {
		return nil, Entry{}, fmt.Errorf("%w: remove at %d, length %d", core.ErrIndexOutOfRange, index, len(entries))
	}
	removed := entries[index]
	return append(entries[:index], entries[index+1:]...), removed, nil
}

// Insert adds track at index, or at the end when index is Append.
// Duplicates are allowed; each copy gets its own entry ID.
func (q *Queue) Insert(ctx context.Context, track core.Track, index int) (Entry, error) {
	entry := q.newEntry(track)
	err := q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		next, _, err := insertAt(entries, entry, index)
		return next, err
	})
	if err != nil {
		return Entry{}, err
	}

	q.logger.Debug("Track queued",
		zap.String("uri", track.URI),
		zap.Int("index", index))
	return entry, nil
}

// RemoveAt removes the entry at index.
func (q *Queue) RemoveAt(ctx context.Context, index int) (Entry, error) {
	var removed Entry
	err := q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		next, r, err := removeAt(entries, index)
		removed = r
		return next, err
	})
	if err != nil {
		return Entry{}, err
	}
	return removed, nil
}

// Drop inserts track at insert and then, when remove is not negative, removes
// the entry at remove (an index into the sequence after the insertion). Both
// steps are persisted as one mutation.
func (q *Queue) Drop(ctx context.Context, track core.Track, insert, remove int) (Entry, error) {
	result := q.newEntry(track)
	err := q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		next, _, err := insertAt(entries, result, insert)
		if err != nil {
			return nil, err
		}
		if remove < 0 {
			return next, nil
		}
		next, removed, err := removeAt(next, remove)
		if err != nil {
			return nil, err
		}
		// A move keeps the identity and flags of the original entry.
		for i := range next {
			if next[i].EntryID == result.EntryID {
				next[i].EntryID = removed.EntryID
				next[i].Active = removed.Active
				next[i].Unplayable = next[i].Unplayable || removed.Unplayable
				result = next[i]
				break
			}
		}
		return next, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return result, nil
}

// MarkUnplayable flags every entry with uri and remembers the URI for future inserts.
// It returns the number of entries flagged.
// The URI is remembered only once the flagged entries were persisted.
func (q *Queue) MarkUnplayable(ctx context.Context, uri string) (int, error) {
	marked := 0
	err := q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].URI == uri && !entries[i].Unplayable {
				entries[i].Unplayable = true
				marked++
			}
		}
		return entries, nil
	})
	if err != nil {
		return 0, err
	}

	if q.unplayable.Add(uri) {
		if err := storage.SetJSON(ctx, q.storage, UnplayableKey, q.unplayable.URIs()); err != nil {
			q.logger.Warn("Failed to persist unplayable tracks", zap.Error(err))
		}
		q.metrics.RecordUnplayable()
	}

	q.logger.Info("Track marked unplayable",
		zap.String("uri", uri),
		zap.Int("entries", marked))
	return marked, nil
}

// SetActive moves the active flag to the entry with entryID, or to the first
// entry with uri when entryID is empty or unknown. It reports whether an entry
// matched; when none does every entry is left inactive.
func (q *Queue) SetActive(ctx context.Context, uri, entryID string) (bool, error) {
	matched := false
	err := q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		target := findEntry(entries, uri, entryID)
		for i := range entries {
			entries[i].Active = i == target
		}
		matched = target >= 0
		return entries, nil
	})
	return matched, err
}

// ClearActive removes the active flag from every entry.
func (q *Queue) ClearActive(ctx context.Context) error {
	return q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			entries[i].Active = false
		}
		return entries, nil
	})
}

func findEntry(entries []Entry, uri, entryID string) int {
	if entryID != "" {
		for i := range entries {
			if entries[i].EntryID == entryID {
				return i
			}
		}
	}
	if uri != "" {
		for i := range entries {
			if entries[i].URI == uri {
				return i
			}
		}
	}
	return -1
}

// SetCurrent records the identity of the current track. entryID is empty for
// tracks played from outside the queue.
func (q *Queue) SetCurrent(track *core.Track, entryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if track == nil {
		q.current = nil
		q.currentEntryID = ""
		return
	}
	t := *track
	q.current = &t
	q.currentEntryID = entryID
}

// SetPlaying mirrors the player's last known status.
func (q *Queue) SetPlaying(playing bool) {
	q.mu.Lock()
	q.playing = playing
	q.mu.Unlock()
}

// Advance returns the playable neighbour of the current track in direction.
// It returns false at either boundary and when the current track is not part
// of the playable subsequence. It never starts playback.
func (q *Queue) Advance(direction Direction) (Entry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.current == nil {
		return Entry{}, false
	}

	playable := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.Unplayable {
			playable = append(playable, e)
		}
	}

	pos := findEntry(playable, q.current.URI, q.currentEntryID)
	if pos < 0 {
		return Entry{}, false
	}

	switch direction {
	case Next:
		pos++
	case Previous:
		pos--
	}
	if pos < 0 || pos >= len(playable) {
		return Entry{}, false
	}
	return playable[pos], true
}

// Entries returns a copy of the sequence.
func (q *Queue) Entries() []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.copyEntries()
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// At returns the entry at index.
func (q *Queue) At(index int) (Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if index < 0 || index >= len(q.entries) {
		return Entry{}, fmt.Errorf("%w: %d", core.ErrIndexOutOfRange, index)
	}
	return q.entries[index], nil
}

// State returns a snapshot of entries, current track and playing status.
func (q *Queue) State() State {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := State{
		Entries:        q.copyEntries(),
		CurrentEntryID: q.currentEntryID,
		Playing:        q.playing,
	}
	if q.current != nil {
		t := *q.current
		s.Current = &t
	}
	return s
}
