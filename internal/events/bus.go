// Package events provides the typed publish/subscribe channel that connects
// the queue, the player, the drag coordinator and the resource cache.
package events

import (
	"sync"

	"mixdeck/internal/core"
)

// Kind is one of the closed set of message types carried by the bus.
type Kind int

const (
	// PlayRequested asks the player to start Track.
	PlayRequested Kind = iota
	// StopRequested asks the player to stop.
	StopRequested
	// NextRequested asks the queue to advance forward.
	NextRequested
	// PreviousRequested asks the queue to advance backward.
	PreviousRequested
	// NowPlaying reports that the device confirmed playback of Track.
	NowPlaying
	// Stopped reports that playback stopped.
	Stopped
	// TrackEnded reports that the progress timer reached the end of Track.
	TrackEnded
	// TrackUnplayable reports that the device rejected Track as unavailable.
	TrackUnplayable
	// AddToQueue asks the queue to insert Track at Index.
	AddToQueue
	// DragStarted and DragStopped bracket a drag gesture.
	DragStarted
	DragStopped
	// ResourcesReady fires once, when playlists and library are both loaded.
	ResourcesReady
	// AuthReady fires when a valid access token becomes available.
	AuthReady
	// AuthFailed reports a rejected or impossible token refresh.
	AuthFailed
	// PlaybackFailed reports a device command failure.
	PlaybackFailed
)

var kindNames = map[Kind]string{
	PlayRequested:     "play_requested",
	StopRequested:     "stop_requested",
	NextRequested:     "next_requested",
	PreviousRequested: "previous_requested",
	NowPlaying:        "now_playing",
	Stopped:           "stopped",
	TrackEnded:        "track_ended",
	TrackUnplayable:   "track_unplayable",
	AddToQueue:        "add_to_queue",
	DragStarted:       "drag_started",
	DragStopped:       "drag_stopped",
	ResourcesReady:    "resources_ready",
	AuthReady:         "auth_ready",
	AuthFailed:        "auth_failed",
	PlaybackFailed:    "playback_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a single message. Fields not meaningful for a Kind are zero.
type Event struct {
	Kind    Kind
	Track   *core.Track
	EntryID string
	Index   int
	Err     error
}

// Handler receives events. Handlers run synchronously in the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events to subscribers of their kind.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers handler for kind. The returned function removes it and is idempotent.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	id := b.add(kind, func(uint64) Handler { return handler })
	return b.remover(kind, id)
}

// SubscribeOnce registers a handler that is removed after its first delivery.
func (b *Bus) SubscribeOnce(kind Kind, handler Handler) func() {
	id := b.add(kind, func(id uint64) Handler {
		var once sync.Once
		return func(e Event) {
			once.Do(func() {
				b.unsubscribe(kind, id)
				handler(e)
			})
		}
	})
	return b.remover(kind, id)
}

func (b *Bus) add(kind Kind, build func(id uint64) Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: build(id)})
	return id
}

func (b *Bus) remover(kind Kind, id uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(kind, id) })
	}
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every current subscriber of e.Kind, in subscription order.
// The bus lock is not held while handlers run, so handlers may publish.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[e.Kind]))
	copy(subs, b.subs[e.Kind])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(e)
	}
}

// Subscribers returns the number of handlers registered for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
