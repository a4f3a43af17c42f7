// Package dragdrop resolves drag gestures onto master playlist positions.
package dragdrop

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"mixdeck/internal/core"
	"mixdeck/internal/events"
	"mixdeck/internal/playlist"
)

// NoSource marks a drag that started outside the master playlist.
const NoSource = -1

// DragState is the single in-flight gesture. The zero value with SourceIndex
// NoSource means no drag is active.
type DragState struct {
	Track       *core.Track `json:"track,omitempty"`
	SourceIndex int         `json:"source_index"`
}

// Active reports whether a gesture is in progress.
func (s DragState) Active() bool {
	return s.Track != nil
}

// Plan is the outcome of resolving a drop. InsertAt and RemoveAt are applied
// in that order; RemoveAt is NoSource for drags from outside the queue.
// FinalIndex is where the dropped track ends up once both steps ran.
type Plan struct {
	InsertAt   int `json:"insert_at"`
	RemoveAt   int `json:"remove_at"`
	FinalIndex int `json:"final_index"`
}

// Resolve maps a drop at dropY onto a queue whose rows start at rowTops.
// The closest row by vertical distance wins, the earlier one on a tie. A drop
// at or below that row's top inserts after it, otherwise before it. Without
// rows the track is appended.
func Resolve(dropY float64, rowTops []float64, sourceIndex int) Plan {
	insertAt := len(rowTops)

	if len(rowTops) > 0 {
		closest := 0
		best := math.Abs(dropY - rowTops[0])
		for i := 1; i < len(rowTops); i++ {
			if d := math.Abs(dropY - rowTops[i]); d < best {
				closest, best = i, d
			}
		}

		if dropY-rowTops[closest] >= 0 {
			insertAt = closest + 1
		} else {
			insertAt = closest
		}
	}

	plan := Plan{InsertAt: insertAt, RemoveAt: NoSource, FinalIndex: insertAt}
	if sourceIndex < 0 {
		return plan
	}

	// Insertion happens first, so a source at or after the insertion point shifts by one.
	if sourceIndex < insertAt {
		plan.RemoveAt = sourceIndex
		plan.FinalIndex = insertAt - 1
	} else {
		plan.RemoveAt = sourceIndex + 1
	}
	return plan
}

// Dropper applies a resolved plan.
type Dropper interface {
	Drop(ctx context.Context, track core.Track, insert, remove int) (playlist.Entry, error)
}

// Coordinator holds the single-slot drag state.
type Coordinator struct {
	mu     sync.Mutex
	state  DragState
	queue  Dropper
	bus    *events.Bus
	logger *zap.Logger
}

func NewCoordinator(queue Dropper, bus *events.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		state:  DragState{SourceIndex: NoSource},
		queue:  queue,
		bus:    bus,
		logger: logger,
	}
}

// BeginDrag starts a gesture. sourceIndex is the track's queue index for
// internal moves, or NoSource.
func (c *Coordinator) BeginDrag(track core.Track, sourceIndex int) error {
	if sourceIndex < 0 {
		sourceIndex = NoSource
	}

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return core.ErrDragInProgress
	}
	t := track
	c.state = DragState{Track: &t, SourceIndex: sourceIndex}
	c.mu.Unlock()

	c.logger.Debug("Drag started",
		zap.String("uri", track.URI),
		zap.Int("source_index", sourceIndex))
	c.bus.Publish(events.Event{Kind: events.DragStarted, Track: &t, Index: sourceIndex})
	return nil
}

// CompleteDrop resolves the drop against the on-screen row offsets and applies
// it to the queue. The drag state is cleared whether or not the drop succeeds.
func (c *Coordinator) CompleteDrop(ctx context.Context, dropY float64, rowTops []float64) (Plan, error) {
	state := c.take()
	if !state.Active() {
		return Plan{}, core.ErrNoActiveDrag
	}
	defer c.bus.Publish(events.Event{Kind: events.DragStopped, Track: state.Track, Index: state.SourceIndex})

	plan := Resolve(dropY, rowTops, state.SourceIndex)
	if _, err := c.queue.Drop(ctx, *state.Track, plan.InsertAt, plan.RemoveAt); err != nil {
		c.logger.Warn("Drop failed",
			zap.String("uri", state.Track.URI),
			zap.Int("insert_at", plan.InsertAt),
			zap.Int("remove_at", plan.RemoveAt),
			zap.Error(err))
		return Plan{}, fmt.Errorf("failed to apply drop: %w", err)
	}

	c.logger.Debug("Drop applied",
		zap.String("uri", state.Track.URI),
		zap.Int("final_index", plan.FinalIndex))
	return plan, nil
}

// Cancel ends the gesture without a drop.
func (c *Coordinator) Cancel() {
	state := c.take()
	if state.Active() {
		c.bus.Publish(events.Event{Kind: events.DragStopped, Track: state.Track, Index: state.SourceIndex})
	}
}

// State returns the current gesture.
func (c *Coordinator) State() DragState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) take() DragState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.state
	c.state = DragState{SourceIndex: NoSource}
	return state
}
