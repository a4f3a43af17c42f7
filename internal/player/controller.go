// Package player drives the external playback device and tracks progress of
// the current track.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mixdeck/internal/core"
	"mixdeck/internal/events"
)

// State is the controller's playback state.
type State int

const (
	// Idle means no track was ever played.
	Idle State = iota
	// Requesting means a play or pause command is in flight.
	Requesting
	// Playing means the device confirmed playback and the progress timer runs.
	Playing
	// Stopped means the device confirmed a pause or a play request failed.
	Stopped
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Playing:
		return "playing"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Options tunes the controller. Zero values fall back to the defaults.
type Options struct {
	TickInterval     time.Duration
	ReverseThreshold float64
	Clock            Clock
	Metrics          core.MetricsRecorder
}

// Status is a snapshot of the controller for presentation.
type Status struct {
	State    string        `json:"state"`
	Playing  bool          `json:"playing"`
	Current  *core.Track   `json:"current,omitempty"`
	EntryID  string        `json:"entry_id,omitempty"`
	Progress *ProgressView `json:"progress,omitempty"`
}

// Controller serializes device commands: one command is in flight at a time.
// Events are published after the command lock is released, so handlers may
// call back into the controller.
type Controller struct {
	cmdMu sync.Mutex

	mu         sync.RWMutex
	state      State
	current    *core.Track
	entryID    string
	progress   *Progress
	generation uint64
	stopTimer  func()

	device    core.PlaybackDevice
	bus       *events.Bus
	clock     Clock
	tick      time.Duration
	threshold float64
	logger    *zap.Logger
	metrics   core.MetricsRecorder
}

func NewController(device core.PlaybackDevice, bus *events.Bus, logger *zap.Logger, opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = core.DefaultTickInterval
	}
	if opts.ReverseThreshold <= 0 {
		opts.ReverseThreshold = core.DefaultReverseThreshold
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = core.NopMetrics{}
	}

	return &Controller{
		state:     Idle,
		device:    device,
		bus:       bus,
		clock:     opts.Clock,
		tick:      opts.TickInterval,
		threshold: opts.ReverseThreshold,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// PlayTrack asks the device to play track. entryID identifies the queue entry
// the request came from and is empty for tracks played from elsewhere.
func (c *Controller) PlayTrack(ctx context.Context, track core.Track, entryID string) error {
	c.cmdMu.Lock()
	pending, err := c.play(ctx, track, entryID)
	c.cmdMu.Unlock()

	c.publish(pending)
	return err
}

// StopPlayback asks the device to pause.
func (c *Controller) StopPlayback(ctx context.Context) error {
	c.cmdMu.Lock()
	pending, err := c.stop(ctx)
	c.cmdMu.Unlock()

	c.publish(pending)
	return err
}

// TogglePlayPause pauses while playing, otherwise replays the current track.
func (c *Controller) TogglePlayPause(ctx context.Context) error {
	c.cmdMu.Lock()

	c.mu.RLock()
	state, current, entryID := c.state, c.current, c.entryID
	c.mu.RUnlock()

	var (
		pending []events.Event
		err     error
	)
	switch {
	case state == Playing:
		pending, err = c.stop(ctx)
	case current != nil:
		pending, err = c.play(ctx, *current, entryID)
	default:
		err = core.ErrNoCurrentTrack
	}
	c.cmdMu.Unlock()

	c.publish(pending)
	return err
}

// play must be called with cmdMu held.
func (c *Controller) play(ctx context.Context, track core.Track, entryID string) ([]events.Event, error) {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.state = Requesting
	c.mu.Unlock()

	c.logger.Debug("Requesting playback", zap.String("uri", track.URI))

	status, err := c.device.Play(ctx, track.URI)
	if err == nil && !status.Playing {
		err = fmt.Errorf("%w: device did not start playback", core.ErrDeviceFailure)
	}

	if err != nil {
		c.mu.Lock()
		c.state = Stopped
		c.mu.Unlock()

		t := track
		pending := []events.Event{{Kind: events.Stopped, Track: &t, EntryID: entryID}}
		if errors.Is(err, core.ErrResourceUnavailable) {
			c.metrics.RecordPlaybackCommand("play", "unavailable")
			c.logger.Warn("Track unavailable for playback",
				zap.String("uri", track.URI),
				zap.Error(err))
			pending = append(pending, events.Event{Kind: events.TrackUnplayable, Track: &t, EntryID: entryID})
		} else {
			c.metrics.RecordPlaybackCommand("play", "error")
			c.logger.Error("Playback request failed",
				zap.String("uri", track.URI),
				zap.Error(err))
		}
		pending = append(pending, events.Event{Kind: events.PlaybackFailed, Track: &t, EntryID: entryID, Err: err})
		return pending, fmt.Errorf("failed to play %s: %w", track.URI, err)
	}

	c.mu.Lock()
	t := track
	c.current = &t
	c.entryID = entryID
	c.state = Playing
	c.startTimerLocked(track)
	c.mu.Unlock()

	c.metrics.RecordPlaybackCommand("play", "success")
	c.logger.Info("Playing track",
		zap.String("uri", track.URI),
		zap.String("title", track.DisplayTitle))

	return []events.Event{{Kind: events.NowPlaying, Track: &t, EntryID: entryID}}, nil
}

// stop must be called with cmdMu held.
func (c *Controller) stop(ctx context.Context) ([]events.Event, error) {
	c.mu.Lock()
	prior := c.state
	c.state = Requesting
	c.mu.Unlock()

	status, err := c.device.Pause(ctx)
	if err == nil && status.Playing {
		err = fmt.Errorf("%w: device is still playing", core.ErrDeviceFailure)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state = prior
		c.metrics.RecordPlaybackCommand("pause", "error")
		c.logger.Error("Pause request failed", zap.Error(err))
		return []events.Event{{Kind: events.PlaybackFailed, Track: c.current, EntryID: c.entryID, Err: err}},
			fmt.Errorf("failed to pause: %w", err)
	}

	c.cancelTimerLocked()
	c.state = Stopped
	if c.current == nil {
		c.state = Idle
	}
	c.metrics.RecordPlaybackCommand("pause", "success")
	c.logger.Info("Playback stopped")

	return []events.Event{{Kind: events.Stopped, Track: c.current, EntryID: c.entryID}}, nil
}

// SyncStatus polls the device and reconciles a pause that happened outside the controller.
func (c *Controller) SyncStatus(ctx context.Context) (*core.DeviceStatus, error) {
	c.cmdMu.Lock()

	status, err := c.device.Status(ctx)
	if err != nil {
		c.cmdMu.Unlock()
		c.logger.Debug("Device status poll failed", zap.Error(err))
		return nil, fmt.Errorf("failed to poll device status: %w", err)
	}

	var pending []events.Event
	c.mu.Lock()
	if c.state == Playing && !status.Playing {
		c.cancelTimerLocked()
		c.state = Stopped
		pending = append(pending, events.Event{Kind: events.Stopped, Track: c.current, EntryID: c.entryID})
		c.logger.Info("Device stopped outside the player")
	}
	c.mu.Unlock()
	c.cmdMu.Unlock()

	c.publish(pending)
	return status, nil
}

// Run polls the device status every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cancelTimerLocked()
			c.mu.Unlock()
			return nil
		case <-ticker.C():
			// Failures are logged by SyncStatus and retried on the next tick.
			_, _ = c.SyncStatus(ctx)
		}
	}
}

// startTimerLocked starts the progress timer for track. At most one timer is
// live: each start bumps the generation and stale goroutines exit on their next tick.
func (c *Controller) startTimerLocked(track core.Track) {
	c.cancelTimerLocked()

	gen := c.generation
	c.progress = newProgress(c.clock.Now(), track.Duration())

	ticker := c.clock.NewTicker(c.tick)
	done := make(chan struct{})
	var once sync.Once
	c.stopTimer = func() { once.Do(func() { close(done) }) }

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				if c.onTick(gen) {
					return
				}
			}
		}
	}()
}

// onTick reports whether the timer goroutine should exit.
func (c *Controller) onTick(gen uint64) bool {
	c.mu.Lock()
	if gen != c.generation || c.progress == nil {
		c.mu.Unlock()
		return true
	}
	if !c.progress.Ended(c.clock.Now()) {
		c.mu.Unlock()
		return false
	}

	// Bumping the generation makes this the only end-of-track for the play.
	c.generation++
	c.stopTimer = nil
	track, entryID := c.current, c.entryID
	c.mu.Unlock()

	c.logger.Debug("Track ended", zap.String("uri", track.URI))
	c.bus.Publish(events.Event{Kind: events.TrackEnded, Track: track, EntryID: entryID})
	return true
}

func (c *Controller) cancelTimerLocked() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.generation++
	c.progress = nil
}

func (c *Controller) publish(pending []events.Event) {
	for _, e := range pending {
		c.bus.Publish(e)
	}
}

// State returns the current playback state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsPlaying is derived from the state on every call.
func (c *Controller) IsPlaying() bool {
	return c.State() == Playing
}

// CurrentTrack returns the last successfully played track and its queue entry ID.
func (c *Controller) CurrentTrack() (*core.Track, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return nil, ""
	}
	t := *c.current
	return &t, c.entryID
}

// Progress samples the running progress timer.
func (c *Controller) Progress() (ProgressView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.progress == nil {
		return ProgressView{}, false
	}
	return c.progress.View(c.clock.Now(), c.threshold), true
}

// Status returns a snapshot for presentation.
func (c *Controller) Status() Status {
	current, entryID := c.CurrentTrack()
	s := Status{
		Current: current,
		EntryID: entryID,
	}

	c.mu.RLock()
	s.State = c.state.String()
	s.Playing = c.state == Playing
	if c.progress != nil {
		v := c.progress.View(c.clock.Now(), c.threshold)
		s.Progress = &v
	}
	c.mu.RUnlock()

	return s
}
