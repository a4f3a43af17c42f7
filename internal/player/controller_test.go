package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mixdeck/internal/core"
	"mixdeck/internal/events"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Tick delivers one tick to the most recently created live ticker.
func (f *fakeClock) Tick() {
	f.mu.Lock()
	var live *fakeTicker
	for i := len(f.tickers) - 1; i >= 0; i-- {
		if !f.tickers[i].isStopped() {
			live = f.tickers[i]
			break
		}
	}
	now := f.now
	f.mu.Unlock()

	if live != nil {
		select {
		case live.c <- now:
		default:
		}
	}
}

func (f *fakeClock) liveTickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tickers {
		if !t.isStopped() {
			n++
		}
	}
	return n
}

type fakeTicker struct {
	mu      sync.Mutex
	c       chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeDevice struct {
	mu       sync.Mutex
	playErr  error
	pauseErr error
	playing  bool
	plays    []string
	pauses   int
	status   *core.DeviceStatus
}

func (d *fakeDevice) Play(_ context.Context, uri string) (*core.DeviceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plays = append(d.plays, uri)
	if d.playErr != nil {
		return nil, d.playErr
	}
	d.playing = true
	return &core.DeviceStatus{Playing: true, TrackURI: uri}, nil
}

func (d *fakeDevice) Pause(context.Context) (*core.DeviceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pauses++
	if d.pauseErr != nil {
		return nil, d.pauseErr
	}
	d.playing = false
	return &core.DeviceStatus{Playing: false}, nil
}

func (d *fakeDevice) Status(context.Context) (*core.DeviceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != nil {
		return d.status, nil
	}
	return &core.DeviceStatus{Playing: d.playing}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	ch     chan events.Event
}

func record(bus *events.Bus, kinds ...events.Kind) *recorder {
	r := &recorder{ch: make(chan events.Event, 16)}
	for _, k := range kinds {
		bus.Subscribe(k, func(e events.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
			r.ch <- e
		})
	}
	return r
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) wait(t *testing.T, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func newTestController(device *fakeDevice) (*Controller, *fakeClock, *events.Bus) {
	clock := newFakeClock()
	bus := events.NewBus()
	c := NewController(device, bus, zap.NewNop(), Options{Clock: clock})
	return c, clock, bus
}

func testTrack(ms int) core.Track {
	return core.Track{URI: "spotify:track:abc", Name: "Song", DisplayTitle: "Artist - Song", DurationMs: ms}
}

func TestController_PlayTrack(t *testing.T) {
	device := &fakeDevice{}
	c, _, bus := newTestController(device)
	rec := record(bus, events.NowPlaying)

	if c.State() != Idle {
		t.Fatalf("initial State() = %v, want idle", c.State())
	}

	if err := c.PlayTrack(context.Background(), testTrack(180000), "entry-1"); err != nil {
		t.Fatalf("PlayTrack() error = %v", err)
	}

	if c.State() != Playing || !c.IsPlaying() {
		t.Errorf("State() = %v, want playing", c.State())
	}
	current, entryID := c.CurrentTrack()
	if current == nil || current.URI != "spotify:track:abc" || entryID != "entry-1" {
		t.Errorf("CurrentTrack() = %v, %q", current, entryID)
	}
	e := rec.wait(t, events.NowPlaying)
	if e.EntryID != "entry-1" {
		t.Errorf("NowPlaying EntryID = %q, want entry-1", e.EntryID)
	}
}

func TestController_ProgressIsDriftFree(t *testing.T) {
	device := &fakeDevice{}
	c, clock, _ := newTestController(device)

	if err := c.PlayTrack(context.Background(), testTrack(180000), ""); err != nil {
		t.Fatal(err)
	}

	// No ticks delivered at all: elapsed still follows the wall clock.
	clock.Advance(90 * time.Second)

	view, ok := c.Progress()
	if !ok {
		t.Fatal("Progress() reported no running timer")
	}
	if view.Elapsed != 90*time.Second {
		t.Errorf("Elapsed = %v, want 90s", view.Elapsed)
	}
	if view.ElapsedText != "1:30" || view.RemainingText != "-1:30" {
		t.Errorf("texts = %q / %q, want 1:30 / -1:30", view.ElapsedText, view.RemainingText)
	}
	if view.Fraction != 0.5 {
		t.Errorf("Fraction = %v, want 0.5", view.Fraction)
	}
}

func TestController_ReverseRemainingBoundary(t *testing.T) {
	device := &fakeDevice{}
	c, clock, _ := newTestController(device)

	if err := c.PlayTrack(context.Background(), testTrack(100000), ""); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	if view, _ := c.Progress(); view.ReverseRemaining {
		t.Error("ReverseRemaining should be false at exactly 30%")
	}

	clock.Advance(time.Second)
	if view, _ := c.Progress(); !view.ReverseRemaining {
		t.Error("ReverseRemaining should be true past 30%")
	}
}

func TestController_TrackEndedFiresOnce(t *testing.T) {
	device := &fakeDevice{}
	c, clock, bus := newTestController(device)
	rec := record(bus, events.TrackEnded)

	if err := c.PlayTrack(context.Background(), testTrack(3000), "e1"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Second)
	clock.Tick()

	clock.Advance(5 * time.Second)
	clock.Tick()
	e := rec.wait(t, events.TrackEnded)
	if e.EntryID != "e1" {
		t.Errorf("TrackEnded EntryID = %q, want e1", e.EntryID)
	}

	clock.Tick()
	clock.Tick()
	time.Sleep(20 * time.Millisecond)

	ended := 0
	for _, k := range rec.kinds() {
		if k == events.TrackEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Errorf("TrackEnded fired %d times, want 1", ended)
	}
}

func TestController_NewPlayCancelsPreviousTimer(t *testing.T) {
	device := &fakeDevice{}
	c, clock, _ := newTestController(device)

	for i := 0; i < 3; i++ {
		if err := c.PlayTrack(context.Background(), testTrack(180000), ""); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for clock.liveTickers() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := clock.liveTickers(); n != 1 {
		t.Errorf("live tickers = %d, want 1", n)
	}
}

func TestController_UnavailableTrack(t *testing.T) {
	device := &fakeDevice{playErr: core.NewDeviceError("4303")}
	c, _, bus := newTestController(device)
	rec := record(bus, events.Stopped, events.TrackUnplayable, events.PlaybackFailed)

	err := c.PlayTrack(context.Background(), testTrack(1000), "")
	if !errors.Is(err, core.ErrResourceUnavailable) {
		t.Fatalf("PlayTrack() error = %v, want ErrResourceUnavailable", err)
	}
	if c.State() != Stopped {
		t.Errorf("State() = %v, want stopped", c.State())
	}

	got := rec.kinds()
	want := []events.Kind{events.Stopped, events.TrackUnplayable, events.PlaybackFailed}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if len(device.plays) != 1 {
		t.Errorf("device plays = %d, want 1 (no retry)", len(device.plays))
	}
}

func TestController_GenericFailureDoesNotFlag(t *testing.T) {
	device := &fakeDevice{playErr: core.NewDeviceError("4001")}
	c, _, bus := newTestController(device)
	rec := record(bus, events.TrackUnplayable, events.PlaybackFailed)

	if err := c.PlayTrack(context.Background(), testTrack(1000), ""); err == nil {
		t.Fatal("PlayTrack() should fail")
	}
	if c.State() != Stopped {
		t.Errorf("State() = %v, want stopped", c.State())
	}
	for _, k := range rec.kinds() {
		if k == events.TrackUnplayable {
			t.Error("generic failures must not flag the track")
		}
	}
}

func TestController_StopPlayback(t *testing.T) {
	device := &fakeDevice{}
	c, clock, bus := newTestController(device)
	rec := record(bus, events.Stopped)

	if err := c.PlayTrack(context.Background(), testTrack(180000), ""); err != nil {
		t.Fatal(err)
	}
	if err := c.StopPlayback(context.Background()); err != nil {
		t.Fatalf("StopPlayback() error = %v", err)
	}

	if c.State() != Stopped {
		t.Errorf("State() = %v, want stopped", c.State())
	}
	if _, ok := c.Progress(); ok {
		t.Error("progress timer should be cancelled on stop")
	}
	rec.wait(t, events.Stopped)

	deadline := time.Now().Add(2 * time.Second)
	for clock.liveTickers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := clock.liveTickers(); n != 0 {
		t.Errorf("live tickers = %d, want 0", n)
	}
}

func TestController_PauseFailureRestoresPriorState(t *testing.T) {
	device := &fakeDevice{}
	c, _, _ := newTestController(device)

	if err := c.PlayTrack(context.Background(), testTrack(180000), ""); err != nil {
		t.Fatal(err)
	}
	device.pauseErr = errors.New("connection refused")

	if err := c.StopPlayback(context.Background()); err == nil {
		t.Fatal("StopPlayback() should fail")
	}
	if c.State() != Playing {
		t.Errorf("State() = %v, want playing", c.State())
	}
	if _, ok := c.Progress(); !ok {
		t.Error("progress timer should keep running after a failed pause")
	}
}

func TestController_TogglePlayPause(t *testing.T) {
	device := &fakeDevice{}
	c, _, _ := newTestController(device)
	ctx := context.Background()

	if err := c.TogglePlayPause(ctx); !errors.Is(err, core.ErrNoCurrentTrack) {
		t.Errorf("TogglePlayPause() without track error = %v, want ErrNoCurrentTrack", err)
	}

	if err := c.PlayTrack(ctx, testTrack(180000), ""); err != nil {
		t.Fatal(err)
	}
	if err := c.TogglePlayPause(ctx); err != nil {
		t.Fatal(err)
	}
	if c.State() != Stopped {
		t.Errorf("State() after toggle = %v, want stopped", c.State())
	}
	if err := c.TogglePlayPause(ctx); err != nil {
		t.Fatal(err)
	}
	if c.State() != Playing {
		t.Errorf("State() after second toggle = %v, want playing", c.State())
	}
	if len(device.plays) != 2 {
		t.Errorf("device plays = %d, want 2", len(device.plays))
	}
}

func TestController_SyncStatusDetectsExternalPause(t *testing.T) {
	device := &fakeDevice{}
	c, _, bus := newTestController(device)
	rec := record(bus, events.Stopped)

	if err := c.PlayTrack(context.Background(), testTrack(180000), ""); err != nil {
		t.Fatal(err)
	}
	device.status = &core.DeviceStatus{Playing: false}

	if _, err := c.SyncStatus(context.Background()); err != nil {
		t.Fatalf("SyncStatus() error = %v", err)
	}
	if c.State() != Stopped {
		t.Errorf("State() = %v, want stopped", c.State())
	}
	rec.wait(t, events.Stopped)
}

func TestController_HandlersMayCallBack(t *testing.T) {
	device := &fakeDevice{}
	c, _, bus := newTestController(device)

	done := make(chan error, 1)
	bus.SubscribeOnce(events.NowPlaying, func(events.Event) {
		done <- c.StopPlayback(context.Background())
	})

	if err := c.PlayTrack(context.Background(), testTrack(180000), ""); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("StopPlayback() from handler error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler deadlocked")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{Idle: "idle", Requesting: "requesting", Playing: "playing", Stopped: "stopped"}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
